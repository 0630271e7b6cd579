// Package route はURLパスの先頭セグメントから転送先のupstreamを解決するルートテーブルを提供する。
//
// ルートテーブルは起動時に組み込みの既定値、設定ファイル、環境変数から構築され、
// プロセスの生存期間中は変更されない。リクエスト毎の参照は読み取りのみで行う。
package route
