// Package ratelimit は識別子毎の固定ウィンドウ方式のレート制限を提供する。
//
// カウンタは共有ストア（Redis）を正とし、到達できない間はプロセス内の
// MemoryStoreに切り替える。両者のカウントは合算しない。どちらのストアも
// 使えない場合は可用性を優先してリクエストを許可する（フェイルオープン）。
package ratelimit
