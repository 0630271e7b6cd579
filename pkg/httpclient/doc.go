// Package httpclient はgatewayから上流サービスへHTTPリクエストを送るクライアントを提供する。
//
// 接続先毎にクライアントを用意せず、1つのコネクションプールをすべての上流サービスで共有する。
// 送信時の失敗はClassifyで「到達不可」「タイムアウト」「その他」に分類する。
package httpclient
