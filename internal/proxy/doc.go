// Package proxy は解決済みのルートに従ってリクエストを上流サービスへ転送する。
//
// リクエストとレスポンスのボディはバッファせずにストリームで中継し、
// 上流の失敗は到達不可・タイムアウト・その他の3種類のProxyErrorに正規化する。
package proxy
