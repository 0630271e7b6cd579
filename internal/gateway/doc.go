// Package gateway はAPI Gatewayのリクエスト処理パイプラインを提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。すべてのリクエストに相関IDを付与し、レート制限、ルート解決、
// トークン検証、アクセス制御を順に通過したリクエストだけを上流サービスへ転送する。
// 各リクエストはメトリクスに1回だけ記録され、1行の構造化ログを出力する。
package gateway
