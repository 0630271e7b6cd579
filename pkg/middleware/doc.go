// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証、相関IDの付与、パニックリカバリ、
// CORS設定など、gatewayのリクエストパイプラインを構成するミドルウェアを含む。
package middleware
