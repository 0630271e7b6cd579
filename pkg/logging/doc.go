// Package logging はgatewayの構造化ロガーを生成する。
package logging
