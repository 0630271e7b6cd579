// Package metrics はgatewayのプロセス全体のリクエストカウンタを提供する。
//
// カウンタはプロセスの起動からのみ増加し、再起動時以外にリセットされない。
// 同じ値をPrometheusのレジストリにも反映する。
package metrics
