// Package tracing はOpenTelemetryのトレーサーと伝播方式を設定する。
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName はスパンに付与するサービス名。
const ServiceName = "gateway"

// Setup はW3C Trace Contextの伝播方式を登録し、enabledであればスパンをwへ出力するトレーサーを登録する。
// 戻り値の関数で未送信のスパンを書き出して終了する。
func Setup(ctx context.Context, enabled bool, w io.Writer) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(newPropagator())
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("トレースエクスポーターの生成に失敗: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
	))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("トレースリソースの生成に失敗: %w", err), exporter.Shutdown(ctx))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
