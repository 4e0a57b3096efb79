package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestWithDefaultsFillsNilHooks(t *testing.T) {
	tel := Telemetry{}.WithDefaults()
	require.NotNil(t, tel.Logger)
	require.NotNil(t, tel.Metrics)
	require.NotNil(t, tel.Tracer)

	ctx := context.Background()
	newCtx, span := tel.Tracer.Start(ctx, "hitl.test")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("event", "k", "v")
	span.SetStatus(codes.Ok, "")
	span.RecordError(errors.New("boom"))
	span.End()
	tel.Metrics.IncCounter("hitl.test", 1, "k", "v")
	tel.Metrics.RecordTimer("hitl.test.duration", time.Millisecond)
	tel.Logger.Info(ctx, "ignored", "k", "v")
}

func TestWithDefaultsKeepsProvidedHooks(t *testing.T) {
	logger := NewClueLogger()
	tel := Telemetry{Logger: logger}.WithDefaults()
	require.Equal(t, logger, tel.Logger)
	require.IsType(t, NoopMetrics{}, tel.Metrics)
}

func TestFielders(t *testing.T) {
	got := fielders("hello", []any{"a", 1, 2, "skipped", "tail"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "a", V: 1},
		log.KV{K: "tail", V: nil},
	}, got)
}

func TestTagsAndAttrs(t *testing.T) {
	require.Equal(t, []attribute.KeyValue{
		attribute.String("status", "ok"),
		attribute.String("odd", ""),
	}, tagsToAttrs([]string{"status", "ok", "odd"}))

	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Int("i", 2),
		attribute.Bool("b", true),
		attribute.String("err", "boom"),
	}, kvSliceToAttrs([]any{"s", "x", "i", 2, "b", true, "err", errors.New("boom")}))
}

func TestClueLoggerWritesEntries(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON))
	logger := NewClueLogger()
	logger.Info(ctx, "posted continuation", "run_id", "run-1")
	logger.Error(ctx, "post failed", "err", errors.New("boom"), "run_id", "run-1")
	require.Contains(t, buf.String(), `"posted continuation"`)
	require.Contains(t, buf.String(), `"run-1"`)
	require.Contains(t, buf.String(), "boom")
}
