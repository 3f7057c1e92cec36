package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
	assert.NotEmpty(t, NewTraceID())
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithCallID(ctx, "call-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "call-1", tc.CallID)
}

func TestWithCallID_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithCallID(ctx, ""))
	assert.Empty(t, GetCallID(ctx))
}

func TestNewRunContext(t *testing.T) {
	t.Run("fresh context gets trace and run", func(t *testing.T) {
		ctx := NewRunContext(context.Background())
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
	})

	t.Run("existing trace is kept", func(t *testing.T) {
		ctx := NewRunContext(WithTraceID(context.Background(), "keep-me"))
		assert.Equal(t, "keep-me", GetTraceID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithCallID(WithTraceID(context.Background(), "trace-9"), "call-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-9"`)
	assert.Contains(t, out, `"call_id":"call-9"`)
	assert.NotContains(t, out, "run_id")
}

func TestStartSpan(t *testing.T) {
	require.NoError(t, Init(Config{Enabled: true, ServiceName: "toolrun-test"}))
	defer func() { _ = Shutdown(context.Background()) }()

	ctx, span := StartSpan(context.Background(), "toolrun.test", "test.span")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}
