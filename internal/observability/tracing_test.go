package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	logx "signupassist/pkg/logx"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	t.Parallel()
	p, err := Setup(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderRecordsSpans(t *testing.T) {
	t.Parallel()
	rec := tracetest.NewSpanRecorder()
	p := newProvider(resource.Empty(), sampler(1), sdktrace.WithSpanProcessor(rec))

	_, span := p.Tracer().Start(context.Background(), "execution.submit")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "execution.submit", ended[0].Name())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderTracer(t *testing.T) {
	t.Parallel()
	var p *Provider
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
