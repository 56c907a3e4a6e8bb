package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpointOnlyInstallsPropagator(t *testing.T) {
	cfg := DefaultConfig("enrollment-api")
	cfg.OTLPEndpoint = ""

	p, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(1).Description())
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, Sampler(0).Description(), "AlwaysOffSampler")
}
