package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "airest", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, done := p.TrackOperation(context.Background(), "engine.apply", attribute.String("intent_type", "order.query"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "ledger.record")
	require.NotNil(t, ctx)
	done(nil)
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}
