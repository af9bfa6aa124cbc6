package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "leasegate", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())

	ctx, done := p.TrackOperation(context.Background(), "lease.issue", attribute.String("intent_id", "int-1"))
	require.NotNil(t, ctx)
	done(gateerr.New(gateerr.KindAuthorization, gateerr.CodeBadSignature, "bad"))
	done(nil)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NotNil(t, Disabled().Tracer())
}

func TestNewProviderInsecure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = true
	p, err := New(ctx, cfg)
	require.NoError(t, err, "grpc exporters connect lazily")
	require.True(t, p.Enabled())

	_, done := p.TrackOperation(ctx, "review.dispatch")
	done(errors.New("plain failure"))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShutdown()
	require.NoError(t, p.Shutdown(shutdownCtx))
}

func TestNewProviderMissingClientCert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.CertFile = "/nonexistent/cert.pem"
	cfg.KeyFile = "/nonexistent/key.pem"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
