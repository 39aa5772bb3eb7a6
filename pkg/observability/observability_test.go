package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "drivergate", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Nothing was installed, but the instrumentation paths must not panic.
	p.RecordEvaluation(context.Background(), false, 2,
		attribute.String("platform", "windows"))
	p.RecordDispatch(context.Background(), "ticket", "applied")

	ctx, done := p.TrackOperation(context.Background(), "evaluate")
	assert.NotNil(t, ctx)
	done(errors.New("boom"))

	assert.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}
