package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/types"
)

func newManager(t *testing.T, cfg *types.MetricsConfig) (types.MetricsManager, error) {
	t.Helper()
	return NewManager(context.Background(), config.NewStaticManager(&types.ServiceConfig{Metrics: cfg}), logger.NewZapWrapper(zap.NewNop()))
}

func TestManagerDisabledIsNoop(t *testing.T) {
	m, err := newManager(t, &types.MetricsConfig{Enabled: false, Type: TypePrometheus})
	require.NoError(t, err)

	c := m.Counter("anything_total", nil)
	c.Inc()
	assert.Equal(t, 0.0, c.Get())
}

func TestManagerUnknownType(t *testing.T) {
	_, err := newManager(t, &types.MetricsConfig{Enabled: true, Type: "statsd"})
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestManagerCustomBackend(t *testing.T) {
	var got interface{}
	RegisterMetricsManager("recording", func(cfg interface{}) (types.MetricsManager, error) {
		got = cfg
		return NewNoopMetrics(), nil
	})

	cfg := &types.MetricsConfig{Enabled: true, Type: "recording"}
	m, err := newManager(t, cfg)
	require.NoError(t, err)
	assert.Same(t, cfg, got)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}
