package cron

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/metrics"
	"github.com/saiset-co/sai-directory/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(&types.CronConfig{Enabled: true, Timezone: "UTC"}, logger.NewZapWrapper(zap.NewNop()), metrics.NewNoopMetrics())
	require.NoError(t, err)
	return m
}

func TestAddValidation(t *testing.T) {
	m := newTestManager(t)
	noop := func() {}

	assert.ErrorIs(t, m.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("sweep", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("sweep", "not a schedule", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("sweep", "@every 1m", noop))
	assert.ErrorIs(t, m.Add("sweep", "@every 1m", noop), types.ErrCronJobExists)
}

func TestUnknownTimezone(t *testing.T) {
	_, err := NewManager(&types.CronConfig{Timezone: "Mars/Olympus"}, logger.NewZapWrapper(zap.NewNop()), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestJobsAndRemove(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Add("reset-breakers", "0 */5 * * * *", func() {}))
	require.NoError(t, m.Add("cache-sweep", "@every 30s", func() {}))

	jobs := m.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "cache-sweep", jobs[0].Name)
	assert.Equal(t, "reset-breakers", jobs[1].Name)
	assert.Equal(t, "@every 30s", jobs[0].Spec)

	require.NoError(t, m.Remove("cache-sweep"))
	assert.Len(t, m.Jobs(), 1)
	assert.ErrorIs(t, m.Remove("cache-sweep"), types.ErrCronJobNotFound)
}

func TestJobRunsAndRecordsStats(t *testing.T) {
	m := newTestManager(t)

	var runs int32
	require.NoError(t, m.Add("tick", "@every 1s", func() { atomic.AddInt32(&runs, 1) }))
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrCronIsRunning)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.GreaterOrEqual(t, jobs[0].RunCount, int64(1))
	assert.False(t, jobs[0].LastRun.IsZero())
}

func TestPanickingJobIsContained(t *testing.T) {
	m := newTestManager(t)

	var runs int32
	require.NoError(t, m.Add("boom", "@every 1s", func() {
		atomic.AddInt32(&runs, 1)
		panic("sweep exploded")
	}))
	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return m.Jobs()[0].RunCount >= 1 }, time.Second, 10*time.Millisecond)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	m := newTestManager(t)

	release := make(chan struct{})
	var runs int32
	require.NoError(t, m.Add("slow", "@every 1s", func() {
		atomic.AddInt32(&runs, 1)
		<-release
	}))

	j := m.jobs["slow"]
	tick := m.wrap(j)

	done := make(chan struct{})
	go func() {
		tick()
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	tick()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	close(release)
	<-done
}

func TestStopWhenStopped(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}
