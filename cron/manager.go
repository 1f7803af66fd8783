package cron

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

const stopGrace = 10 * time.Second

// Specs may carry a leading seconds field or be a descriptor such as
// "@every 30s".
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var _ types.CronManager = (*Manager)(nil)

// Manager runs housekeeping jobs such as cache sweeps and breaker resets.
type Manager struct {
	logger  types.Logger
	metrics types.MetricsManager
	loc     *time.Location
	sched   *cron.Cron
	grace   time.Duration

	mu   sync.RWMutex
	jobs map[string]*job

	running int32
}

func NewManager(config *types.CronConfig, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	loc := time.UTC
	if config != nil && config.Timezone != "" {
		l, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidParameter, "cron timezone %q: %v", config.Timezone, err)
		}
		loc = l
	}

	return &Manager{
		logger:  logger,
		metrics: metrics,
		loc:     loc,
		grace:   stopGrace,
		jobs:    make(map[string]*job),
		sched: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(specParser),
			cron.WithChain(cron.Recover(printfLogger{logger})),
		),
	}, nil
}

func (m *Manager) Add(jobName, spec string, fn func()) error {
	switch {
	case jobName == "":
		return types.ErrCronJobNameIsEmpty
	case fn == nil:
		return types.ErrCronJobIsNil
	}

	schedule, err := specParser.Parse(spec)
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%q: %v", spec, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.jobs[jobName]; dup {
		return types.Errorf(types.ErrCronJobExists, "job: %s", jobName)
	}

	j := &job{entry: types.JobEntry{Name: jobName, Spec: spec, Job: fn, AddedAt: time.Now()}}
	j.entry.ID = m.sched.Schedule(schedule, cron.FuncJob(m.wrap(j)))
	j.entry.NextRun = m.sched.Entry(j.entry.ID).Next
	m.jobs[jobName] = j

	m.logger.Info("Cron job added", zap.String("job_name", jobName), zap.String("spec", spec), zap.Time("next_run", j.entry.NextRun))
	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobName]
	if ok {
		delete(m.jobs, jobName)
	}
	m.mu.Unlock()

	if !ok {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}
	m.sched.Remove(j.entry.ID)
	m.logger.Info("Cron job removed", zap.String("job_name", jobName))
	return nil
}

// Jobs returns a snapshot ordered by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	out := make([]types.JobEntry, 0, len(m.jobs))
	for _, j := range m.jobs {
		e := j.entry
		if scheduled := m.sched.Entry(e.ID); scheduled.Valid() {
			e.NextRun = scheduled.Next
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrCronIsRunning
	}
	m.sched.Start()
	m.schedulerGauge(1)
	m.logger.Info("Cron manager started", zap.String("timezone", m.loc.String()), zap.Int("jobs", len(m.Jobs())))
	return nil
}

// Stop halts scheduling and waits up to the grace period for running jobs.
func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	m.schedulerGauge(0)

	select {
	case <-m.sched.Stop().Done():
		m.logger.Info("Cron manager stopped")
		return nil
	case <-time.After(m.grace):
		m.logger.Warn("Cron jobs still running after stop grace period", zap.Duration("grace", m.grace))
		return types.Errorf(types.ErrTimeout, "cron stop after %v", m.grace)
	}
}

func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *Manager) schedulerGauge(v float64) {
	if m.metrics != nil {
		m.metrics.Gauge("cron_scheduler_running", nil).Set(v)
	}
}

// Context bounds a single job run. A non-positive timeout only cancels.
func Context(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
