package cron

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

var jobBuckets = []float64{0.001, 0.01, 0.1, 1, 10, 60}

type job struct {
	entry types.JobEntry
	busy  int32
}

// wrap returns the function handed to the scheduler. A tick that fires while
// the previous run of the same job is still going is dropped.
func (m *Manager) wrap(j *job) func() {
	name := j.entry.Name
	labels := map[string]string{"job_name": name}

	return func() {
		if !atomic.CompareAndSwapInt32(&j.busy, 0, 1) {
			m.logger.Debug("Cron job still running, tick skipped", zap.String("job_name", name))
			if m.metrics != nil {
				m.metrics.Counter("cron_job_skipped_total", labels).Inc()
			}
			return
		}
		defer atomic.StoreInt32(&j.busy, 0)

		start := time.Now()
		err := invoke(j.entry.Job)
		took := time.Since(start)

		m.mu.Lock()
		j.entry.LastRun = start
		j.entry.LastDuration = took
		j.entry.RunCount++
		m.mu.Unlock()

		result := "success"
		if err != nil {
			result = "error"
			m.logger.ErrorWithErrStack("Cron job failed", err, zap.String("job_name", name), zap.Duration("duration", took))
		} else {
			m.logger.Debug("Cron job completed", zap.String("job_name", name), zap.Duration("duration", took))
		}

		if m.metrics != nil {
			m.metrics.Counter("cron_job_executions_total", map[string]string{"job_name": name, "result": result}).Inc()
			m.metrics.Histogram("cron_job_duration_seconds", jobBuckets, labels).Observe(took.Seconds())
		}
	}
}

func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewErrorf("job panic: %v", r)
		}
	}()
	fn()
	return nil
}

// printfLogger adapts types.Logger to cron.Logger.
type printfLogger struct {
	logger types.Logger
}

func (l printfLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kvFields(kv)...)
}

func (l printfLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Error(msg, append(kvFields(kv), zap.Error(err))...)
}

func kvFields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
