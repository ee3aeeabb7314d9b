package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "metrics")

// Metrics accumulates per-process operation timings. The CLI is short lived,
// so this is an in-memory aggregate reported through debug logging, not a
// time series.
type Metrics struct {
	mutex         sync.Mutex
	StartTime     time.Time
	LastOperation string
	LastDuration  time.Duration
	Operations    int
}

func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// RecordOperation stores the duration of a completed operation.
func (m *Metrics) RecordOperation(operation string, start time.Time) {
	duration := time.Since(start)

	m.mutex.Lock()
	m.LastOperation = operation
	m.LastDuration = duration
	m.Operations++
	m.mutex.Unlock()

	entry := log.WithFields(logrus.Fields{
		"operation": operation,
		"duration":  duration,
	})
	if duration > 30*time.Second {
		entry.Warn("Operation took longer than expected")
		return
	}
	entry.Debug("Operation completed")
}

// MemoryUsageMB returns the process heap allocation in megabytes.
func MemoryUsageMB() float64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return float64(mem.Alloc) / 1024 / 1024
}

// Timer measures one operation from construction to Stop.
type Timer struct {
	name  string
	start time.Time
}

func NewTimer(operation string) *Timer {
	log.WithField("operation", operation).Debug("Operation started")
	return &Timer{
		name:  operation,
		start: time.Now(),
	}
}

// Stop logs and returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	log.WithFields(logrus.Fields{
		"operation": t.name,
		"duration":  duration,
	}).Debug("Operation completed")
	return duration
}
