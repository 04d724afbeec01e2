// Package health tracks the reachability of the daemon's dependencies.
package health

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// ComponentStatus is the outcome of the last check of a component.
type ComponentStatus struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the state of all components.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

type Monitor struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
	last   map[string]ComponentStatus
}

// NewMonitor creates a monitor whose checks are bounded by timeout (5s
// when zero).
func NewMonitor(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		timeout: timeout,
		checks:  make(map[string]Check),
		last:    make(map[string]ComponentStatus),
	}
}

func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// CheckAll runs every check concurrently and returns the fresh report.
func (m *Monitor) CheckAll(ctx context.Context) Report {
	m.mu.RLock()
	checks := maps.Clone(m.checks)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]ComponentStatus, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := run(ctx, check)
			mu.Lock()
			results[name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for name, st := range results {
		if prev, ok := m.last[name]; ok && prev.Status != st.Status {
			logger.Warn("Health: component changed status", "component", name, "from", prev.Status, "to", st.Status, "error", st.Error)
		}
		m.last[name] = st
		healthy := 0.0
		if st.Status == StatusHealthy {
			healthy = 1
		}
		metrics.ComponentHealth.WithLabelValues(name).Set(healthy)
	}
	m.mu.Unlock()

	return newReport(results)
}

// Last returns the report of the most recent checks without probing.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newReport(maps.Clone(m.last))
}

// Run checks all components every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Names returns the registered components in order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.checks))
}

func run(ctx context.Context, check Check) (st ComponentStatus) {
	st.CheckedAt = time.Now()
	defer func() {
		if r := recover(); r != nil {
			st.Status = StatusUnhealthy
			st.Error = fmt.Sprintf("panic: %v", r)
		}
	}()
	if err := check(ctx); err != nil {
		st.Status = StatusUnhealthy
		st.Error = err.Error()
		return st
	}
	st.Status = StatusHealthy
	return st
}

func newReport(components map[string]ComponentStatus) Report {
	r := Report{Status: StatusHealthy, Components: components}
	for _, st := range components {
		if st.Status != StatusHealthy {
			r.Status = StatusUnhealthy
		}
	}
	return r
}
