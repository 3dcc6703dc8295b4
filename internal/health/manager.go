package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Manager runs registered checkers on demand for the HTTP probes and on a
// background ticker so grade transitions get logged even when nothing is
// probing.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	logger   *zap.Logger

	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	started     bool
}

// NewManager creates a manager. Zero durations fall back to 30s between
// background sweeps and 5s per check.
func NewManager(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		interval:    interval,
		timeout:     timeout,
		stopCh:      make(chan struct{}),
		logger:      logger,
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
	}
}

// RegisterChecker adds a component probe. Names must be unique.
func (m *Manager) RegisterChecker(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Check runs every checker and condenses the results.
func (m *Manager) Check(ctx context.Context) Detailed {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	detailed := Detailed{
		Components: make(map[string]CheckResult, len(checkers)),
		Summary:    Summary{Total: len(checkers)},
		Timestamp:  time.Now(),
	}
	for _, c := range checkers {
		result := m.runCheck(ctx, c)
		detailed.Components[result.Component] = result
		switch result.Status {
		case StatusHealthy:
			detailed.Summary.Healthy++
		case StatusDegraded:
			detailed.Summary.Degraded++
		case StatusUnhealthy:
			detailed.Summary.Unhealthy++
		}
	}
	detailed.Overall = overallStatus(detailed.Components, detailed.Summary)

	m.record(detailed.Components)
	return detailed
}

// IsReady reports whether every critical dependency is up.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Check(ctx).Overall.Ready
}

// IsLive reports whether the process should keep running.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Check(ctx).Overall.Live
}

// Start launches the background sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()
	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Duration("check_timeout", m.timeout),
	)
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Health manager stopped")
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(context.Background())
		}
	}
}

// runCheck bounds one probe with the configured timeout and stamps the
// bookkeeping fields.
func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

// record stores the latest results and logs grade transitions.
func (m *Manager) record(components map[string]CheckResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, result := range components {
		last, seen := m.lastResults[name]
		if seen && last.Status != result.Status {
			if result.Status == StatusHealthy {
				m.logger.Info("Component recovered",
					zap.String("component", name))
			} else {
				m.logger.Warn("Component health changed",
					zap.String("component", name),
					zap.String("from", last.Status.String()),
					zap.String("to", result.Status.String()),
					zap.String("message", result.Message),
				)
			}
		}
		m.lastResults[name] = result
	}
}

// overallStatus folds the component grades into one answer. A failing
// critical component parks readiness but leaves liveness up: restarting
// the process does not bring a dependency back.
func overallStatus(components map[string]CheckResult, summary Summary) Overall {
	if summary.Total == 0 {
		return Overall{
			Status:  StatusUnknown,
			Message: "no health checks registered",
		}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degraded := 0
	for _, result := range components {
		switch {
		case result.Status == StatusDegraded:
			degraded++
		case result.Status == StatusUnhealthy && result.Critical:
			criticalFailures++
		case result.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		return Overall{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Live:    true,
		}
	case degraded > 0:
		return Overall{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d component(s) degraded", degraded),
			Ready:   true,
			Live:    true,
		}
	case nonCriticalFailures > 0:
		return Overall{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Ready:   true,
			Live:    true,
		}
	default:
		return Overall{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("all %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
}
