// Package health grades the service's dependencies and serves the
// liveness and readiness probes on the admin port.
package health

import (
	"context"
	"encoding/json"
	"time"
)

// Status grades one component or the service as a whole.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the grade as its name rather than an int.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is one component's answer. Checkers fill Status, Message,
// Error, and Details; the manager stamps the rest.
type CheckResult struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
}

// Checker probes one dependency. Critical checkers gate readiness.
type Checker interface {
	Name() string
	IsCritical() bool
	Check(ctx context.Context) CheckResult
}

// Overall condenses the component results into probe answers. A critical
// failure takes Ready down; Live only reflects the process itself.
type Overall struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Ready   bool   `json:"ready"`
	Live    bool   `json:"live"`
}

// Detailed is the full healthz payload.
type Detailed struct {
	Overall    Overall                `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    Summary                `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Summary counts components by grade.
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}
