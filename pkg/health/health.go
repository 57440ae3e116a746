package health

import (
	"context"
	"time"

	"github.com/orthancfleet/cockpit/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeSystem CheckType = "system"
	CheckTypeEcho   CheckType = "echo"
)

// DefaultTimeout bounds a single probe
const DefaultTimeout = 3 * time.Second

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Status maps the result onto a graph status
func (r Result) Status() types.NodeStatus {
	if r.Healthy {
		return types.StatusUp
	}
	return types.StatusDown
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

func failed(start time.Time, msg string) Result {
	return Result{
		Healthy:   false,
		Message:   msg,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
