package health

import (
	"context"
	"fmt"
	"time"

	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
)

// SystemChecker probes a server's management API with GET /system
type SystemChecker struct {
	client  orthanc.API
	timeout time.Duration

	// Info holds the last successful /system answer
	Info *orthanc.SystemInfo
}

// NewSystemChecker creates a checker for the server behind client
func NewSystemChecker(client orthanc.API) *SystemChecker {
	return &SystemChecker{client: client, timeout: DefaultTimeout}
}

// WithTimeout sets the probe timeout
func (c *SystemChecker) WithTimeout(timeout time.Duration) *SystemChecker {
	c.timeout = timeout
	return c
}

// Check performs the probe
func (c *SystemChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info, err := c.client.System(ctx)
	metrics.ProbesTotal.WithLabelValues(string(CheckTypeSystem), metrics.Outcome(err)).Inc()
	if err != nil {
		return failed(start, fmt.Sprintf("system probe failed: %v", err))
	}

	c.Info = info
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s %s", info.DicomAet, info.Version),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (c *SystemChecker) Type() CheckType {
	return CheckTypeSystem
}
