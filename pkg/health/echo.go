package health

import (
	"context"
	"fmt"
	"time"

	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
)

// EchoChecker asks a server to C-ECHO one of its registered modalities
type EchoChecker struct {
	client  orthanc.API
	target  string
	timeout time.Duration
}

// NewEchoChecker creates a checker echoing target through client
func NewEchoChecker(client orthanc.API, target string) *EchoChecker {
	return &EchoChecker{client: client, target: target, timeout: DefaultTimeout}
}

// WithTimeout sets the probe timeout
func (c *EchoChecker) WithTimeout(timeout time.Duration) *EchoChecker {
	c.timeout = timeout
	return c
}

// Check performs the probe
func (c *EchoChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.client.Echo(ctx, c.target, c.timeout)
	metrics.ProbesTotal.WithLabelValues(string(CheckTypeEcho), metrics.Outcome(err)).Inc()
	if err != nil {
		return failed(start, fmt.Sprintf("echo %s failed: %v", c.target, err))
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("echo %s ok", c.target),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (c *EchoChecker) Type() CheckType {
	return CheckTypeEcho
}
