package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orthancfleet/cockpit/pkg/health"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
)

// HealthWaiter blocks until a server answers its management API
type HealthWaiter interface {
	Wait(ctx context.Context, client orthanc.API) error
}

// PollingWaiter probes GET /system at a fixed interval until it succeeds.
// It has no deadline of its own; only ctx ends the wait.
type PollingWaiter struct {
	Interval time.Duration
}

// Wait implements HealthWaiter
func (w *PollingWaiter) Wait(ctx context.Context, client orthanc.API) error {
	checker := health.NewSystemChecker(client)

	policy := backoff.NewConstantBackOff(w.Interval)
	return backoff.Retry(func() error {
		if result := checker.Check(ctx); !result.Healthy {
			return errors.New(result.Message)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}
