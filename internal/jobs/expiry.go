// Package jobs schedules the service's periodic maintenance work.
package jobs

import (
	"context"
	"fmt"
	"time"

	"journal-billing/pkg/logging"

	"github.com/robfig/cron/v3"
)

// Expirer marks lapsed subscriptions inactive.
type Expirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// NewScheduler returns a stopped scheduler that runs the expiry sweep every
// interval. Call Start to begin and Stop to drain.
func NewScheduler(e Expirer, interval time.Duration) (*cron.Cron, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("expiry interval must be at least 1s, got %s", interval)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc("@every "+interval.String(), func() { RunExpiry(e) }); err != nil {
		return nil, fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	return c, nil
}

// RunExpiry performs one sweep.
func RunExpiry(e Expirer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	count, err := e.ExpireStale(ctx)
	if err != nil {
		logging.Errorf("Expiry sweep failed - error: %v", err)
		return
	}
	logging.Infof("Expiry sweep finished - expired: %d", count)
}
