package poller

import (
	"context"
	"time"
)

// Poll intervals per client view.
const (
	OrderTrackerInterval    = 5 * time.Second
	NotificationInterval    = 5 * time.Second
	MessageMonitorInterval  = 3 * time.Second
	SellerDashboardInterval = 10 * time.Second
)

// Every runs fn now and then once per interval until ctx is done. A failed
// poll is handed to onErr and the loop keeps going; the next tick is the
// retry.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context) error, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && onErr != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
