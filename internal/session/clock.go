package session

import (
	"context"
	"time"
)

// Clock submits a ClockTick every Interval. It only observes; rotation
// stays with the controller.
type Clock struct {
	Interval time.Duration
	Now      func() time.Time
}

func (c Clock) Run(ctx context.Context, submit func(Event)) error {
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}
	now := c.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			submit(ClockTick{At: now()})
		}
	}
}
