package upstream

import (
	"context"
	"math/rand/v2"
	"time"
)

// Jitter is a randomized delay policy. The zero value waits for nothing.
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// Duration picks a delay uniformly from [Min, Max].
func (j Jitter) Duration() time.Duration {
	if j.Max <= j.Min {
		return max(j.Min, 0)
	}
	return j.Min + rand.N(j.Max-j.Min+1)
}

// Wait sleeps for a randomized delay or until ctx is done.
func (j Jitter) Wait(ctx context.Context) error {
	d := j.Duration()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
