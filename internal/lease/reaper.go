package lease

import (
	"context"
	"sync"
	"time"
)

// Reaper periodically expires bindings whose valid lifetime has passed.
type Reaper struct {
	m      *Manager
	delay  time.Duration
	period time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper that first runs after delay and then every period.
func NewReaper(m *Manager, delay, period time.Duration) *Reaper {
	if period <= 0 {
		period = time.Minute
	}
	return &Reaper{m: m, delay: delay, period: period}
}

// Start runs the reaper until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts the reaper and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(r.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n := r.m.ExpireBindings(); n > 0 {
				r.m.logger.Info("binding reaper completed", "expired_count", n)
			}
			timer.Reset(r.period)
		}
	}
}
