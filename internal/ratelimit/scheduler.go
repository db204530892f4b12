// Package ratelimit serializes calls to quota-bound services.
//
// A Scheduler is an explicit, injectable component: callers queue in FIFO
// order, one call runs at a time, and consecutive calls are spaced by at
// least the configured interval. Time is read through a Clock so tests can
// drive the schedule with a FakeClock instead of sleeping.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scheduler is a FIFO queue with a minimum inter-call interval.
type Scheduler struct {
	clock   Clock
	limiter *rate.Limiter

	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
	calls   int64
}

// NewScheduler creates a scheduler. interval<=0 disables pacing but keeps serialization.
func NewScheduler(interval time.Duration, clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{clock: clock, limiter: rate.NewLimiter(limitFor(interval), 1)}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Do runs fn once it reaches the head of the queue and the interval has elapsed.
func (s *Scheduler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if err := s.pace(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	return fn(ctx)
}

// Wait blocks until a call may proceed without running anything under the queue.
// Used for fixed inter-request delays where the caller owns the request itself.
func (s *Scheduler) Wait(ctx context.Context) error {
	return s.Do(ctx, func(context.Context) error { return nil })
}

// Calls returns how many calls have been admitted.
func (s *Scheduler) Calls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scheduler) pace(ctx context.Context) error {
	now := s.clock.Now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := s.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(s.clock.Now())
		return err
	}
	return nil
}

func (s *Scheduler) acquire(ctx context.Context) error {
	s.mu.Lock()
	if !s.busy {
		s.busy = true
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Ownership was handed over concurrently with cancellation.
		s.release()
		return ctx.Err()
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) == 0 {
		s.busy = false
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(next)
}
