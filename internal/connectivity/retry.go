package connectivity

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type RetryOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the ratio (0.0-1.0) by which each delay is spread around
	// its nominal value.
	Jitter float64
	Logger zerolog.Logger
}

// RetryScheduler turns "retry later" registrations into a delayed
// RequestSync on the monitor, backing off exponentially between consecutive
// registrations until Reset is called.
type RetryScheduler struct {
	monitor *Monitor
	opts    RetryOptions
	sample  func() float64

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	stopped  bool
}

func NewRetryScheduler(monitor *Monitor, opts RetryOptions) *RetryScheduler {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	return &RetryScheduler{
		monitor: monitor,
		opts:    opts,
		sample:  rand.Float64,
	}
}

// Schedule arms a single pending retry. Calls while one is pending are
// coalesced; the backoff only grows when a retry actually fires and the
// caller registers again.
func (s *RetryScheduler) Schedule() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return 0
	}
	delay := jitteredInterval(BackoffDelay(s.opts.BaseDelay, s.opts.MaxDelay, s.attempts), s.opts.Jitter, s.sample())
	s.attempts++
	s.timer = time.AfterFunc(delay, s.fire)
	s.opts.Logger.Debug().Dur("delay", delay).Int("attempt", s.attempts).Msg("sync retry scheduled")
	return delay
}

// Pending reports whether a retry is armed.
func (s *RetryScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Reset cancels any pending retry and restarts the backoff.
func (s *RetryScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *RetryScheduler) fire() {
	s.mu.Lock()
	if s.stopped || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.monitor.RequestSync()
}

// BackoffDelay is base doubled attempt times, capped at max.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return min(delay, max)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredInterval spreads base by ±jitterRatio using sample in [0,1].
func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
