package restart

import "time"

// LimitStatus is the outcome of a bounded wait.
type LimitStatus int

const (
	LimitOK LimitStatus = iota
	LimitExceeded
)

// Backoff implements the exponential schedule of spec §4.3: the n-th retry
// waits base_ms * 2^(n-1) ms. If an attempt's up-time (measured from the
// last Start call) reaches timeout before the next wait, the counter resets
// to 1 on that wait. Grounded on original_source/babel/src/job_runner.rs's
// use of crate::utils::Backoff.
type Backoff struct {
	clock        Clock
	baseMs       uint64
	resetTimeout time.Duration
	attempt      uint32
	startedAt    time.Time
}

// NewBackoff constructs a Backoff. resetTimeout of 0 disables the reset rule.
func NewBackoff(clock Clock, baseMs uint64, resetTimeout time.Duration) *Backoff {
	return &Backoff{clock: clock, baseMs: baseMs, resetTimeout: resetTimeout}
}

// Start marks the beginning of a new attempt's up-time window.
func (b *Backoff) Start() {
	b.startedAt = b.clock.Now()
}

func (b *Backoff) maybeReset() {
	if b.resetTimeout <= 0 || b.startedAt.IsZero() {
		return
	}
	if b.clock.Now().Sub(b.startedAt) >= b.resetTimeout {
		b.attempt = 0
	}
}

func (b *Backoff) delay() time.Duration {
	return time.Duration(b.baseMs) * time.Millisecond * time.Duration(uint64(1)<<(b.attempt-1))
}

// Wait sleeps for the next unbounded backoff delay and advances the counter.
func (b *Backoff) Wait() {
	b.maybeReset()
	b.attempt++
	b.clock.Sleep(b.delay())
}

// WaitWithLimit sleeps for the next delay unless maxRetries consecutive
// failures have already been spent, in which case it reports LimitExceeded
// without sleeping.
func (b *Backoff) WaitWithLimit(maxRetries uint32) LimitStatus {
	b.maybeReset()
	if b.attempt >= maxRetries {
		return LimitExceeded
	}
	b.attempt++
	b.clock.Sleep(b.delay())
	return LimitOK
}
