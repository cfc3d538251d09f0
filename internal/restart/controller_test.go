package restart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockjoy/babel/internal/job"
)

func intp(i int) *int { return &i }
func u32p(u uint32) *uint32 { return &u }

func TestStoppedRestartNever(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	jb := NewJobBackoff(clock, job.RestartPolicy{Kind: job.RestartNever})
	jb.Start()

	retry, status := jb.Stopped(nil, "test message")
	require.False(t, retry)
	require.Equal(t, job.StateFinished, status.State)
	require.Nil(t, status.ExitCode)
	require.Equal(t, "test message", status.Message)

	retry, status = jb.Stopped(intp(0), "test message")
	require.False(t, retry)
	require.Equal(t, 0, *status.ExitCode)
	require.Equal(t, "", status.Message)
}

func TestStoppedRestartAlways(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	policy := job.RestartPolicy{
		Kind: job.RestartAlways,
		Backoff: job.Backoff{
			BaseMs:     100,
			TimeoutMs:  1000,
			MaxRetries: u32p(1),
		},
	}
	jb := NewJobBackoff(clock, policy)
	jb.Start()

	retry, _ := jb.Stopped(intp(0), "test message")
	require.True(t, retry)

	retry, status := jb.Stopped(intp(1), "test message")
	require.False(t, retry)
	require.Equal(t, 1, *status.ExitCode)
	require.Equal(t, "test message", status.Message)
}

func TestStoppedRestartOnFailure(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	policy := job.RestartPolicy{
		Kind: job.RestartOnFailure,
		Backoff: job.Backoff{
			BaseMs:     100,
			TimeoutMs:  1000,
			MaxRetries: u32p(1),
		},
	}
	jb := NewJobBackoff(clock, policy)
	jb.Start()

	retry, _ := jb.Stopped(intp(1), "test message")
	require.True(t, retry)

	retry, status := jb.Stopped(intp(1), "test message")
	require.False(t, retry)
	require.Equal(t, 1, *status.ExitCode)
	require.Equal(t, "test message", status.Message)

	// a clean exit is terminal-success regardless of remaining retries
	retry, status = jb.Stopped(intp(0), "test message")
	require.False(t, retry)
	require.Equal(t, 0, *status.ExitCode)
	require.Equal(t, "", status.Message)
}

// TestBackoffSchedule asserts the exact delays from spec §8's
// "Always-restart with backoff" scenario: base=50ms, delays 50, 100, 200ms,
// terminal on the 4th failure (max_retries=3).
func TestBackoffSchedule(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	policy := job.RestartPolicy{
		Kind: job.RestartAlways,
		Backoff: job.Backoff{
			BaseMs:     50,
			TimeoutMs:  10_000,
			MaxRetries: u32p(3),
		},
	}
	jb := NewJobBackoff(clock, policy)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		jb.Start()
		before := len(clock.Sleeps)
		retry, _ := jb.Stopped(intp(1), "exit 1")
		require.True(t, retry)
		delays = append(delays, clock.Sleeps[before:]...)
	}
	require.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
	}, delays)

	jb.Start()
	retry, status := jb.Stopped(intp(1), "exit 1")
	require.False(t, retry)
	require.Equal(t, 1, *status.ExitCode)
}

// TestBackoffReset asserts that surviving at least timeout_ms resets the
// counter to the base delay.
func TestBackoffReset(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	policy := job.RestartPolicy{
		Kind: job.RestartAlways,
		Backoff: job.Backoff{
			BaseMs:    100,
			TimeoutMs: 500,
		},
	}
	jb := NewJobBackoff(clock, policy)

	jb.Start()
	_, _ = jb.Stopped(intp(1), "fail") // delay 100ms -> n=1

	jb.Start()
	before := len(clock.Sleeps)
	_, _ = jb.Stopped(intp(1), "fail") // no uptime -> n=2, delay 200ms
	require.Equal(t, 200*time.Millisecond, clock.Sleeps[before])

	jb.Start()
	clock.Advance(600 * time.Millisecond) // survive past timeout_ms
	before = len(clock.Sleeps)
	_, _ = jb.Stopped(intp(1), "fail") // counter resets -> delay back to base
	require.Equal(t, 100*time.Millisecond, clock.Sleeps[before])
}

// TestDriveExplicitCancelYieldsStopped asserts that an attempt which ends
// because its context was cancelled always settles on Stopped, even under
// a RestartAlways policy that would otherwise retry any non-zero exit.
func TestDriveExplicitCancelYieldsStopped(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	policy := job.RestartPolicy{
		Kind: job.RestartAlways,
		Backoff: job.Backoff{BaseMs: 50, MaxRetries: u32p(5)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	attempt := func(ctx context.Context) (int, error) {
		cancel()
		return 0, errors.New("signal: terminated")
	}
	status := Drive(ctx, clock, policy, nil, attempt)
	require.Equal(t, job.StateStopped, status.State)
}
