// Package restart implements the Restart Controller (spec §4.3): a state
// machine that turns a restart policy plus an observed exit outcome into
// either "start again after D ms" or a terminal job.Status. Grounded on
// original_source/babel/src/job_runner.rs's JobBackoff::stopped, translated
// from the async Rust task model into a blocking attempt-function loop.
package restart

import (
	"context"
	"time"

	"github.com/blockjoy/babel/internal/job"
)

// JobBackoff owns the backoff schedule for one job run, derived from its
// RestartPolicy. Never carries no backoff; OnFailure retries only on
// failure; Always retries even when the attempt exits 0, so it settles only
// once max_retries is spent (never, if max_retries is unset), with the last
// attempt's exit code.
type JobBackoff struct {
	backoff       *Backoff
	maxRetries    *uint32
	restartAlways bool
}

// NewJobBackoff builds the controller for policy using clock for timing.
func NewJobBackoff(clock Clock, policy job.RestartPolicy) *JobBackoff {
	switch policy.Kind {
	case job.RestartNever:
		return &JobBackoff{}
	case job.RestartAlways:
		return &JobBackoff{
			backoff:       NewBackoff(clock, policy.Backoff.BaseMs, time.Duration(policy.Backoff.TimeoutMs)*time.Millisecond),
			maxRetries:    policy.Backoff.MaxRetries,
			restartAlways: true,
		}
	case job.RestartOnFailure:
		return &JobBackoff{
			backoff:    NewBackoff(clock, policy.Backoff.BaseMs, time.Duration(policy.Backoff.TimeoutMs)*time.Millisecond),
			maxRetries: policy.Backoff.MaxRetries,
		}
	default:
		return &JobBackoff{}
	}
}

// Start marks the beginning of a new attempt's up-time window.
func (j *JobBackoff) Start() {
	if j.backoff != nil {
		j.backoff.Start()
	}
}

// Stopped decides what happens after an attempt exited with exitCode
// (nil means the attempt never produced an exit code, e.g. spawn failure)
// and message. It returns (retry=true, zero Status) when the caller should
// start another attempt after the schedule's delay, or (false, status) with
// the terminal job.Status otherwise. Mirrors JobBackoff::stopped exactly:
// restart_always, or any non-zero exit, drives the backoff path; a clean
// exit under OnFailure/Never is always terminal-success.
func (j *JobBackoff) Stopped(exitCode *int, message string) (retry bool, status job.Status) {
	failed := j.restartAlways || exitCodeOrMinusOne(exitCode) != 0
	if !failed {
		return false, buildFinished(exitCode, "")
	}
	if j.backoff == nil {
		return false, buildFinished(exitCode, message)
	}
	if j.maxRetries != nil {
		if j.backoff.WaitWithLimit(*j.maxRetries) == LimitExceeded {
			return false, buildFinished(exitCode, message)
		}
		return true, job.Status{}
	}
	j.backoff.Wait()
	return true, job.Status{}
}

func exitCodeOrMinusOne(exitCode *int) int {
	if exitCode == nil {
		return -1
	}
	return *exitCode
}

func buildFinished(exitCode *int, message string) job.Status {
	st := job.Status{State: job.StateFinished, Message: message}
	if exitCode != nil {
		ec := *exitCode
		st.ExitCode = &ec
	}
	return st
}

// Attempt is one run of a job's underlying work (a shell command, a
// download, an upload). It returns the observed exit code (0 for success,
// -1 convention for internal/Go errors without a process exit code) and an
// error, mirroring the Ok(())/Err(err) arms of try_run_job.
type Attempt func(ctx context.Context) (exitCode int, err error)

// Drive runs attempt in a loop, applying policy via JobBackoff, until the
// attempt reaches a terminal outcome or ctx is cancelled (which yields a
// Stopped status). This is the common body shared by original_source's
// ArchiveJobRunner::try_run_job and UploadJob::try_run_job: both are "loop a
// runner, hand the outcome to JobBackoff.stopped".
func Drive(ctx context.Context, clock Clock, policy job.RestartPolicy, onRetry func(attempt int), attempt Attempt) job.Status {
	jb := NewJobBackoff(clock, policy)
	n := 0
	for {
		select {
		case <-ctx.Done():
			return job.Status{State: job.StateStopped}
		default:
		}
		jb.Start()
		n++
		exitCode, err := attempt(ctx)
		if ctx.Err() != nil {
			// The attempt ended because of an explicit stop, not a success
			// or failure the restart policy should weigh in on: always
			// settle on Stopped regardless of policy.
			return job.Status{State: job.StateStopped}
		}
		var ec *int
		var msg string
		if err != nil {
			code := exitCode
			if code == 0 {
				code = -1
			}
			ec = &code
			msg = err.Error()
		} else {
			code := exitCode
			ec = &code
		}
		retry, status := jb.Stopped(ec, msg)
		if !retry {
			return status
		}
		if onRetry != nil {
			onRetry(n)
		}
	}
}
