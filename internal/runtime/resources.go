//go:build linux

// Package runtime raises process resource limits the archive engine's
// worker pools need. Grounded on the teacher's internal/runtime/resources.go
// ApplyRlimits, generalized from a per-component NoFile knob into the
// archive engine's own budget, mirroring original_source's
// rlimit::increase_nofile_limit(MAX_OPENED_FILES) call ahead of a transfer.
package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MinOpenFiles is the floor EnsureOpenFileBudget raises RLIMIT_NOFILE to
// when a transfer's own budget estimate is smaller, so that a node with the
// default 1024 Linux soft limit doesn't starve when several small download
// or upload jobs run side by side.
const MinOpenFiles = 4096

// EnsureOpenFileBudget raises the process's RLIMIT_NOFILE soft limit to at
// least want (or MinOpenFiles, whichever is larger), capped at the hard
// limit. It is best-effort: a failure to raise the limit is returned to the
// caller to log, never to abort a transfer that might still fit under the
// current limit.
func EnsureOpenFileBudget(want uint64) error {
	if want < MinOpenFiles {
		want = MinOpenFiles
	}
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return fmt.Errorf("getrlimit NOFILE: %w", err)
	}
	if cur.Cur >= want {
		return nil
	}
	next := want
	if cur.Max > 0 && next > cur.Max {
		next = cur.Max
	}
	lim := unix.Rlimit{Cur: next, Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	return nil
}
