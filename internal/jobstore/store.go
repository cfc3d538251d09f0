// Package jobstore persists per-job configuration, status and progress to
// local disk, the way internal/artifact/index.go and internal/state/state.go
// persist Keystone's index and snapshot: write to a temp file in the same
// directory, fsync is left to the OS, then atomically rename over the target.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/blockjoy/babel/internal/job"
)

const (
	configFile   = "config.json"
	statusFile   = "status.json"
	progressFile = "progress.json"
)

// Store manages jobs/<name>/{config,status,progress}.json under root.
type Store struct {
	root string
	mu   sync.Map // name -> *sync.Mutex, serializes writers per job
}

// New returns a Store rooted at dir (typically <base>/jobs).
func New(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) jobDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) lockFor(name string) *sync.Mutex {
	v, _ := s.mu.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a torn write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// SaveConfig persists cfg, replacing any existing config for the same name.
// The store never deletes config.
func (s *Store) SaveConfig(cfg job.Config) error {
	l := s.lockFor(cfg.Name)
	l.Lock()
	defer l.Unlock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.jobDir(cfg.Name), configFile), data)
}

// LoadConfig reads the persisted config for name.
func (s *Store) LoadConfig(name string) (job.Config, error) {
	var cfg job.Config
	data, err := os.ReadFile(filepath.Join(s.jobDir(name), configFile))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("corrupt config for job %q: %w", name, err)
	}
	return cfg, nil
}

// SaveStatus persists st for name.
func (s *Store) SaveStatus(name string, st job.Status) error {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.jobDir(name), statusFile), data)
}

// LoadStatus reads the persisted status for name. A missing or corrupt file
// is reported as Pending, never as success — a partially written status must
// never be mistaken for a terminal outcome.
func (s *Store) LoadStatus(name string) job.Status {
	data, err := os.ReadFile(filepath.Join(s.jobDir(name), statusFile))
	if err != nil {
		return job.Status{State: job.StatePending}
	}
	var st job.Status
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn().Str("job", name).Err(err).Msg("corrupt status file, treating as pending")
		return job.Status{State: job.StatePending}
	}
	return st
}

// SaveProgress persists a user-visible progress record.
func (s *Store) SaveProgress(name string, p job.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.jobDir(name), progressFile), data)
}

// LoadProgress reads the progress record, if any.
func (s *Store) LoadProgress(name string) (job.Progress, bool) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(name), progressFile))
	if err != nil {
		return job.Progress{}, false
	}
	var p job.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return job.Progress{}, false
	}
	return p, true
}

// MarkStopped transitions name to Stopped on explicit removal request.
func (s *Store) MarkStopped(name string) error {
	return s.SaveStatus(name, job.Status{State: job.StateStopped})
}

// Names lists every job name with a persisted config.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Reconcile implements the supervisor crash-reconciliation invariant: for
// every persisted Running status whose PID is not alive, it rewrites status
// to Finished{exit_code=-1, message="lost"} and returns the set of names that
// were reconciled so the caller can re-apply restart policy. Grounded on
// 3leaps-gonimbus/pkg/jobregistry/store.go's isProcessAlive check.
func (s *Store) Reconcile() ([]string, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	var reconciled []string
	for _, name := range names {
		st := s.LoadStatus(name)
		if st.State != job.StateRunning {
			continue
		}
		if st.PID > 0 && isProcessAlive(st.PID) {
			continue
		}
		lost := job.Finished(-1, "lost")
		lost.Attempt = st.Attempt
		if err := s.SaveStatus(name, lost); err != nil {
			return reconciled, err
		}
		reconciled = append(reconciled, name)
	}
	return reconciled, nil
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs existence/permission checks without delivering a
	// signal; the standard Unix way to probe PID liveness.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
