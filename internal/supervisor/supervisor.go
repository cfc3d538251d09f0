// Package supervisor implements the Job Supervisor (spec §4.4): the
// per-node owner of all jobs, enforcing needs/wait_for ordering and
// use_protocol_data locking, driving the Process Runner and Archive Engine
// through the Restart Controller, and checkpointing state to the Job State
// Store. Grounded on internal/supervisor/supervisor.go's
// Component/Graph/TopoLayers DAG shape, generalized from "start components
// in layers" to "schedule jobs event-drivenly as their individual
// predecessors complete" per spec §4.4's scheduling model (the layered
// graph walk survives as depGraph/acyclic in graph.go, used only to reject
// cyclic dependency sets up front).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockjoy/babel/internal/archive"
	"github.com/blockjoy/babel/internal/job"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/metrics"
	"github.com/blockjoy/babel/internal/procrunner"
	"github.com/blockjoy/babel/internal/restart"
)

// ErrNameInUse is returned by CreateJob when a job of the same name is
// currently Running.
var ErrNameInUse = errors.New("job name in use")

// ErrUnknownDependency is returned when a needs/wait_for entry, or the
// target of StopJob/StartJob itself, names a job that has never been
// created.
var ErrUnknownDependency = errors.New("unknown dependency")

type entry struct {
	mu     sync.Mutex
	cfg    job.Config
	status job.Status
	cancel context.CancelFunc
	done   chan struct{}
	handle *procrunner.Handle // set only while a run_sh attempt's child is live
}

// Supervisor owns every job on one node.
type Supervisor struct {
	mu   sync.Mutex
	jobs map[string]*entry

	store      *jobstore.Store
	procRunner *procrunner.Runner
	downloader *archive.Downloader
	uploader   *archive.Uploader
	clock      restart.Clock

	protocolDataDir  string
	protocolDataLock string
}

// New builds a Supervisor rooted at dataDir (the node's protocol-data tree)
// persisting job state under store.
func New(store *jobstore.Store, downloader *archive.Downloader, uploader *archive.Uploader, dataDir string) *Supervisor {
	return &Supervisor{
		jobs:             map[string]*entry{},
		store:            store,
		procRunner:       procrunner.New(),
		downloader:       downloader,
		uploader:         uploader,
		clock:            restart.RealClock{},
		protocolDataDir:  dataDir,
		protocolDataLock: filepath.Join(dataDir, ".protocol_data.lock"),
	}
}

// CreateJob persists cfg in Pending state. Duplicate names replace the
// previous definition unless it is currently Running.
func (s *Supervisor) CreateJob(cfg job.Config) error {
	cfg.ApplyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.jobs[cfg.Name]; ok {
		e.mu.Lock()
		running := e.status.State == job.StateRunning
		e.mu.Unlock()
		if running {
			return fmt.Errorf("%w: %s", ErrNameInUse, cfg.Name)
		}
	}

	// A one-time job that previously reached a successful terminal outcome
	// stays there across re-declaration, per spec: "one-time jobs with a
	// successful terminal outcome are never rerun, even across supervisor
	// restarts." The plugin re-declares every job on each node restart, so
	// this is the point where that persisted outcome would otherwise be
	// silently overwritten back to Pending.
	status := job.Status{State: job.StatePending}
	if cfg.OneTime {
		if prior := s.store.LoadStatus(cfg.Name); prior.Succeeded() {
			status = prior
		}
	}

	done := make(chan struct{})
	if status.IsTerminal() {
		close(done)
	}
	e := &entry{cfg: cfg, status: status, done: done}
	s.jobs[cfg.Name] = e
	if err := s.store.SaveConfig(cfg); err != nil {
		return fmt.Errorf("persist job config: %w", err)
	}
	metrics.ObserveJobState(cfg.Name, string(status.State))
	return s.store.SaveStatus(cfg.Name, status)
}

// StartJob schedules name to run once its needs are Finished{0} and its
// wait_for are in any terminal state. If cfg is non-nil this is equivalent
// to CreateJob(*cfg) followed by StartJob(name, nil).
func (s *Supervisor) StartJob(ctx context.Context, name string, cfg *job.Config) error {
	if cfg != nil {
		if err := s.CreateJob(*cfg); err != nil {
			return err
		}
	}

	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s not created", ErrUnknownDependency, name)
	}

	e.mu.Lock()
	alreadySucceeded := e.cfg.OneTime && e.status.Succeeded()
	e.mu.Unlock()
	if alreadySucceeded {
		s.mu.Unlock()
		log.Info().Str("job", name).Msg("one-time job already succeeded, not rerunning")
		return nil
	}

	preds := append(append([]string{}, e.cfg.Needs...), e.cfg.WaitFor...)
	waitChans := make([]chan struct{}, 0, len(preds))
	for _, p := range preds {
		pe, ok := s.jobs[p]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownDependency, p)
		}
		waitChans = append(waitChans, pe.done)
	}
	if !s.acyclicLocked() {
		s.mu.Unlock()
		return fmt.Errorf("%w: starting %s", ErrCycle, name)
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	// An open done channel is kept, since dependents started earlier may
	// already be waiting on it; only one a previous run closed is replaced.
	select {
	case <-e.done:
		e.done = make(chan struct{})
	default:
	}
	e.mu.Unlock()
	s.mu.Unlock()

	go s.runJob(jobCtx, name, e, waitChans)
	return nil
}

// runJob waits for predecessors, applies needs-failure propagation, then
// drives the job to a terminal state via the Restart Controller.
func (s *Supervisor) runJob(ctx context.Context, name string, e *entry, waitChans []chan struct{}) {
	for _, ch := range waitChans {
		select {
		case <-ch:
		case <-ctx.Done():
			s.finalize(name, e, job.Status{State: job.StateStopped})
			return
		}
	}

	e.mu.Lock()
	needs := e.cfg.Needs
	e.mu.Unlock()
	for _, p := range needs {
		s.mu.Lock()
		pe := s.jobs[p]
		s.mu.Unlock()
		pe.mu.Lock()
		failed := !pe.status.Succeeded()
		pe.mu.Unlock()
		if failed {
			s.finalize(name, e, job.Finished(-1, "dependency failed"))
			return
		}
	}

	e.mu.Lock()
	cfg := e.cfg
	e.status = job.Status{State: job.StateRunning, StartedAt: timePtr(s.clock.Now())}
	e.mu.Unlock()
	metrics.ObserveJobState(name, string(job.StateRunning))
	if err := s.store.SaveStatus(name, e.status); err != nil {
		log.Warn().Err(err).Str("job", name).Msg("could not persist running status")
	}

	// The download/cold-init pathway creates the lock itself, after checking
	// it, inside downloadAttempt — creating it here first would make every
	// download job short-circuit against a lock it just created, never
	// populating protocol data on a fresh node.
	if cfg.UseProtocolData && cfg.Kind != job.KindDownload {
		if err := s.ensureProtocolDataLock(); err != nil {
			log.Error().Err(err).Str("job", name).Msg("could not create protocol-data lock")
		}
	}

	onRetry := func(attempt int) {
		log.Info().Str("job", name).Int("attempt", attempt).Msg("restarting job")
		metrics.IncRestarts(name)
		metrics.ObserveJobState(name, string(job.StateRunning))
		e.mu.Lock()
		e.status.Attempt = attempt
		e.mu.Unlock()
	}
	attempt := s.attemptFor(name, cfg, e)
	final := restart.Drive(ctx, s.clock, cfg.Restart, onRetry, attempt)
	s.finalize(name, e, final)
}

func (s *Supervisor) finalize(name string, e *entry, status job.Status) {
	e.mu.Lock()
	status.Attempt = e.status.Attempt
	e.status = status
	done := e.done
	e.mu.Unlock()
	metrics.ObserveJobState(name, string(status.State))
	if status.ExitCode != nil {
		metrics.SetLastExitCode(name, *status.ExitCode)
	}
	if err := s.store.SaveStatus(name, status); err != nil {
		log.Warn().Err(err).Str("job", name).Msg("could not persist final status")
	}
	close(done)
}

// attemptFor builds the restart.Attempt closure for one job, dispatching on
// kind.
func (s *Supervisor) attemptFor(name string, cfg job.Config, e *entry) restart.Attempt {
	switch cfg.Kind {
	case job.KindRunSh:
		return func(ctx context.Context) (int, error) { return s.runShAttempt(ctx, name, cfg, e) }
	case job.KindDownload:
		return func(ctx context.Context) (int, error) { return s.downloadAttempt(ctx, name, cfg) }
	case job.KindUpload:
		return func(ctx context.Context) (int, error) { return s.uploadAttempt(ctx, name, cfg) }
	default:
		return func(ctx context.Context) (int, error) {
			return -1, fmt.Errorf("unknown job kind %q", cfg.Kind)
		}
	}
}

func (s *Supervisor) runShAttempt(ctx context.Context, name string, cfg job.Config, e *entry) (int, error) {
	sig, err := procrunner.ResolveSignal(cfg.ShutdownSignal)
	if err != nil {
		return -1, err
	}
	handle, err := s.procRunner.Start(ctx, procrunner.Options{
		Name:                name,
		ShellBody:           cfg.ShellSh,
		RunAs:               cfg.RunAs,
		LogBufferCapacityMB: cfg.LogBufferCapacityMB,
		LogTimestamp:        cfg.LogTimestamp,
	})
	if err != nil {
		return -1, err
	}
	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.handle = nil
		e.mu.Unlock()
	}()

	resultCh := make(chan procrunner.Result, 1)
	go func() { resultCh <- s.procRunner.Wait(handle) }()
	go metrics.SampleProcessMetrics(ctx, name, handle.PID)

	select {
	case res := <-resultCh:
		return res.ExitCode, nil
	case <-ctx.Done():
		timeout := time.Duration(cfg.ShutdownTimeoutSecs) * time.Second
		if err := s.procRunner.Stop(context.Background(), handle, sig, timeout); err != nil {
			log.Warn().Err(err).Str("job", name).Msg("job unresponsive on shutdown")
		}
		res := <-resultCh
		return res.ExitCode, ctx.Err()
	}
}

func (s *Supervisor) downloadAttempt(ctx context.Context, name string, cfg job.Config) (int, error) {
	// Check before creation: the lock's mere existence, not this job's own
	// use_protocol_data flag, is what makes the built-in download flow a
	// no-op (spec §4.4/§8).
	if s.protocolDataLockExists() {
		return 0, nil
	}
	if cfg.UseProtocolData {
		if err := s.ensureProtocolDataLock(); err != nil {
			log.Error().Err(err).Str("job", name).Msg("could not create protocol-data lock")
		}
	}
	spec := cfg.Download
	if spec == nil {
		spec = &job.DownloadSpec{}
	}
	archiveCfg := archive.Config{MaxConnections: spec.MaxConnections, MaxRunners: spec.MaxRunners}
	progressPath := filepath.Join(s.protocolDataDir, name+".download.progress")
	_, err := s.downloader.Download(ctx, name, spec.DataVersion, s.protocolDataDir, progressPath, archiveCfg)
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (s *Supervisor) uploadAttempt(ctx context.Context, name string, cfg job.Config) (int, error) {
	spec := cfg.Upload
	if spec == nil {
		spec = &job.UploadSpec{}
	}
	level := 0
	if spec.Compression != nil {
		level = *spec.Compression
	}
	archiveCfg := archive.Config{
		MaxConnections: spec.MaxConnections,
		MaxRunners:     spec.MaxRunners,
		CompressLevel:  level,
		Exclude:        spec.Exclude,
		NumberOfChunks: spec.NumberOfChunks,
		URLExpiresSecs: spec.URLExpiresSecs,
	}
	progressPath := filepath.Join(s.protocolDataDir, name+".upload.progress")
	_, err := s.uploader.Upload(ctx, name, spec.DataVersion, s.protocolDataDir, progressPath, archiveCfg)
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// StopJob is idempotent: it signals a Running job to shut down and lets the
// Restart Controller settle it into Stopped. Non-running jobs are a no-op.
func (s *Supervisor) StopJob(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %s not created", ErrUnknownDependency, name)
	}

	e.mu.Lock()
	running := e.status.State == job.StateRunning
	cancel := e.cancel
	e.mu.Unlock()
	if !running || cancel == nil {
		return nil
	}
	cancel()
	return nil
}

// JobStatus returns the current status of name.
func (s *Supervisor) JobStatus(name string) (job.Status, bool) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return job.Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// ListJobs returns every known job name.
func (s *Supervisor) ListJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

// acyclicLocked validates that the needs+wait_for union over every known job
// (s.mu must already be held) contains no cycle. Called from StartJob, the
// one point where a new edge set becomes live.
func (s *Supervisor) acyclicLocked() bool {
	deps := make(map[string][]string, len(s.jobs))
	for name, e := range s.jobs {
		e.mu.Lock()
		deps[name] = append(append([]string{}, e.cfg.Needs...), e.cfg.WaitFor...)
		e.mu.Unlock()
	}
	return buildDepGraph(deps).acyclic()
}

// JobLogs returns the last tailN buffered log lines for a currently running
// job (tailN<=0 returns everything buffered). Jobs with no live child (not
// yet started, or already exited) report ok=false.
func (s *Supervisor) JobLogs(name string, tailN int) ([]string, bool) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return nil, false
	}
	return e.handle.Log.Tail(tailN), true
}

func (s *Supervisor) ensureProtocolDataLock() error {
	if s.protocolDataLockExists() {
		return nil
	}
	if err := os.MkdirAll(s.protocolDataDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.protocolDataLock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

func (s *Supervisor) protocolDataLockExists() bool {
	_, err := os.Stat(s.protocolDataLock)
	return err == nil
}

// Reconcile runs at supervisor startup: every job whose persisted status is
// Running but whose PID is dead is marked Finished{-1,"lost"} by the job
// store and registered here with that terminal status. The job's restart
// policy is not applied: the job runs again only when StartJob is called
// for it.
func (s *Supervisor) Reconcile() error {
	names, err := s.store.Reconcile()
	if err != nil {
		return err
	}
	for _, name := range names {
		cfg, err := s.store.LoadConfig(name)
		if err != nil {
			log.Warn().Err(err).Str("job", name).Msg("could not reload config during reconciliation")
			continue
		}
		status := s.store.LoadStatus(name)
		s.mu.Lock()
		s.jobs[name] = &entry{cfg: cfg, status: status, done: closedChan()}
		s.mu.Unlock()
		log.Info().Str("job", name).Msg("reconciled crashed job")
	}
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func timePtr(t time.Time) *time.Time { return &t }
