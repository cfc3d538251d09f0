// Package job defines the canonical data model shared by the job state
// store, the restart controller, the supervisor and the plugin bridge.
package job

import "time"

// Kind identifies what a job actually does.
type Kind string

const (
	KindRunSh    Kind = "run_sh"
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// RestartKind tags the restart policy variant.
type RestartKind string

const (
	RestartNever      RestartKind = "never"
	RestartOnFailure  RestartKind = "on_failure"
	RestartAlways     RestartKind = "always"
)

// Backoff parameterises the exponential restart schedule.
//
// The n-th retry waits base_ms * 2^(n-1) ms. TimeoutMs is the minimum
// up-time a Running attempt must survive before the retry counter resets
// to 1; MaxRetries, if set, counts consecutive failures only.
type Backoff struct {
	BaseMs     uint64
	TimeoutMs  uint64
	MaxRetries *uint32
}

// RestartPolicy is the tagged variant Never | OnFailure(Backoff) | Always(Backoff).
type RestartPolicy struct {
	Kind    RestartKind
	Backoff Backoff
}

// State is the tag of JobStatus.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateStopped  State = "stopped"
)

// Status is the tagged variant Pending | Running{pid,started_at} |
// Finished{exit_code,message} | Stopped.
type Status struct {
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Message   string     `json:"message,omitempty"`

	// Attempt counts restart attempts for this run, reset by a fresh create_job.
	Attempt int `json:"attempt"`
}

// Finished builds a terminal Finished status.
func Finished(exitCode int, message string) Status {
	ec := exitCode
	return Status{State: StateFinished, ExitCode: &ec, Message: message}
}

// IsTerminal reports whether the status will not transition on its own.
func (s Status) IsTerminal() bool {
	return s.State == StateFinished || s.State == StateStopped
}

// Succeeded reports a clean Finished{exit_code=0}.
func (s Status) Succeeded() bool {
	return s.State == StateFinished && s.ExitCode != nil && *s.ExitCode == 0
}

// Progress is the optional user-visible progress record a job writes for itself.
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message,omitempty"`
}

// DownloadSpec configures an archive download job.
type DownloadSpec struct {
	MaxConnections int    `json:"max_connections,omitempty"`
	MaxRunners     int    `json:"max_runners,omitempty"`
	DataVersion    string `json:"data_version,omitempty"`
}

// UploadSpec configures an archive upload job.
type UploadSpec struct {
	Exclude         []string `json:"exclude,omitempty"`
	Compression     *int     `json:"compression,omitempty"` // zstd level, nil = the uploader's default level 3
	MaxConnections  int      `json:"max_connections,omitempty"`
	MaxRunners      int      `json:"max_runners,omitempty"`
	NumberOfChunks  int      `json:"number_of_chunks,omitempty"`
	URLExpiresSecs  int      `json:"url_expires_secs,omitempty"`
	DataVersion     string   `json:"data_version,omitempty"`
}

// Config is the full declared configuration of a job, as persisted in
// jobs/<name>/config.json.
type Config struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	ShellSh string `json:"run_sh,omitempty"`

	Download *DownloadSpec `json:"download,omitempty"`
	Upload   *UploadSpec   `json:"upload,omitempty"`

	Restart RestartPolicy `json:"restart"`

	ShutdownTimeoutSecs int    `json:"shutdown_timeout_secs,omitempty"`
	ShutdownSignal      string `json:"shutdown_signal,omitempty"`

	LogBufferCapacityMB int  `json:"log_buffer_capacity_mb,omitempty"`
	LogTimestamp        bool `json:"log_timestamp,omitempty"`

	RunAs          string   `json:"run_as,omitempty"`
	OneTime        bool     `json:"one_time,omitempty"`
	UseProtocolData bool    `json:"use_protocol_data,omitempty"`
	Needs          []string `json:"needs,omitempty"`
	WaitFor        []string `json:"wait_for,omitempty"`
}

// ApplyDefaults fills in the spec's documented defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ShutdownTimeoutSecs == 0 {
		c.ShutdownTimeoutSecs = 60
	}
	if c.ShutdownSignal == "" {
		c.ShutdownSignal = "SIGTERM"
	}
	if c.LogBufferCapacityMB == 0 {
		c.LogBufferCapacityMB = 128
	}
	if c.Download != nil {
		if c.Download.MaxConnections == 0 {
			c.Download.MaxConnections = 3
		}
		if c.Download.MaxRunners == 0 {
			c.Download.MaxRunners = 8
		}
	}
	if c.Upload != nil {
		if c.Upload.MaxConnections == 0 {
			c.Upload.MaxConnections = 3
		}
		if c.Upload.MaxRunners == 0 {
			c.Upload.MaxRunners = 8
		}
		if c.Upload.URLExpiresSecs == 0 {
			c.Upload.URLExpiresSecs = 900
		}
	}
}
