// Package bridge implements the Plugin Runtime Bridge (spec §4.7): the set
// of host functions a protocol plugin calls to declare jobs and interact
// with its node, and the strict schema those declarations are checked
// against. Grounded on internal/validate/validate.go for schema compilation
// and internal/agent/agent.go for the host-function-shaped API surface
// (translated from Keystone's recipe/plan vocabulary to babel's job-config
// vocabulary).
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blockjoy/babel/internal/config"
	"github.com/blockjoy/babel/internal/job"
	"github.com/blockjoy/babel/internal/secret"
	"github.com/blockjoy/babel/internal/supervisor"
)

// SchemaError wraps a job-config validation failure, spec §4.7's
// "unknown keys are rejected with SchemaError (strict...)".
type SchemaError struct{ err error }

func (e *SchemaError) Error() string { return fmt.Sprintf("schema error: %v", e.err) }
func (e *SchemaError) Unwrap() error { return e.err }

// schema is compiled once; configSchema is a pure literal so compilation
// cannot fail at runtime, matching the teacher's ValidateJSON/AddResource
// shape but compiling eagerly instead of per call.
var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://job-config.json", strings.NewReader(configSchema)); err != nil {
		panic(err)
	}
	sch, err := c.Compile("mem://job-config.json")
	if err != nil {
		panic(err)
	}
	return sch
}

// NodeEnv is the read-only introspection node_env() returns.
type NodeEnv struct {
	NodeName         string `json:"node_name"`
	NodeVariant      string `json:"node_variant"`
	ProtocolDataPath string `json:"protocol_data_path"`
}

// Bridge wires the host functions to their concrete collaborators: the Job
// Supervisor for job declarations, the secret store for get/put_secret, the
// node's protocol-data tree for file_read/file_write, and an HTTP client for
// run_jrpc/run_rest.
type Bridge struct {
	sup     *supervisor.Supervisor
	secrets *secret.Store
	node    config.NodeConfig
	params  map[string]any

	httpClient *retryablehttp.Client

	pluginDataMu sync.Mutex
}

// New builds a Bridge. nodeParams is the read-only mapping node_params()
// returns, supplied by the node lifecycle manager (an external collaborator
// per spec §1, out of scope here).
func New(sup *supervisor.Supervisor, secrets *secret.Store, node config.NodeConfig, nodeParams map[string]any) *Bridge {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 2
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = 1 * time.Second
	hc.Logger = nil
	return &Bridge{sup: sup, secrets: secrets, node: node, params: nodeParams, httpClient: hc}
}

// validate checks m against the §4.7 job-config schema, wrapping any
// failure as *SchemaError.
func validate(m map[string]any) error {
	if err := schema.Validate(m); err != nil {
		return &SchemaError{err: err}
	}
	return nil
}

// decodeConfig validates m and converts it into a job.Config, filling name.
func decodeConfig(name string, m map[string]any) (job.Config, error) {
	if err := validate(m); err != nil {
		return job.Config{}, err
	}
	cfg := job.Config{Name: name}

	jt, _ := m["job_type"].(map[string]any)
	switch {
	case jt["run_sh"] != nil:
		cfg.Kind = job.KindRunSh
		cfg.ShellSh, _ = jt["run_sh"].(string)
	case jt["download"] != nil:
		cfg.Kind = job.KindDownload
		cfg.Download = &job.DownloadSpec{}
		if d, ok := jt["download"].(map[string]any); ok {
			cfg.Download.MaxConnections = intField(d, "max_connections")
			cfg.Download.MaxRunners = intField(d, "max_runners")
			cfg.Download.DataVersion, _ = d["data_version"].(string)
		}
	case jt["upload"] != nil:
		cfg.Kind = job.KindUpload
		cfg.Upload = &job.UploadSpec{}
		if u, ok := jt["upload"].(map[string]any); ok {
			cfg.Upload.Exclude = stringSliceField(u, "exclude")
			if lvl := intField(u, "compression"); lvl > 0 {
				cfg.Upload.Compression = &lvl
			}
			cfg.Upload.MaxConnections = intField(u, "max_connections")
			cfg.Upload.MaxRunners = intField(u, "max_runners")
			cfg.Upload.NumberOfChunks = intField(u, "number_of_chunks")
			cfg.Upload.URLExpiresSecs = intField(u, "url_expires_secs")
			cfg.Upload.DataVersion, _ = u["data_version"].(string)
		}
	default:
		return job.Config{}, &SchemaError{err: fmt.Errorf("job_type has no recognised variant")}
	}

	switch r := m["restart"].(type) {
	case string:
		cfg.Restart = job.RestartPolicy{Kind: job.RestartNever}
	case map[string]any:
		if b, ok := r["on_failure"].(map[string]any); ok {
			cfg.Restart = job.RestartPolicy{Kind: job.RestartOnFailure, Backoff: decodeBackoff(b)}
		} else if b, ok := r["always"].(map[string]any); ok {
			cfg.Restart = job.RestartPolicy{Kind: job.RestartAlways, Backoff: decodeBackoff(b)}
		}
	default:
		cfg.Restart = job.RestartPolicy{Kind: job.RestartNever}
	}

	cfg.ShutdownTimeoutSecs = intField(m, "shutdown_timeout_secs")
	cfg.ShutdownSignal, _ = m["shutdown_signal"].(string)
	cfg.Needs = stringSliceField(m, "needs")
	cfg.WaitFor = stringSliceField(m, "wait_for")
	cfg.RunAs, _ = m["run_as"].(string)
	cfg.LogBufferCapacityMB = intField(m, "log_buffer_capacity_mb")
	cfg.LogTimestamp, _ = m["log_timestamp"].(bool)
	cfg.OneTime, _ = m["one_time"].(bool)
	cfg.UseProtocolData, _ = m["use_protocol_data"].(bool)

	cfg.ApplyDefaults()
	return cfg, nil
}

func decodeBackoff(m map[string]any) job.Backoff {
	b := job.Backoff{BaseMs: uint64(intField(m, "backoff_base_ms"))}
	b.TimeoutMs = uint64(intField(m, "backoff_timeout_ms"))
	if v, ok := m["max_retries"]; ok {
		n := uint32(toInt(v))
		b.MaxRetries = &n
	}
	return b
}

func intField(m map[string]any, key string) int {
	return toInt(m[key])
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// CreateJob registers name without starting it.
func (b *Bridge) CreateJob(name string, configMap map[string]any) error {
	cfg, err := decodeConfig(name, configMap)
	if err != nil {
		return err
	}
	return b.sup.CreateJob(cfg)
}

// StartJob starts name, optionally declaring it first if configMap is non-nil.
func (b *Bridge) StartJob(ctx context.Context, name string, configMap map[string]any) error {
	if configMap == nil {
		return b.sup.StartJob(ctx, name, nil)
	}
	cfg, err := decodeConfig(name, configMap)
	if err != nil {
		return err
	}
	return b.sup.StartJob(ctx, name, &cfg)
}

// StopJob stops a running job.
func (b *Bridge) StopJob(name string) error { return b.sup.StopJob(name) }

// JobStatus reports a job's current status.
func (b *Bridge) JobStatus(name string) (job.Status, bool) { return b.sup.JobStatus(name) }

// ListJobs lists every known job name.
func (b *Bridge) ListJobs() []string { return b.sup.ListJobs() }

// JobLogs returns a job's recently buffered log lines, for stream_logs.
func (b *Bridge) JobLogs(name string, tailN int) ([]string, bool) { return b.sup.JobLogs(name, tailN) }

// RunShResult is the synchronous result of the run_sh(body) host function,
// distinct from a declared run_sh job: this is a blocking one-shot command.
type RunShResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ErrCommandFailed is returned by RunSh on every non-zero exit, together
// with the filled-in RunShResult; RunSh has no call form that suppresses it.
var ErrCommandFailed = fmt.Errorf("command_failed")

const runShOutputCap = 64 * 1024

// RunSh runs body synchronously via /bin/sh -c, capturing stdout/stderr up
// to a fixed cap, and returns ErrCommandFailed on non-zero exit alongside
// the structured result so callers can inspect it either way.
func (b *Bridge) RunSh(ctx context.Context, body string) (RunShResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", body)
	var stdout, stderr capBuffer
	stdout.cap = runShOutputCap
	stderr.cap = runShOutputCap
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunShResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			return res, err
		}
	}
	if res.ExitCode != 0 {
		return res, ErrCommandFailed
	}
	return res, nil
}

// HTTPResult is the {status_code, body} pair run_jrpc/run_rest return.
type HTTPResult struct {
	StatusCode int
	Body       []byte
}

// jrpcEnvelope is the JSON-RPC 2.0 request body run_jrpc constructs.
type jrpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RunJRPC POSTs a JSON-RPC 2.0 request to host, spec §4.7's
// run_jrpc({host, method, params, headers}) -> {status_code, body}.
func (b *Bridge) RunJRPC(ctx context.Context, host, method string, params any, headers map[string]string) (HTTPResult, error) {
	body, err := json.Marshal(jrpcEnvelope{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return HTTPResult{}, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", host, body)
	if err != nil {
		return HTTPResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return HTTPResult{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResult{}, err
	}
	return HTTPResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// RunREST issues a GET against url, spec §4.7's run_rest({url, headers}) ->
// {status_code, body}.
func (b *Bridge) RunREST(ctx context.Context, url string, headers map[string]string) (HTTPResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return HTTPResult{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return HTTPResult{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResult{}, err
	}
	return HTTPResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// ParseJSON decodes s into a generic Go value (map/slice/scalar).
func (b *Bridge) ParseJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseHex decodes a hex string into raw bytes.
func (b *Bridge) ParseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// sanitizeAllowed matches spec §4.7's whitelist: alphanumerics plus
// url/JSON-safe punctuation.
func sanitizeAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("-_./:@,+=\"'{}[]", r):
		return true
	default:
		return false
	}
}

// SanitizeShParam strips any character outside the §4.7 whitelist, so a
// plugin-constructed value is safe to interpolate into a shell command.
func (b *Bridge) SanitizeShParam(s string) string {
	return strings.Map(func(r rune) rune {
		if sanitizeAllowed(r) {
			return r
		}
		return -1
	}, s)
}

// GetSecret returns the value stored under key, secret.ErrNotFound if absent.
func (b *Bridge) GetSecret(key string) ([]byte, error) { return b.secrets.Get(key) }

// PutSecret stores value under key.
func (b *Bridge) PutSecret(key string, value []byte) error { return b.secrets.Put(key, value) }

// FileRead reads a file scoped to the node's protocol-data tree.
func (b *Bridge) FileRead(path string) ([]byte, error) {
	full, err := b.scopedPath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// FileWrite writes a file scoped to the node's protocol-data tree,
// replacing it atomically.
func (b *Bridge) FileWrite(path string, data []byte) error {
	full, err := b.scopedPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), filepath.Base(full)+".tmp.*")
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
	return os.Rename(tmpName, full)
}

func (b *Bridge) scopedPath(path string) (string, error) {
	full := filepath.Join(b.node.ProtocolDataDir, path)
	rel, err := filepath.Rel(b.node.ProtocolDataDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes protocol-data root", path)
	}
	return full, nil
}

// NodeParams returns the read-only node parameter mapping supplied at
// construction by the node lifecycle manager.
func (b *Bridge) NodeParams() map[string]any { return b.params }

// NodeEnv returns this node's identity and paths.
func (b *Bridge) NodeEnv() NodeEnv {
	return NodeEnv{
		NodeName:         b.node.NodeName,
		NodeVariant:      b.node.NodeVariant,
		ProtocolDataPath: b.node.ProtocolDataDir,
	}
}

const pluginDataFile = "data.json"

// SaveData persists an opaque plugin-scoped value, replacing any previous one.
func (b *Bridge) SaveData(value []byte) error {
	b.pluginDataMu.Lock()
	defer b.pluginDataMu.Unlock()
	dir := b.node.PluginDataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, pluginDataFile)
	tmp, err := os.CreateTemp(dir, pluginDataFile+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadData reads back the value SaveData last persisted, ok=false if none.
func (b *Bridge) LoadData() (value []byte, ok bool, err error) {
	path := filepath.Join(b.node.PluginDataDir(), pluginDataFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// capBuffer is a bounded byte buffer: once full, further writes are
// silently dropped (the command still runs to completion; only the
// captured tail reported to the plugin is capped), mirroring
// procrunner.RingBuffer's bounded-capture rationale applied to a one-shot
// synchronous command instead of a long-lived streamed log.
type capBuffer struct {
	buf []byte
	cap int
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if len(c.buf) < c.cap {
		room := c.cap - len(c.buf)
		if room > len(p) {
			room = len(p)
		}
		c.buf = append(c.buf, p[:room]...)
	}
	return len(p), nil
}

func (c *capBuffer) String() string { return string(c.buf) }
