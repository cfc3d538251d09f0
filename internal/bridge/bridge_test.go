package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockjoy/babel/internal/config"
	"github.com/blockjoy/babel/internal/job"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/secret"
	"github.com/blockjoy/babel/internal/supervisor"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	store := jobstore.New(t.TempDir())
	sup := supervisor.New(store, nil, nil, t.TempDir())
	sec := secret.New(t.TempDir())
	node := config.NodeConfig{BaseDir: t.TempDir(), ProtocolDataDir: t.TempDir()}
	return New(sup, sec, node, map[string]any{"chain": "testnet"})
}

func TestDecodeConfigRunSh(t *testing.T) {
	cfg, err := decodeConfig("svc", map[string]any{
		"job_type": map[string]any{"run_sh": "echo hi"},
		"restart":  "never",
	})
	require.NoError(t, err)
	require.Equal(t, job.KindRunSh, cfg.Kind)
	require.Equal(t, "echo hi", cfg.ShellSh)
	require.Equal(t, job.RestartNever, cfg.Restart.Kind)
	require.Equal(t, 60, cfg.ShutdownTimeoutSecs)
}

func TestDecodeConfigOnFailureBackoff(t *testing.T) {
	cfg, err := decodeConfig("svc", map[string]any{
		"job_type": map[string]any{"run_sh": "true"},
		"restart": map[string]any{
			"on_failure": map[string]any{"backoff_base_ms": float64(500), "max_retries": float64(3)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, job.RestartOnFailure, cfg.Restart.Kind)
	require.Equal(t, uint64(500), cfg.Restart.Backoff.BaseMs)
	require.NotNil(t, cfg.Restart.Backoff.MaxRetries)
	require.Equal(t, uint32(3), *cfg.Restart.Backoff.MaxRetries)
}

func TestDecodeConfigDownload(t *testing.T) {
	cfg, err := decodeConfig("sync", map[string]any{
		"job_type": map[string]any{"download": map[string]any{"max_runners": float64(4)}},
	})
	require.NoError(t, err)
	require.Equal(t, job.KindDownload, cfg.Kind)
	require.NotNil(t, cfg.Download)
	require.Equal(t, 4, cfg.Download.MaxRunners)
	require.Equal(t, 3, cfg.Download.MaxConnections)
}

func TestDecodeConfigDownloadDataVersion(t *testing.T) {
	cfg, err := decodeConfig("sync", map[string]any{
		"job_type": map[string]any{"download": map[string]any{"data_version": "v3"}},
	})
	require.NoError(t, err)
	require.Equal(t, "v3", cfg.Download.DataVersion)
}

func TestDecodeConfigRejectsUnknownKey(t *testing.T) {
	_, err := decodeConfig("svc", map[string]any{
		"job_type": map[string]any{"run_sh": "true"},
		"bogus":    "nope",
	})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestDecodeConfigRejectsMultipleJobTypeVariants(t *testing.T) {
	_, err := decodeConfig("svc", map[string]any{
		"job_type": map[string]any{"run_sh": "true", "upload": map[string]any{}},
	})
	require.Error(t, err)
}

func TestCreateAndStartJobThroughBridge(t *testing.T) {
	b := newTestBridge(t)
	cfgMap := map[string]any{
		"job_type": map[string]any{"run_sh": "true"},
		"restart":  "never",
	}
	require.NoError(t, b.CreateJob("svc", cfgMap))
	require.NoError(t, b.StartJob(context.Background(), "svc", nil))

	_, ok := b.JobStatus("svc")
	require.True(t, ok)
	require.Contains(t, b.ListJobs(), "svc")
}

func TestRunShCapturesOutputAndExitCode(t *testing.T) {
	b := newTestBridge(t)
	res, err := b.RunSh(context.Background(), "echo hello")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello")
}

func TestRunShNonZeroExit(t *testing.T) {
	b := newTestBridge(t)
	res, err := b.RunSh(context.Background(), "exit 7")
	require.True(t, errors.Is(err, ErrCommandFailed))
	require.Equal(t, 7, res.ExitCode)
}

func TestParseJSONAndHex(t *testing.T) {
	b := newTestBridge(t)
	v, err := b.ParseJSON(`{"a":1}`)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), m["a"])

	raw, err := b.ParseHex("0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)
}

func TestSanitizeShParamStripsDisallowed(t *testing.T) {
	b := newTestBridge(t)
	require.Equal(t, "abc123-_.rm-rf", b.SanitizeShParam("abc123-_.`$(rm -rf)"))
}

func TestSecretRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.PutSecret("api-key", []byte("topsecret")))
	got, err := b.GetSecret("api-key")
	require.NoError(t, err)
	require.Equal(t, []byte("topsecret"), got)
}

func TestFileReadWriteScopedToProtocolData(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.FileWrite("state/foo.txt", []byte("bar")))
	data, err := b.FileRead("state/foo.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), data)

	_, err = b.FileRead("../escape.txt")
	require.Error(t, err)
}

func TestSaveLoadDataRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	_, ok, err := b.LoadData()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.SaveData([]byte(`{"height":100}`)))
	data, ok, err := b.LoadData()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"height":100}`), data)
}

func TestRunRESTReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"height":42}`))
	}))
	defer srv.Close()

	b := newTestBridge(t)
	res, err := b.RunREST(context.Background(), srv.URL, map[string]string{"Authorization": "tok"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"height":42}`, string(res.Body))
}

func TestRunJRPCSendsEnvelopeAndReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "2.0", req["jsonrpc"])
		require.Equal(t, "get_height", req["method"])
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":100}`))
	}))
	defer srv.Close()

	b := newTestBridge(t)
	res, err := b.RunJRPC(context.Background(), srv.URL, "get_height", map[string]any{"foo": "bar"}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"result":100}`, string(res.Body))
}

func TestNodeParamsAndEnv(t *testing.T) {
	b := newTestBridge(t)
	require.Equal(t, "testnet", b.NodeParams()["chain"])
	env := b.NodeEnv()
	require.NotEmpty(t, env.ProtocolDataPath)
}
