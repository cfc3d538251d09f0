package config

import (
	"os"
	"path/filepath"
)

// NodeConfig is this node's identity and the paths the supervisor, bridge
// and host socket are rooted at (spec §6 "Persisted state layout").
// Populated from the environment (loaded via LoadDotEnvDefault first, the
// teacher's own config.LoadDotEnvDefault call order in agent.New), mirroring
// the teacher's KEYSTONE_* env-var pattern with a BABEL_ prefix.
type NodeConfig struct {
	// BaseDir roots jobs/, secrets/, and the control socket. Defaults to
	// /var/lib/babel per spec §6.
	BaseDir string
	// ProtocolDataDir is the node's mutable protocol-data tree, where the
	// protocol-data lock and the archive jobs' progress files
	// (<name>.download.progress, <name>.upload.progress) live; no
	// .babel_jobs/ directory is used.
	ProtocolDataDir string
	// ControlPlaneURL is the base URL the archive engine's Transport talks to.
	ControlPlaneURL string
	// ControlPlaneToken authenticates to the control-plane (§6 bearer auth).
	ControlPlaneToken string
	// NodeName and NodeVariant are returned verbatim by the bridge's
	// node_env() host function.
	NodeName    string
	NodeVariant string
}

// NodeConfigFromEnv builds a NodeConfig from the process environment,
// applying the spec's documented defaults for unset paths.
func NodeConfigFromEnv() NodeConfig {
	cfg := NodeConfig{
		BaseDir:           getenvDefault("BABEL_BASE_DIR", "/var/lib/babel"),
		ControlPlaneURL:   os.Getenv("BABEL_CONTROL_PLANE_URL"),
		ControlPlaneToken: os.Getenv("BABEL_CONTROL_PLANE_TOKEN"),
		NodeName:          os.Getenv("BABEL_NODE_NAME"),
		NodeVariant:        os.Getenv("BABEL_NODE_VARIANT"),
	}
	cfg.ProtocolDataDir = getenvDefault("BABEL_PROTOCOL_DATA_DIR", filepath.Join(cfg.BaseDir, "protocol_data"))
	return cfg
}

// JobsDir is where jobstore.Store and the process runner's state live.
func (c NodeConfig) JobsDir() string { return filepath.Join(c.BaseDir, "jobs") }

// SecretsDir is where the secret store persists get_secret/put_secret values.
func (c NodeConfig) SecretsDir() string { return filepath.Join(c.BaseDir, "secrets") }

// PluginDataDir is where save_data/load_data persist opaque plugin state.
func (c NodeConfig) PluginDataDir() string { return filepath.Join(c.BaseDir, "plugin_data") }

// SocketPath is the host agent's local control socket, jobs_monitor.socket.
func (c NodeConfig) SocketPath() string { return filepath.Join(c.BaseDir, "jobs_monitor.socket") }

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
