// Command babeld is the node-resident daemon: it owns every job (spec §4.4),
// runs the archive engine's upload/download workers, exposes the plugin
// bridge's host functions to the Core-side plugin runtime, serves the
// host-agent control socket (spec §6) and a Prometheus /metrics endpoint.
// Grounded on the teacher's cmd/keystone/main.go entrypoint shape: stdlib
// flag, signal.NotifyContext for graceful shutdown, stdlib log for
// top-level orchestration narration (zerolog is reserved for the
// concurrent core, matching the teacher's own uneven logging texture).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockjoy/babel/internal/archive"
	"github.com/blockjoy/babel/internal/bridge"
	"github.com/blockjoy/babel/internal/config"
	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/hostsocket"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/secret"
	"github.com/blockjoy/babel/internal/supervisor"
)

// nodeParamsFromEnv reads BABEL_PARAM_<KEY>=<value> pairs into the map the
// bridge exposes via node_params(), since the node lifecycle manager that
// would normally supply these is an external collaborator (spec §1
// Non-goals) not present in this repo.
func nodeParamsFromEnv() map[string]any {
	const prefix = "BABEL_PARAM_"
	params := map[string]any{}
	for _, kv := range os.Environ() {
		if len(kv) <= len(prefix) || kv[:len(prefix)] != prefix {
			continue
		}
		rest := kv[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '=' {
				params[rest[:i]] = rest[i+1:]
				break
			}
		}
	}
	return params
}

func secretStoreFor(node config.NodeConfig) *secret.Store {
	return secret.New(node.SecretsDir())
}

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	config.LoadDotEnvDefault()
	node := config.NodeConfigFromEnv()

	for _, dir := range []string{node.JobsDir(), node.SecretsDir(), node.PluginDataDir(), node.ProtocolDataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("babeld: create %s: %v", dir, err)
		}
	}

	store := jobstore.New(node.JobsDir())

	var downloader *archive.Downloader
	var uploader *archive.Uploader
	if node.ControlPlaneURL != "" {
		cp := controlplane.New(node.ControlPlaneURL, node.ControlPlaneToken)
		downloader = archive.NewDownloader(cp)
		uploader = archive.NewUploader(cp)
	} else {
		log.Print("babeld: BABEL_CONTROL_PLANE_URL unset, archive download/upload jobs will fail if declared")
	}

	sup := supervisor.New(store, downloader, uploader, node.ProtocolDataDir)
	if err := sup.Reconcile(); err != nil {
		log.Fatalf("babeld: reconcile job state: %v", err)
	}

	sec := secretStoreFor(node)
	br := bridge.New(sup, sec, node, nodeParamsFromEnv())

	srv, err := hostsocket.Listen(node.SocketPath(), br)
	if err != nil {
		log.Fatalf("babeld: listen on control socket: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Serve(); err != nil {
			log.Printf("babeld: control socket serve: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("babeld: metrics server: %v", err)
		}
	}()

	log.Printf("babeld: ready, base_dir=%s socket=%s metrics=%s", node.BaseDir, node.SocketPath(), *metricsAddr)

	<-ctx.Done()
	log.Print("babeld: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = srv.Close()
}
