// Command babelctl is a local operator CLI talking to babeld's control
// socket (spec §6). Grounded on the teacher's cmd/keystonectl/main.go
// subcommand-client shape: a flag.FlagSet per subcommand, dialing once per
// invocation rather than holding a long-lived connection.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/blockjoy/babel/internal/config"
	"github.com/blockjoy/babel/internal/hostsocket"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	node := config.NodeConfigFromEnv()
	socketPath := node.SocketPath()

	switch os.Args[1] {
	case "start":
		cmdStart(socketPath, os.Args[2:])
	case "stop":
		cmdStop(socketPath, os.Args[2:])
	case "status":
		cmdStatus(socketPath, os.Args[2:])
	case "list":
		cmdList(socketPath, os.Args[2:])
	case "logs":
		cmdLogs(socketPath, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: babelctl <start|stop|status|list|logs> [flags]

  start  -name NAME [-config job.toml]
  stop   -name NAME
  status -name NAME
  list
  logs   -name NAME [-tail N]`)
}

func dial(socketPath string) *hostsocket.Client {
	c, err := hostsocket.Dial(socketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "babelctl:", err)
		os.Exit(1)
	}
	return c
}

func printResponse(resp hostsocket.Response, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "babelctl:", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, "babelctl: error:", resp.Error)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}

// loadJobConfig reads a TOML job-definition file (an operator convenience:
// the bridge itself only ever receives job configs as JSON maps from a
// plugin, per spec §4.7) and decodes it into the generic map the control
// socket's start_job carries.
func loadJobConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

func cmdStart(socketPath string, args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	configPath := fs.String("config", "", "TOML job config file (optional; omit to start an already-declared job)")
	fs.Parse(args)
	if *name == "" {
		fmt.Fprintln(os.Stderr, "babelctl start: -name is required")
		os.Exit(2)
	}

	var cfg map[string]any
	if *configPath != "" {
		var err error
		cfg, err = loadJobConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "babelctl:", err)
			os.Exit(1)
		}
	}

	c := dial(socketPath)
	defer c.Close()
	printResponse(c.StartJob(*name, cfg))
}

func cmdStop(socketPath string, args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(args)
	if *name == "" {
		fmt.Fprintln(os.Stderr, "babelctl stop: -name is required")
		os.Exit(2)
	}
	c := dial(socketPath)
	defer c.Close()
	printResponse(c.StopJob(*name))
}

func cmdStatus(socketPath string, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	fs.Parse(args)
	if *name == "" {
		fmt.Fprintln(os.Stderr, "babelctl status: -name is required")
		os.Exit(2)
	}
	c := dial(socketPath)
	defer c.Close()
	printResponse(c.JobStatus(*name))
}

func cmdList(socketPath string, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)
	c := dial(socketPath)
	defer c.Close()
	printResponse(c.ListJobs())
}

func cmdLogs(socketPath string, args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	name := fs.String("name", "", "job name")
	tail := fs.Int("tail", 100, "number of trailing log lines")
	fs.Parse(args)
	if *name == "" {
		fmt.Fprintln(os.Stderr, "babelctl logs: -name is required")
		os.Exit(2)
	}
	c := dial(socketPath)
	defer c.Close()
	printResponse(c.StreamLogs(*name, *tail))
}
