// Command branchmindctl is a small local operator CLI: it talks to a
// running branchmindd over its UNIX socket (doctor, shutdown) and reads
// the project registry directly (registry) for diagnostics a human runs
// by hand. It is not part of the JSON-RPC/MCP tool surface, just a thin,
// dependency-light inspection binary over BranchMind's transport and
// registry.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/branchmind/branchmind/pkg/config"
	"github.com/branchmind/branchmind/pkg/ipc"
	"github.com/branchmind/branchmind/pkg/registry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "branchmindctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: branchmindctl <doctor|shutdown|registry> [flags]")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch args[0] {
	case "doctor":
		return doctor(cfg)
	case "shutdown":
		return shutdown(cfg)
	case "registry":
		return listRegistry(cfg)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// doctorReport is the YAML document doctor emits; one flat document a
// human or a follow-up script can both read.
type doctorReport struct {
	Socket     string `yaml:"socket"`
	StorageDir string `yaml:"storage_dir"`
	Daemon     string `yaml:"daemon"`
	Error      string `yaml:"error,omitempty"`

	Fingerprint   string `yaml:"fingerprint,omitempty"`
	Toolset       string `yaml:"toolset,omitempty"`
	Workspace     string `yaml:"workspace,omitempty"`
	WorkspaceLock bool   `yaml:"workspace_lock,omitempty"`
	ViewerEnabled bool   `yaml:"viewer_enabled,omitempty"`
	ViewerPort    int    `yaml:"viewer_port,omitempty"`
}

// doctor reports whether a daemon answers on cfg.SocketPath and prints
// its daemon_info payload as YAML.
func doctor(cfg *config.Config) error {
	report := doctorReport{Socket: cfg.SocketPath, StorageDir: cfg.StorageDir, Daemon: "not reachable"}

	client, err := ipc.Dial(cfg.SocketPath, 2*time.Second)
	if err != nil {
		report.Error = err.Error()
		return printYAML(report)
	}
	defer client.Close()

	resp, err := client.Call(ipc.MethodDaemonInfo, nil, 2*time.Second)
	if err != nil {
		return fmt.Errorf("call daemon_info: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon_info error: %s", resp.Error.Message)
	}
	var info ipc.DaemonInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		return fmt.Errorf("parse daemon_info: %w", err)
	}
	report.Daemon = "reachable"
	report.Fingerprint = info.Fingerprint
	report.Toolset = info.Toolset
	report.Workspace = info.DefaultWorkspace
	report.WorkspaceLock = info.WorkspaceLock
	report.ViewerEnabled = info.ViewerEnabled
	report.ViewerPort = info.ViewerPort
	return printYAML(report)
}

func printYAML(v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// shutdown sends daemon_shutdown and reports the result.
func shutdown(cfg *config.Config) error {
	client, err := ipc.Dial(cfg.SocketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.SocketPath, err)
	}
	defer client.Close()

	resp, err := client.Call(ipc.MethodDaemonShutdown, nil, 2*time.Second)
	if err != nil {
		return fmt.Errorf("call daemon_shutdown: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon_shutdown error: %s", resp.Error.Message)
	}
	fmt.Println("daemon shut down")
	return nil
}

// listRegistry prints every project entry found in the registry directory.
func listRegistry(cfg *config.Config) error {
	reg, err := registry.Open(cfg.RegistryDir)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	entries, err := reg.List()
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("(no registered projects)")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-20s pid=%-8d mode=%-8s storage=%s\n", e.ProjectGuard, e.PID, e.Mode, e.StorageDir)
	}
	return nil
}
