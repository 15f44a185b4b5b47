// Command branchmindd is the BranchMind daemon/proxy binary.
// It assembles a pkg/daemon.App from environment-driven pkg/config and
// either serves the storage engine over a UNIX socket (--daemon, the
// default) or runs as a shared-proxy bridging a client's stdio JSON-RPC
// traffic to an already-running (or freshly spawned) daemon (--shared).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/branchmind/branchmind/pkg/config"
	"github.com/branchmind/branchmind/pkg/daemon"
	"github.com/branchmind/branchmind/pkg/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "branchmindd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		daemonMode    = flag.Bool("daemon", true, "run as the long-lived storage daemon")
		sharedMode    = flag.Bool("shared", false, "run as a shared-proxy bridging stdio to the daemon socket")
		socketPath    = flag.String("socket", "", "override the daemon UNIX socket path")
		storageDir    = flag.String("storage-dir", "", "override the storage directory")
		toolset       = flag.String("toolset", "", "tool surface preset: core|daily|full")
		workspace     = flag.String("workspace", "", "default workspace id")
		workspaceLock = flag.Bool("workspace-lock", false, "pin the session to --workspace")
		projectGuard  = flag.String("project-guard", "", "registry correlation id for this project")
		agentID       = flag.String("agent-id", "", "agent identity (auto|id)")
		viewer        = flag.Bool("viewer", false, "enable the viewer registry entry")
		noViewer      = flag.Bool("no-viewer", false, "explicitly disable the viewer registry entry")
		viewerPort    = flag.Int("viewer-port", 0, "viewer port override")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *toolset != "" {
		cfg.Toolset = config.Toolset(*toolset)
	}
	if *workspace != "" {
		cfg.Workspace = *workspace
	}
	if *workspaceLock {
		cfg.WorkspaceLock = true
	}
	if *projectGuard != "" {
		cfg.ProjectGuard = *projectGuard
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	if *viewer {
		cfg.ViewerEnabled = true
	}
	if *noViewer {
		cfg.ViewerEnabled = false
	}
	if *viewerPort != 0 {
		cfg.ViewerPort = *viewerPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	handler := slog.NewJSONHandler(os.Stderr, nil)
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *sharedMode {
		return runShared(ctx, cfg, logger)
	}
	_ = daemonMode
	return runDaemon(ctx, cfg, logger)
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble daemon: %w", err)
	}
	defer func() { _ = app.Close(context.Background()) }()

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("daemon run: %w", err)
	}
	return nil
}

func runShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	pcfg := proxy.DefaultConfig(cfg.SocketPath, self, []string{
		"--daemon",
		"--socket", cfg.SocketPath,
		"--storage-dir", cfg.StorageDir,
		"--toolset", string(cfg.Toolset),
		"--workspace", cfg.Workspace,
	})
	p := proxy.New(pcfg, logger)
	return p.Run(ctx, os.Stdin, os.Stdout)
}
