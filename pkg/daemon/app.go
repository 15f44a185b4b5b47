// Package daemon assembles the long-running BranchMind process: the
// storage engine, the IPC server, the project registry entry, and the
// lifecycle concerns around them (hot reload, runner autostart throttle).
// The JSON-RPC/MCP tool surface itself lives elsewhere; App wires the
// transport and the two lifecycle methods (daemon_info, daemon_shutdown)
// and leaves everything else as a stub a future tool-surface package
// would register into.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/branchmind/branchmind/pkg/config"
	"github.com/branchmind/branchmind/pkg/ipc"
	"github.com/branchmind/branchmind/pkg/registry"
	"github.com/branchmind/branchmind/pkg/store"
	"github.com/branchmind/branchmind/pkg/telemetry"
	"github.com/branchmind/branchmind/pkg/validate"
)

// App is the assembled daemon process. Every dependency
// is constructed once in New and threaded down explicitly, with no
// package-level globals.
type App struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.Store
	server      *ipc.Server
	reg         *registry.Registry
	validators  *validate.Registry
	telemetry   *telemetry.Provider
	shutdown    func(context.Context) error
	autostart   *AutostartGate
	reload      *ReloadWatcher
	fingerprint string

	extraMethods map[string]ipc.Handler
}

// New assembles an App from cfg. Callers own calling Run and Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.StorageDir + "/branchmind.db", store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	reg, err := registry.Open(cfg.RegistryDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: open registry: %w", err)
	}

	tp, shutdownTelemetry, err := telemetry.New(ctx, telemetry.DefaultConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: init telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		reg:          reg,
		validators:   validate.DefaultRegistry(),
		telemetry:    tp,
		shutdown:     shutdownTelemetry,
		autostart:    NewAutostartGate(time.Duration(cfg.AutostartBackoff) * time.Millisecond),
		fingerprint:  uuid.NewString(),
		extraMethods: map[string]ipc.Handler{},
	}

	app.server = ipc.NewServer(cfg.SocketPath, app.dispatch, logger)
	return app, nil
}

// RegisterMethod lets an (out-of-scope) tool-surface layer add JSON-RPC
// methods beyond the two lifecycle methods App answers natively.
func (a *App) RegisterMethod(name string, h ipc.Handler) {
	a.extraMethods[name] = h
}

// Store exposes the underlying storage engine to a tool-surface layer.
func (a *App) Store() *store.Store { return a.store }

func (a *App) dispatch(ctx context.Context, method string, params json.RawMessage) ipc.Response {
	switch method {
	case ipc.MethodDaemonInfo:
		return ipc.NewResult(nil, ipc.DaemonInfo{
			Fingerprint:      a.fingerprint,
			StorageDir:       a.cfg.StorageDir,
			Toolset:          string(a.cfg.Toolset),
			DefaultWorkspace: a.cfg.Workspace,
			WorkspaceLock:    a.cfg.WorkspaceLock,
			ProjectGuard:     a.cfg.ProjectGuard,
			ViewerEnabled:    a.cfg.ViewerEnabled,
			ViewerPort:       a.cfg.ViewerPort,
		})
	case ipc.MethodDaemonShutdown:
		go func() {
			_ = a.Close(context.Background())
			os.Exit(0)
		}()
		return ipc.NewResult(nil, ipc.ShutdownResult{OK: true})
	default:
		if h, ok := a.extraMethods[method]; ok {
			return h(ctx, method, params)
		}
		return ipc.NewError(nil, ipc.ErrMethodNotFound, "unknown method: "+method)
	}
}

// Run registers the daemon in the project registry, starts the reload
// watcher, and serves IPC until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return err
	}

	if err := a.reg.Write(registry.Entry{
		ProjectGuard:     a.cfg.ProjectGuard,
		Label:            a.cfg.Workspace,
		StorageDir:       a.cfg.StorageDir,
		WorkspaceDefault: a.cfg.Workspace,
		UpdatedAtMs:      time.Now().UnixMilli(),
		PID:              os.Getpid(),
		Mode:             "daemon",
	}); err != nil {
		a.logger.Warn("daemon: failed to write registry entry", "error", err)
	}

	if watcher, err := NewReloadWatcher(5*time.Second, a.logger); err == nil {
		a.reload = watcher
		go watcher.Run(ctx)
	}

	a.logger.Info("daemon: serving", "socket", a.cfg.SocketPath, "storage_dir", a.cfg.StorageDir)
	return a.server.Serve(ctx)
}

// ReloadPending reports whether the on-disk binary changed and the daemon
// should re-exec at the next safe point.
func (a *App) ReloadPending() bool {
	return a.reload != nil && a.reload.Pending()
}

// Autostart exposes the runner-autostart throttle gate.
func (a *App) Autostart() *AutostartGate { return a.autostart }

// Close shuts the app down: removes the registry entry, closes the IPC
// server and store, flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	if a.reg != nil && a.cfg.ProjectGuard != "" {
		_ = a.reg.Remove(a.cfg.ProjectGuard)
	}
	if a.server != nil {
		_ = a.server.Close()
	}
	var storeErr error
	if a.store != nil {
		storeErr = a.store.Close()
	}
	if a.shutdown != nil {
		_ = a.shutdown(ctx)
	}
	return storeErr
}
