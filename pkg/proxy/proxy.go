// Package proxy implements the shared-proxy stdio<->socket bridge: an MCP
// client sees an ordinary stdio subprocess, but the proxy actually
// forwards every JSON-RPC message to (and from) a long-lived daemon over a
// UNIX socket, spawning that daemon on first use if it isn't already
// running.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/branchmind/branchmind/pkg/ipc"
)

// Config configures one Proxy instance.
type Config struct {
	SocketPath    string
	DaemonCommand string
	DaemonArgs    []string
	ConnectWithin time.Duration // total budget to connect, spawning if needed
	RetryInterval time.Duration
}

// DefaultConfig returns the proxy's standard connect budget.
func DefaultConfig(socketPath, daemonCommand string, daemonArgs []string) Config {
	return Config{
		SocketPath:    socketPath,
		DaemonCommand: daemonCommand,
		DaemonArgs:    daemonArgs,
		ConnectWithin: 2 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Proxy bridges stdin/stdout JSON-RPC traffic to a daemon UNIX socket.
type Proxy struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Proxy.
func New(cfg Config, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{cfg: cfg, logger: logger}
}

// Run bridges stdin/stdout to the daemon until ctx is canceled or the
// client side closes its input.
func (p *Proxy) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	conn, framing, err := p.connectOrSpawn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	daemonReader := ipc.NewFrameReader(conn)
	clientReader := ipc.NewFrameReader(stdin)
	clientWriter := ipc.NewFrameWriter(stdout, framing)
	daemonWriter := ipc.NewFrameWriter(conn, ipc.FramingContentLength)

	errCh := make(chan error, 2)

	// daemon -> client
	go func() {
		for {
			body, err := daemonReader.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if err := clientWriter.WriteMessage(body); err != nil {
				errCh <- err
				return
			}
		}
	}()

	// client -> daemon
	go func() {
		for {
			body, err := clientReader.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if err := daemonWriter.WriteMessage(body); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == io.EOF {
			return nil
		}
		return err
	}
}

// connectOrSpawn tries to dial the daemon socket, spawning the daemon
// process on the first connection failure and retrying with backoff up to
// cfg.ConnectWithin.
func (p *Proxy) connectOrSpawn(ctx context.Context) (clientConn, ipc.Framing, error) {
	if conn, err := dialSocket(p.cfg.SocketPath); err == nil {
		return conn, ipc.FramingNDJSON, nil
	}

	if err := p.spawnDaemon(ctx); err != nil {
		return nil, ipc.FramingUnknown, fmt.Errorf("proxy: spawn daemon: %w", err)
	}

	deadline := time.Now().Add(p.cfg.ConnectWithin)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := dialSocket(p.cfg.SocketPath)
		if err == nil {
			return conn, ipc.FramingNDJSON, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ipc.FramingUnknown, ctx.Err()
		case <-time.After(p.cfg.RetryInterval):
		}
	}
	return nil, ipc.FramingUnknown, fmt.Errorf("proxy: daemon did not become reachable within %s: %w", p.cfg.ConnectWithin, lastErr)
}

func (p *Proxy) spawnDaemon(ctx context.Context) error {
	//nolint:gosec // G204: daemon command/args are the proxy's own configured launch target
	cmd := exec.CommandContext(context.Background(), p.cfg.DaemonCommand, p.cfg.DaemonArgs...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	p.logger.Info("proxy: spawned daemon", "pid", cmd.Process.Pid)
	go func() { _ = cmd.Wait() }()
	return nil
}
