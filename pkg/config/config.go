// Package config loads BranchMind's daemon configuration from environment
// variables: a typed struct, os.Getenv with fallback literals, and a
// Validate method rather than a flag-parsing library owning defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Toolset is the closed set of MCP tool-surface presets the daemon
// advertises. The core never interprets which
// tools are in a set; it only threads the chosen name through to
// daemon_info.
type Toolset string

const (
	ToolsetCore  Toolset = "core"
	ToolsetDaily Toolset = "daily"
	ToolsetFull  Toolset = "full"
)

func (t Toolset) Valid() bool {
	switch t {
	case ToolsetCore, ToolsetDaily, ToolsetFull:
		return true
	}
	return false
}

// Config is the daemon/proxy process's assembled configuration. It is
// constructed once at startup and threaded down explicitly, never read
// from a package-level global.
type Config struct {
	StorageDir       string
	SocketPath       string
	Toolset          Toolset
	Workspace        string
	WorkspaceLock    bool
	ProjectGuard     string
	AgentID          string
	ViewerEnabled    bool
	ViewerPort       int
	ViewerScanRoots  []string
	RegistryDir      string
	CatalogDir       string
	LeaseTTLMs       int64
	AutostartBackoff int64 // ms; the runner-autostart backoff window
}

// DefaultConfig provides literal, locally-runnable defaults rather than
// requiring every env var set.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StorageDir:       filepath.Join(home, ".branchmind", "storage"),
		SocketPath:       filepath.Join(home, ".branchmind", "daemon.sock"),
		Toolset:          ToolsetDaily,
		Workspace:        "default",
		ViewerEnabled:    false,
		ViewerPort:       8787,
		RegistryDir:      filepath.Join(home, ".branchmind", "registry"),
		CatalogDir:       filepath.Join(home, ".branchmind", "catalog"),
		LeaseTTLMs:       60_000,
		AutostartBackoff: 30_000,
	}
}

// Load reads Config from the environment, falling back to
// DefaultConfig's literals when a variable is unset.
func Load() (*Config, error) {
	c := DefaultConfig()

	if v := os.Getenv("BRANCHMIND_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("BRANCHMIND_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("BRANCHMIND_TOOLSET"); v != "" {
		c.Toolset = Toolset(v)
	}
	if v := os.Getenv("BRANCHMIND_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("BRANCHMIND_WORKSPACE_LOCK"); v != "" {
		c.WorkspaceLock = v == "true" || v == "1"
	}
	if v := os.Getenv("BRANCHMIND_PROJECT_GUARD"); v != "" {
		c.ProjectGuard = v
	}
	if v := os.Getenv("BRANCHMIND_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("BRANCHMIND_VIEWER"); v != "" {
		c.ViewerEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BRANCHMIND_VIEWER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse BRANCHMIND_VIEWER_PORT: %w", err)
		}
		c.ViewerPort = p
	}
	if v := os.Getenv("BRANCHMIND_VIEWER_SCAN_ROOTS"); v != "" {
		c.ViewerScanRoots = splitRoots(v)
	}
	if v := os.Getenv("BRANCHMIND_VIEWER_REGISTRY_DIR"); v != "" {
		c.RegistryDir = v
	}
	if v := os.Getenv("BRANCHMIND_VIEWER_CATALOG_DIR"); v != "" {
		c.CatalogDir = v
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// splitRoots parses the ";"- or ","-separated scan-roots list.
func splitRoots(raw string) []string {
	sep := ","
	if strings.Contains(raw, ";") {
		sep = ";"
	}
	var out []string
	for _, p := range strings.Split(raw, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects a config that would fail later in a less legible way.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("config: storage dir must not be empty")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket path must not be empty")
	}
	if !c.Toolset.Valid() {
		return fmt.Errorf("config: unknown toolset %q", c.Toolset)
	}
	if c.ViewerPort < 0 || c.ViewerPort > 65535 {
		return fmt.Errorf("config: viewer port %d out of range", c.ViewerPort)
	}
	return nil
}
