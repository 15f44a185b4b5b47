package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ToolsetDaily, cfg.Toolset)
	assert.Equal(t, "default", cfg.Workspace)
	assert.NotEmpty(t, cfg.StorageDir)
	assert.NotEmpty(t, cfg.SocketPath)
	assert.EqualValues(t, 30_000, cfg.AutostartBackoff)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BRANCHMIND_STORAGE_DIR", "/tmp/bm")
	t.Setenv("BRANCHMIND_TOOLSET", "full")
	t.Setenv("BRANCHMIND_WORKSPACE", "ws-x")
	t.Setenv("BRANCHMIND_WORKSPACE_LOCK", "1")
	t.Setenv("BRANCHMIND_VIEWER", "true")
	t.Setenv("BRANCHMIND_VIEWER_PORT", "9999")
	t.Setenv("BRANCHMIND_VIEWER_SCAN_ROOTS", "/a;/b ; /c")
	t.Setenv("BRANCHMIND_VIEWER_REGISTRY_DIR", "/tmp/reg")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bm", cfg.StorageDir)
	assert.Equal(t, ToolsetFull, cfg.Toolset)
	assert.Equal(t, "ws-x", cfg.Workspace)
	assert.True(t, cfg.WorkspaceLock)
	assert.True(t, cfg.ViewerEnabled)
	assert.Equal(t, 9999, cfg.ViewerPort)
	assert.Equal(t, []string{"/a", "/b", "/c"}, cfg.ViewerScanRoots)
	assert.Equal(t, "/tmp/reg", cfg.RegistryDir)
}

func TestLoadCommaSeparatedScanRoots(t *testing.T) {
	t.Setenv("BRANCHMIND_VIEWER_SCAN_ROOTS", "/x,/y")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"/x", "/y"}, cfg.ViewerScanRoots)
}

func TestLoadRejectsBadToolset(t *testing.T) {
	t.Setenv("BRANCHMIND_TOOLSET", "bogus")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadViewerPort(t *testing.T) {
	t.Setenv("BRANCHMIND_VIEWER_PORT", "not-a-port")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("BRANCHMIND_VIEWER_PORT", "70000")
	_, err = Load()
	assert.Error(t, err)
}
