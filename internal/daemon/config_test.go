package daemon

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		original := os.Getenv("MDCFS_CONFIG_DIR")
		os.Unsetenv("MDCFS_CONFIG_DIR")
		defer os.Setenv("MDCFS_CONFIG_DIR", original)

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".mdcfs"), "should end with .mdcfs")
	})

	t.Run("override with MDCFS_CONFIG_DIR", func(t *testing.T) {
		original := os.Getenv("MDCFS_CONFIG_DIR")
		os.Setenv("MDCFS_CONFIG_DIR", "/tmp/test-mdcfs-config")
		defer os.Setenv("MDCFS_CONFIG_DIR", original)

		assert.Equal(t, "/tmp/test-mdcfs-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	tests := []struct {
		name   string
		fn     func() string
		suffix string
	}{
		{"SocketPath", SocketPath, "daemon.sock"},
		{"PidPath", PidPath, "daemon.pid"},
		{"LogPath", LogPath, "daemon.log"},
		{"LockPath", LockPath, "daemon.lock"},
		{"ConfigPath", ConfigPath, "config.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.fn()
			assert.True(t, strings.HasSuffix(path, tt.suffix),
				"%s() = %q should end with %q", tt.name, path, tt.suffix)
			assert.True(t, strings.HasPrefix(path, ConfigDir()),
				"%s() = %q should be in config dir %q", tt.name, path, ConfigDir())
		})
	}
}

func TestEnsureConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	err := EnsureConfigDir()
	require.NoError(t, err)

	info, err := os.Stat(ConfigDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg ServerConfig
	cfg.ApplyDefaults()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1", cfg.Listen)
	assert.Equal(t, 20490, cfg.BasePort)
	assert.Equal(t, 5*time.Second, cfg.AttrTTL())
	assert.Equal(t, 30*time.Second, cfg.ReapInterval())
	require.Len(t, cfg.Exports, 1)
	assert.Equal(t, "default", cfg.Exports[0].Name)
	assert.Equal(t, BackendMemory, cfg.Exports[0].Backend)
}

func TestAttrTTLNegativeMeansNoExpiry(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{AttrTTLSeconds: -1}
	cfg.ApplyDefaults()
	assert.Equal(t, time.Duration(0), cfg.AttrTTL())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		exports []ExportConfig
		wantErr string
	}{
		{
			name:    "valid memory export",
			exports: []ExportConfig{{Name: "a", Backend: BackendMemory}},
		},
		{
			name:    "valid sqlite export",
			exports: []ExportConfig{{Name: "a", Backend: BackendSqlite, Path: "a.db"}},
		},
		{
			name:    "empty name",
			exports: []ExportConfig{{Backend: BackendMemory}},
			wantErr: "empty name",
		},
		{
			name: "duplicate names",
			exports: []ExportConfig{
				{Name: "a", Backend: BackendMemory},
				{Name: "a", Backend: BackendMemory},
			},
			wantErr: "duplicate export name",
		},
		{
			name:    "sqlite without path",
			exports: []ExportConfig{{Name: "a", Backend: BackendSqlite}},
			wantErr: "requires a path",
		},
		{
			name:    "unknown backend",
			exports: []ExportConfig{{Name: "a", Backend: "tape"}},
			wantErr: "unknown backend",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := ServerConfig{Exports: tt.exports}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigRoundtrip(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	cfg := &ServerConfig{
		LogLevel:       "debug",
		Listen:         "127.0.0.1",
		BasePort:       30490,
		AttrTTLSeconds: 7,
		MaxProbes:      16,
		Exports: []ExportConfig{
			{Name: "scratch", Backend: BackendMemory, Hide: []string{".git/", "*.tmp"}},
			{Name: "durable", Backend: BackendSqlite, Path: "durable.db"},
		},
	}
	require.NoError(t, SaveServerConfig(cfg))

	loaded, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, "debug", loaded.LogLevel)
	assert.Equal(t, 30490, loaded.BasePort)
	assert.Equal(t, 7*time.Second, loaded.AttrTTL())
	assert.Equal(t, 16, loaded.MaxProbes)
	require.Len(t, loaded.Exports, 2)
	assert.Equal(t, []string{".git/", "*.tmp"}, loaded.Exports[0].Hide)
	assert.Equal(t, "durable.db", loaded.Exports[1].Path)
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.Exports, 1)
	assert.Equal(t, "default", cfg.Exports[0].Name)
}

func TestLoadServerConfigRejectsInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	require.NoError(t, EnsureConfigDir())
	bad := "exports:\n  - name: a\n    backend: tape\n"
	require.NoError(t, os.WriteFile(ConfigPath(), []byte(bad), 0600))

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}
