// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SenberHu/winredirect/internal/errors"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.hcl"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPipePath, cfg.PipePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.TTL())
	assert.Equal(t, DefaultSocketBatch, cfg.SocketBatch)
	assert.Equal(t, DefaultNetworkBatch, cfg.NetworkBatch)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPipePath, cfg.PipePath)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
pipe_path      = "\\\\.\\pipe\\test-proxy"
log_level      = "debug"
metrics_addr   = "127.0.0.1:9841"
connection_ttl = "5m"
socket_batch   = 16
network_batch  = 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, `\\.\pipe\test-proxy`, cfg.PipePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9841", cfg.MetricsAddr)
	assert.Equal(t, 5*time.Minute, cfg.TTL())
	assert.Equal(t, 16, cfg.SocketBatch)
	assert.Equal(t, 4, cfg.NetworkBatch)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := writeConfig(t, `log_level = "warn"`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, DefaultPipePath, cfg.PipePath)
	assert.Equal(t, 10*time.Minute, cfg.TTL())
}

func TestLoadRejectsBadTTL(t *testing.T) {
	for _, ttl := range []string{"soon", "-5m", "0s"} {
		path := writeConfig(t, `connection_ttl = "`+ttl+`"`)
		_, err := Load(path)
		require.Error(t, err, "ttl %q", ttl)
		assert.Equal(t, errors.KindConfig, errors.KindOf(err))
	}
}

func TestLoadRejectsBadHCL(t *testing.T) {
	path := writeConfig(t, `pipe_path = `)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "winredirect.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
