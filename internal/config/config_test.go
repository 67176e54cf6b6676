package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auctiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: 127.0.0.1
  port: 8445
  auction_duration: 5m
  workers: 8
snapshot:
  path: /var/lib/auctiond/connections.dat
  archive_dir: /var/lib/auctiond/archive
  retention_days: 14
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Listen)
	assert.Equal(t, 8445, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Server.AuctionDuration)
	assert.Equal(t, 8, cfg.Server.Workers)
	assert.Equal(t, "/var/lib/auctiond/connections.dat", cfg.Snapshot.Path)
	assert.Equal(t, 14, cfg.Snapshot.RetentionDays)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auctiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
