package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNodeConfig(t *testing.T) {
	cfg := DefaultNodeConfig()

	assert.Equal(t, "0.0.0.0:9000", cfg.BindAddr)
	assert.Equal(t, "./config/peers.txt", cfg.AddressListPath)
	assert.Equal(t, 1024, cfg.CacheCapacity)
	assert.Equal(t, 0.6, cfg.CacheFreqWeight)
	assert.Equal(t, 0.4, cfg.CacheRecWeight)
	assert.Equal(t, 20, cfg.ReplicationBandwidthMBps)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestDefaultSuperNodeConfig(t *testing.T) {
	cfg := DefaultSuperNodeConfig()

	assert.Equal(t, "0.0.0.0:8000", cfg.BindAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadNodeConfigOverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := "node_id: node-a\ncluster_name: west\nbind_addr: 10.0.0.1:9100\ncache_capacity: 4096\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "west", cfg.ClusterName)
	assert.Equal(t, "10.0.0.1:9100", cfg.BindAddr)
	assert.Equal(t, 4096, cfg.CacheCapacity)
	// Unset fields keep their defaults.
	assert.Equal(t, "./data/raft", cfg.RaftDataDir)
	assert.Equal(t, 20, cfg.ReplicationBandwidthMBps)
}

func TestLoadNodeConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: 10.0.0.1:9100\n"), 0o644))

	t.Setenv("SHARDMESH_BIND_ADDR", "10.0.0.2:9200")

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2:9200", cfg.BindAddr)
}

func TestLoadNodeConfigMissingFileIsAnError(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadNodeConfigNoFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadNodeConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultNodeConfig(), cfg)
}

func TestLoadSuperNodeConfigOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "super.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: 0.0.0.0:8100\n"), 0o644))

	cfg, err := LoadSuperNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8100", cfg.BindAddr)
	assert.Equal(t, "./data/supernode-kv", cfg.KVDataDir)
}
