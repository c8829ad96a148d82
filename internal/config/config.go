// Package config loads shardmesh's static node/SuperNode configuration
// with koanf: a YAML file first, then SHARDMESH_-prefixed environment
// variables override it. The membership address list is deliberately not
// part of this document: membership.Tracker re-reads its own flat file at
// AddressListPath on every reconciliation tick instead.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the default environment variable prefix.
const DefaultEnvPrefix = "SHARDMESH_"

// NodeConfig is the static configuration for a single cluster node
// (leader-eligible storage node).
type NodeConfig struct {
	NodeID      string `koanf:"node_id"`
	ClusterName string `koanf:"cluster_name"`
	BindAddr    string `koanf:"bind_addr"`
	RaftAddr    string `koanf:"raft_addr"`
	RaftDataDir string `koanf:"raft_data_dir"`
	Bootstrap   bool   `koanf:"bootstrap"`

	SuperNodeAddr    string `koanf:"supernode_addr"`
	AddressListPath  string `koanf:"address_list_path"`
	KVDataDir        string `koanf:"kv_data_dir"`

	CacheCapacity     int     `koanf:"cache_capacity"`
	CacheDir          string  `koanf:"cache_dir"`
	CacheFreqWeight   float64 `koanf:"cache_freq_weight"`
	CacheRecWeight    float64 `koanf:"cache_rec_weight"`

	ReplicationBandwidthMBps int `koanf:"replication_bandwidth_mbps"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// SuperNodeConfig is the static configuration for a SuperNode router
// process.
type SuperNodeConfig struct {
	BindAddr  string `koanf:"bind_addr"`
	KVDataDir string `koanf:"kv_data_dir"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// DefaultNodeConfig returns baseline defaults, overridden by file then env.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		BindAddr:                 "0.0.0.0:9000",
		RaftDataDir:              "./data/raft",
		KVDataDir:                "./data/kv",
		AddressListPath:          "./config/peers.txt",
		CacheCapacity:            1024,
		CacheDir:                 "./data/cache",
		CacheFreqWeight:          0.6,
		CacheRecWeight:           0.4,
		ReplicationBandwidthMBps: 20,
		LogLevel:                 "info",
		LogFormat:                "json",
	}
}

// DefaultSuperNodeConfig returns baseline SuperNode defaults.
func DefaultSuperNodeConfig() SuperNodeConfig {
	return SuperNodeConfig{
		BindAddr:  "0.0.0.0:8000",
		KVDataDir: "./data/supernode-kv",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Loader loads koanf configuration from a YAML file and environment
// overrides into a target struct.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix overrides the default SHARDMESH_ environment prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// WithConfigFile sets the YAML configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

// NewLoader constructs a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{k: koanf.New("."), envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file (if any) then environment overrides, and unmarshals
// into target, which must already hold the desired defaults.
func (l *Loader) Load(target any) error {
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	transform := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	if err := l.k.Unmarshal("", target); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadNodeConfig is the convenience entry point cmd/shardmesh-node uses.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	opts := []Option{}
	if path != "" {
		opts = append(opts, WithConfigFile(path))
	}
	if err := NewLoader(opts...).Load(&cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// LoadSuperNodeConfig is the convenience entry point cmd/shardmesh-super
// uses.
func LoadSuperNodeConfig(path string) (SuperNodeConfig, error) {
	cfg := DefaultSuperNodeConfig()
	opts := []Option{}
	if path != "" {
		opts = append(opts, WithConfigFile(path))
	}
	if err := NewLoader(opts...).Load(&cfg); err != nil {
		return SuperNodeConfig{}, err
	}
	return cfg, nil
}
