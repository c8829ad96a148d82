package leadership

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
)

// RaftConfig configures a node's participation in its cluster's leader
// election.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Log       logger.Logger
}

// RaftNode wraps hashicorp/raft. The consensus contract spec §4.5 names
// (is_leader/current_leader_addr/leader_or_none/counter) lives in Agent,
// built on top of this node's IsLeader/Leader; AddVoter, LeaderCh and
// Stats are additional membership and diagnostic accessors.
type RaftNode struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	log       logger.Logger

	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore

	leaderCh chan bool
}

// NewRaftNode constructs and, if Bootstrap is set, bootstraps a single-node
// (or first-of-cluster) raft participant backed by BoltDB stores.
func NewRaftNode(cfg RaftConfig) (*RaftNode, error) {
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("leadership: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("leadership: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = &hclogBridge{log: cfg.Log}
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("leadership: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leadership: create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("leadership: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("leadership: create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("leadership: create snapshot store: %w", err)
	}

	leaderCh := make(chan bool, 10)
	raftConfig.NotifyCh = leaderCh

	r, err := raft.NewRaft(raftConfig, &fsm{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("leadership: create raft: %w", err)
	}

	node := &RaftNode{
		raft:          r,
		transport:     transport,
		log:           cfg.Log,
		logStore:      logStore,
		stableStore:   stableStore,
		snapshotStore: snapshotStore,
		leaderCh:      leaderCh,
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			node.Close()
			return nil, fmt.Errorf("leadership: bootstrap cluster: %w", err)
		}
	}

	cfg.Log.Info("raft node created", "node_id", cfg.NodeID, "bind_addr", cfg.BindAddr, "bootstrap", cfg.Bootstrap)
	return node, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *RaftNode) IsLeader() bool { return n.raft.State() == raft.Leader }

// Leader returns the current leader's raft-transport address, or "" if
// none is known yet.
func (n *RaftNode) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// AddVoter adds a voting member to the cluster.
func (n *RaftNode) AddVoter(nodeID, addr string, timeout time.Duration) error {
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout).Error(); err != nil {
		return fmt.Errorf("leadership: add voter: %w", err)
	}
	return nil
}

// LeaderCh notifies on local leadership transitions (true on becoming
// leader, false on losing it).
func (n *RaftNode) LeaderCh() <-chan bool { return n.leaderCh }

// Stats exposes raw raft statistics for diagnostics.
func (n *RaftNode) Stats() map[string]string { return n.raft.Stats() }

// Close shuts the raft node and its stores down.
func (n *RaftNode) Close() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		n.log.Error("raft shutdown failed", "error", err)
	}
	if s, ok := n.stableStore.(*raftboltdb.BoltStore); ok {
		if err := s.Close(); err != nil {
			n.log.Error("close stable store failed", "error", err)
		}
	}
	if s, ok := n.logStore.(*raftboltdb.BoltStore); ok {
		if err := s.Close(); err != nil {
			n.log.Error("close log store failed", "error", err)
		}
	}
	if err := n.transport.Close(); err != nil {
		n.log.Error("close transport failed", "error", err)
	}
	close(n.leaderCh)
	return nil
}
