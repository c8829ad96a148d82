// Package leadership implements C5, the Leadership Agent: it consumes
// raft's leader-election output and republishes it as the single
// `primaryStatus` flag every other component on this node reads to decide
// whether it may serve leader-only operations (full upload, metadata
// commit), and keeps the SuperNode's routing table pointed at whichever
// node actually holds that flag.
package leadership

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync/atomic"
	"time"

	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

// None is the sentinel LeaderOrNone returns when no leader is known.
const None = "none"

// TickInterval is the 500ms cadence spec §4.5 mandates.
const TickInterval = 500 * time.Millisecond

// ReconcileEvery is the tick count between primaryStatus/consensus
// reconciliation passes.
const ReconcileEvery = 5

// RegisterTimeout bounds the GetLeaderInfo registration call.
const RegisterTimeout = 5 * time.Second

const primaryStatusKey = "primaryStatus"

// Consensus is the leader-election contract the Agent consumes; *RaftNode
// satisfies it, and tests substitute a fake to avoid standing up real raft
// clusters.
type Consensus interface {
	IsLeader() bool
	Leader() string
}

// ActiveCounter is the subset of membership.Tracker the Agent needs.
type ActiveCounter interface {
	GetTotalActiveCount() int
}

// ClusterInfo is the GetLeaderInfo registration payload (spec §6).
type ClusterInfo struct {
	IP          string
	Port        string
	ClusterName string
}

// Agent drives the 500ms reconciliation loop described in spec §4.5.
type Agent struct {
	consensus   Consensus
	tracker     ActiveCounter
	kv          storage.KV
	client      *transport.Client
	metrics     *metric.Registry
	log         logger.Logger
	selfAddr    string
	clusterName string
	superAddr   string

	primary atomic.Bool
	ticks   atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Agent. selfAddr is this node's own reachable address,
// registered with the SuperNode on promotion.
func New(consensus Consensus, tracker ActiveCounter, kv storage.KV, client *transport.Client, metrics *metric.Registry, log logger.Logger, selfAddr, clusterName, superAddr string) *Agent {
	return &Agent{
		consensus:   consensus,
		tracker:     tracker,
		kv:          kv,
		client:      client,
		metrics:     metrics,
		log:         log,
		selfAddr:    selfAddr,
		clusterName: clusterName,
		superAddr:   superAddr,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// IsLeader reports consensus's current leadership view (raft truth, not the
// locally cached primaryStatus flag).
func (a *Agent) IsLeader() bool { return a.consensus.IsLeader() }

// CurrentLeaderAddr returns consensus's known leader address, "" if none.
func (a *Agent) CurrentLeaderAddr() string { return a.consensus.Leader() }

// LeaderOrNone returns CurrentLeaderAddr, or None if it is empty.
func (a *Agent) LeaderOrNone() string {
	if addr := a.consensus.Leader(); addr != "" {
		return addr
	}
	return None
}

// Counter returns the number of reconciliation ticks processed so far.
func (a *Agent) Counter() int64 { return a.ticks.Load() }

// IsPrimary reports the locally cached primaryStatus flag: single-writer
// (this Agent), multi-reader (upload/delete paths), which tolerate a stale
// 0->1 transition by simply rejecting leader-only operations.
func (a *Agent) IsPrimary() bool { return a.primary.Load() }

// Start loads primaryStatus from the KV, registers immediately if it was
// already 1 (spec §4.5's startup bullet), then launches the 500ms loop.
func (a *Agent) Start(ctx context.Context) {
	if a.loadPrimaryStatus(ctx) {
		a.primary.Store(true)
		a.register(ctx)
	}
	go a.loop(ctx)
}

// Stop terminates the reconciliation loop and waits for it to exit.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Exported so tests can drive it
// synchronously instead of waiting on the 500ms ticker.
func (a *Agent) Tick(ctx context.Context) {
	noLeaderKnown := a.consensus.Leader() == ""
	if noLeaderKnown && a.tracker.GetTotalActiveCount() >= 1 && !a.primary.Load() {
		a.promote(ctx)
	}

	count := a.ticks.Add(1)
	if count%ReconcileEvery != 0 {
		return
	}

	isLeader := a.consensus.IsLeader()
	wasPrimary := a.primary.Load()
	switch {
	case isLeader && !wasPrimary:
		a.promote(ctx)
		a.metrics.LeaderElections.Inc()
		a.metrics.LeaderChanges.Inc()
	case !isLeader && wasPrimary:
		a.demote(ctx)
		a.metrics.LeaderChanges.Inc()
	case isLeader && wasPrimary:
		a.register(ctx) // idempotent heartbeat
	}
}

func (a *Agent) promote(ctx context.Context) {
	a.primary.Store(true)
	a.persistPrimaryStatus(ctx, true)
	a.register(ctx)
}

func (a *Agent) demote(ctx context.Context) {
	a.primary.Store(false)
	a.persistPrimaryStatus(ctx, false)
}

func (a *Agent) loadPrimaryStatus(ctx context.Context) bool {
	v, err := a.kv.Get(ctx, primaryStatusKey)
	if err != nil {
		return false
	}
	return string(v) == "1"
}

func (a *Agent) persistPrimaryStatus(ctx context.Context, primary bool) {
	val := "0"
	if primary {
		val = "1"
	}
	if err := a.kv.Set(ctx, primaryStatusKey, []byte(val)); err != nil {
		a.log.Warn("leadership: failed to persist primaryStatus", "error", err)
	}
}

// register sends a single idempotent GetLeaderInfo RPC announcing this node
// as the leader of clusterName. Transient failures are logged, not retried
// in-loop: the next tick re-announces (spec §4.5).
func (a *Agent) register(ctx context.Context) {
	ip, port := splitAddr(a.selfAddr)
	payload, err := EncodeClusterInfo(ClusterInfo{IP: ip, Port: port, ClusterName: a.clusterName})
	if err != nil {
		a.log.Warn("leadership: failed to encode registration payload", "error", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, RegisterTimeout)
	defer cancel()
	if _, err := a.client.Call(callCtx, a.superAddr, "GetLeaderInfo", payload); err != nil {
		a.log.Warn("leadership: registration with supernode failed", "super_addr", a.superAddr, "error", err)
		return
	}
	a.log.Info("leadership: registered as cluster leader", "cluster", a.clusterName, "addr", a.selfAddr)
}

func splitAddr(addr string) (ip, port string) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, p
}

// EncodeClusterInfo serializes a ClusterInfo for the GetLeaderInfo RPC.
func EncodeClusterInfo(c ClusterInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeClusterInfo deserializes a GetLeaderInfo payload.
func DecodeClusterInfo(b []byte) (ClusterInfo, error) {
	var c ClusterInfo
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return ClusterInfo{}, err
	}
	return c, nil
}
