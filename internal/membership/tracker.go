// Package membership implements C2, the Membership Tracker: the set of
// reachable peer addresses and the self-counting invariant every other
// component (Load Picker, Shard Pipeline, Read Assembler) depends on.
package membership

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

// ReconcileInterval is the 500ms cadence spec §4.2 mandates for re-reading
// the address list and re-probing peers.
const ReconcileInterval = 500 * time.Millisecond

// ProbeTimeout is the 1s per-peer liveness probe deadline.
const ProbeTimeout = time.Second

// Channel is a logical long-lived connection to a peer address. The
// hand-rolled transport dials per call rather than holding a persistent
// socket (see internal/transport/client.go), so Channel here is a thin
// handle identifying the address a caller should dial, kept 1:1 with the
// address the way spec §3 "Peer channel" describes.
type Channel struct {
	Addr string
}

// Tracker maintains peers (other nodes only) and active (the pingable
// subset), per spec §4.2.
type Tracker struct {
	self            string
	addressListPath string
	client          *transport.Client
	metrics         *metric.Registry
	log             logger.Logger

	mu     sync.Mutex
	peers  map[string]*Channel
	active map[string]*Channel

	failures   atomic.Int64
	recoveries atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Tracker. self is excluded from its own peer set (I4).
func New(self, addressListPath string, client *transport.Client, metrics *metric.Registry, log logger.Logger) *Tracker {
	return &Tracker{
		self:            self,
		addressListPath: addressListPath,
		client:          client,
		metrics:         metrics,
		log:             log,
		peers:           make(map[string]*Channel),
		active:          make(map[string]*Channel),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the 500ms reconciliation loop. Call Stop to shut it down.
func (t *Tracker) Start() {
	go t.loop()
}

// Stop terminates the reconciliation loop and waits for it to exit.
func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracker) loop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

func (t *Tracker) Tick() {
	addrs, err := ReadAddressList(t.addressListPath, t.self)
	if err != nil {
		t.log.Warn("membership: failed to read address list", "path", t.addressListPath, "error", err)
		return
	}
	desired := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		desired[a] = true
	}

	t.mu.Lock()
	for addr := range desired {
		if _, ok := t.peers[addr]; !ok {
			t.peers[addr] = &Channel{Addr: addr}
		}
	}
	var departed []string
	for addr := range t.peers {
		if !desired[addr] {
			departed = append(departed, addr)
		}
	}
	for _, addr := range departed {
		delete(t.peers, addr)
		delete(t.active, addr)
	}
	probeTargets := make([]*Channel, 0, len(t.peers))
	for _, ch := range t.peers {
		probeTargets = append(probeTargets, ch)
	}
	t.mu.Unlock()

	// Liveness probes happen outside the lock (spec §4.2): each may block
	// up to ProbeTimeout and must not stall GetActiveChannels callers.
	results := make(map[string]bool, len(probeTargets))
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, ch := range probeTargets {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			alive := t.probe(ch.Addr)
			resMu.Lock()
			results[ch.Addr] = alive
			resMu.Unlock()
		}(ch)
	}
	wg.Wait()

	t.mu.Lock()
	changed := false
	for addr, alive := range results {
		ch, known := t.peers[addr]
		if !known {
			continue // departed mid-probe
		}
		_, wasActive := t.active[addr]
		switch {
		case alive && !wasActive:
			t.active[addr] = ch
			changed = true
			t.recoveries.Add(1)
			if t.metrics != nil {
				t.metrics.MembershipRecoveries.Inc()
			}
		case !alive && wasActive:
			delete(t.active, addr)
			changed = true
			t.failures.Add(1)
			if t.metrics != nil {
				t.metrics.MembershipFailures.Inc()
			}
		}
	}
	total := len(t.active) + 1
	t.mu.Unlock()

	if changed && t.metrics != nil {
		t.metrics.MembershipActive.Set(float64(total))
	}
}

func (t *Tracker) probe(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeout)
	defer cancel()
	_, err := t.client.Call(ctx, addr, "IsAlive", nil)
	return err == nil
}

// RegisterAliveHandler wires the IsAlive heartbeat RPC every node must
// answer: both a liveness signal for peers' trackers and, per spec §6's
// wire table, a real {cpu, disk, mem} payload the Load Picker scores for
// placement. statsFn is called fresh on every probe.
func RegisterAliveHandler(srv *transport.Server, statsFn func() core.NodeStats) {
	srv.RegisterUnary("IsAlive", func(ctx context.Context, req []byte) ([]byte, error) {
		return core.EncodeNodeStats(statsFn())
	})
}

// GetActiveChannels returns a snapshot copy of the currently active set.
func (t *Tracker) GetActiveChannels() map[string]*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]*Channel, len(t.active))
	for addr, ch := range t.active {
		snap[addr] = ch
	}
	return snap
}

// GetTotalActiveCount returns len(active)+1, which is never 0 while the
// process is live (I4, P6).
func (t *Tracker) GetTotalActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) + 1
}

// GetOtherActiveCount returns len(active), excluding self.
func (t *Tracker) GetOtherActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// FailureCount returns the running count of active->inactive transitions
// (supplemented from original_source/utils/ActiveNodesChecker.py; see
// DESIGN.md).
func (t *Tracker) FailureCount() int64 { return t.failures.Load() }

// RecoveryCount returns the running count of inactive->active transitions.
func (t *Tracker) RecoveryCount() int64 { return t.recoveries.Load() }
