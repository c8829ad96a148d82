package leadership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

type fakeConsensus struct {
	mu       sync.Mutex
	isLeader bool
	leader   string
}

func (f *fakeConsensus) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLeader
}

func (f *fakeConsensus) Leader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeConsensus) set(isLeader bool, leader string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isLeader, f.leader = isLeader, leader
}

type fakeTracker struct{ total int }

func (f *fakeTracker) GetTotalActiveCount() int { return f.total }

func startLeaderInfoServer(t *testing.T, addr string, received *[]ClusterInfo, mu *sync.Mutex) {
	t.Helper()
	srv := transport.NewServer(addr, logger.Default())
	srv.RegisterUnary("GetLeaderInfo", func(ctx context.Context, req []byte) ([]byte, error) {
		ci, err := DecodeClusterInfo(req)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		*received = append(*received, ci)
		mu.Unlock()
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	time.Sleep(30 * time.Millisecond)
	t.Cleanup(func() { srv.Close() })
}

func TestSelfPromoteWhenNoConsensusLeaderAndPeersActive(t *testing.T) {
	var received []ClusterInfo
	var mu sync.Mutex
	startLeaderInfoServer(t, "127.0.0.1:19601", &received, &mu)

	cons := &fakeConsensus{isLeader: false, leader: ""}
	tr := &fakeTracker{total: 2}
	kv := storage.NewMemoryKV()
	a := New(cons, tr, kv, transport.NewClient(), metric.NewRegistry("leadership-test-1"), logger.Default(),
		"127.0.0.1:19610", "clusterA", "127.0.0.1:19601")

	a.Tick(context.Background())

	assert.True(t, a.IsPrimary())
	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "clusterA", received[0].ClusterName)
	mu.Unlock()
}

func TestNoSelfPromoteWhenNoPeersActive(t *testing.T) {
	cons := &fakeConsensus{isLeader: false, leader: ""}
	tr := &fakeTracker{total: 0}
	kv := storage.NewMemoryKV()
	a := New(cons, tr, kv, transport.NewClient(), metric.NewRegistry("leadership-test-2"), logger.Default(),
		"127.0.0.1:19611", "clusterA", "127.0.0.1:19699")

	a.Tick(context.Background())
	assert.False(t, a.IsPrimary())
}

func TestReconcileEveryFifthTickPromotesOnRaftLeadership(t *testing.T) {
	var received []ClusterInfo
	var mu sync.Mutex
	startLeaderInfoServer(t, "127.0.0.1:19602", &received, &mu)

	cons := &fakeConsensus{isLeader: true, leader: "127.0.0.1:19612"}
	tr := &fakeTracker{total: 1}
	kv := storage.NewMemoryKV()
	a := New(cons, tr, kv, transport.NewClient(), metric.NewRegistry("leadership-test-3"), logger.Default(),
		"127.0.0.1:19612", "clusterA", "127.0.0.1:19602")

	for i := 0; i < ReconcileEvery; i++ {
		a.Tick(context.Background())
	}

	assert.True(t, a.IsPrimary())
	mu.Lock()
	assert.NotEmpty(t, received)
	mu.Unlock()
	assert.Equal(t, int64(ReconcileEvery), a.Counter())
}

func TestReconcileDemotesWhenRaftLeadershipLost(t *testing.T) {
	cons := &fakeConsensus{isLeader: true, leader: "self"}
	tr := &fakeTracker{total: 1}
	kv := storage.NewMemoryKV()
	a := New(cons, tr, kv, transport.NewClient(), metric.NewRegistry("leadership-test-4"), logger.Default(),
		"127.0.0.1:19613", "clusterA", "127.0.0.1:19999")

	for i := 0; i < ReconcileEvery; i++ {
		a.Tick(context.Background())
	}
	require.True(t, a.IsPrimary())

	cons.set(false, "")
	for i := 0; i < ReconcileEvery; i++ {
		a.Tick(context.Background())
	}
	assert.False(t, a.IsPrimary())
}

func TestLeaderOrNoneSentinel(t *testing.T) {
	cons := &fakeConsensus{isLeader: false, leader: ""}
	tr := &fakeTracker{total: 0}
	kv := storage.NewMemoryKV()
	a := New(cons, tr, kv, transport.NewClient(), metric.NewRegistry("leadership-test-5"), logger.Default(),
		"127.0.0.1:19614", "clusterA", "127.0.0.1:19999")

	assert.Equal(t, None, a.LeaderOrNone())
	cons.set(true, "127.0.0.1:19614")
	assert.Equal(t, "127.0.0.1:19614", a.LeaderOrNone())
}

func TestStartRegistersImmediatelyWhenPrimaryStatusAlreadyPersisted(t *testing.T) {
	var received []ClusterInfo
	var mu sync.Mutex
	startLeaderInfoServer(t, "127.0.0.1:19603", &received, &mu)

	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(context.Background(), "primaryStatus", []byte("1")))

	cons := &fakeConsensus{isLeader: true, leader: "127.0.0.1:19615"}
	tr := &fakeTracker{total: 1}
	a := New(cons, tr, kv, transport.NewClient(), metric.NewRegistry("leadership-test-6"), logger.Default(),
		"127.0.0.1:19615", "clusterA", "127.0.0.1:19603")

	a.Start(context.Background())
	defer a.Stop()

	assert.True(t, a.IsPrimary())
	mu.Lock()
	assert.Len(t, received, 1)
	mu.Unlock()
}
