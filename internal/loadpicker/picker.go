// Package loadpicker implements C3: pick the two least-loaded peers by
// polling their heartbeat stats.
package loadpicker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/membership"
	"github.com/shardmesh/shardmesh/internal/transport"
)

// None is the sentinel address returned when no peer is reachable.
const None = "none"

// ProbeTimeout is the 1s per-peer deadline spec §4.3 mandates.
const ProbeTimeout = time.Second

// Stats is the heartbeat stat triple a peer reports over IsAlive, aliased
// to core.NodeStats since that's the wire shape every RPC payload in this
// tree lives in, not something loadpicker owns.
type Stats = core.NodeStats

// Picker selects placement targets from the Membership Tracker's active
// set.
type Picker struct {
	tracker *membership.Tracker
	client  *transport.Client
}

// New constructs a Picker bound to tracker.
func New(tracker *membership.Tracker, client *transport.Client) *Picker {
	return &Picker{tracker: tracker, client: client}
}

type scored struct {
	addr  string
	score float64
	order int // first-reply-wins tie-break
}

// PickTwo returns the two least-loaded reachable peer addresses. If no peer
// is reachable, both return values are None.
func (p *Picker) PickTwo(ctx context.Context) (string, string) {
	active := p.tracker.GetActiveChannels()
	if len(active) == 0 {
		return None, None
	}

	results := make(chan scored, len(active))
	var wg sync.WaitGroup
	var counter int
	var counterMu sync.Mutex
	for addr := range active {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			stats, ok := p.probe(ctx, addr)
			if !ok {
				return
			}
			counterMu.Lock()
			order := counter
			counter++
			counterMu.Unlock()
			results <- scored{addr: addr, score: stats.Score(), order: order}
		}(addr)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var all []scored
	for r := range results {
		all = append(all, r)
	}
	if len(all) == 0 {
		return None, None
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].order < all[j].order // first reply wins on tie
	})

	if len(all) == 1 {
		return all[0].addr, None
	}
	return all[0].addr, all[1].addr
}

// AggregateClusterStats polls IsAlive on every peer the tracker currently
// considers active and returns the per-field average, the same way a
// cluster leader answers the SuperNode's GetClusterStats probe (spec
// §4.9, grounded on original_source/service/FileServer.py's
// getClusterStats: iterate active channels, call isAlive on each, average
// the replies). Falls back to a fully-utilized {100,100,100} reading when
// no peer answers, so an isolated leader never looks artificially
// attractive to the SuperNode's cluster ranking.
func (p *Picker) AggregateClusterStats(ctx context.Context) Stats {
	active := p.tracker.GetActiveChannels()

	var sum Stats
	var n int
	for addr := range active {
		stats, ok := p.probe(ctx, addr)
		if !ok {
			continue
		}
		sum.CPU += stats.CPU
		sum.Disk += stats.Disk
		sum.Mem += stats.Mem
		n++
	}
	if n == 0 {
		return Stats{CPU: 100, Disk: 100, Mem: 100}
	}
	return Stats{CPU: sum.CPU / float64(n), Disk: sum.Disk / float64(n), Mem: sum.Mem / float64(n)}
}

// probe requests a peer's heartbeat stat triple over IsAlive (spec §4.3:
// "requests a heartbeat stat triple ... from each reachable peer"; spec
// §6's wire table confirms IsAlive, not GetClusterStats, carries
// {cpu,disk,mem} peer-to-peer).
func (p *Picker) probe(ctx context.Context, addr string) (Stats, bool) {
	callCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	resp, err := p.client.Call(callCtx, addr, "IsAlive", nil)
	if err != nil {
		return Stats{}, false
	}
	s, err := core.DecodeNodeStats(resp)
	if err != nil {
		return Stats{}, false
	}
	return s, true
}

// EncodeStats/DecodeStats serialize a Stats triple, delegating to
// core.EncodeNodeStats/DecodeNodeStats so every IsAlive/GetClusterStats
// payload in the tree shares one wire format.
func EncodeStats(s Stats) ([]byte, error) { return core.EncodeNodeStats(s) }
func DecodeStats(b []byte) (Stats, error) { return core.DecodeNodeStats(b) }

// RegisterStatsHandler wires the GetClusterStats RPC a cluster leader
// answers for the SuperNode's cluster ranking (spec §6: super→leader
// only). statsFn is called fresh on every probe; a leader normally passes
// Picker.AggregateClusterStats bound to its own tracker.
func RegisterStatsHandler(srv *transport.Server, statsFn func() Stats) {
	srv.RegisterUnary("GetClusterStats", func(ctx context.Context, req []byte) ([]byte, error) {
		return EncodeStats(statsFn())
	})
}
