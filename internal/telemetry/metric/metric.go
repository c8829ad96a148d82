// Package metric provides internal Prometheus-typed counters and gauges
// for shardmesh. Registered against a private prometheus.Registry that this
// process never exposes over HTTP: Prometheus exposition is out of scope
// (spec §1), but the metric types themselves are ordinary internal
// bookkeeping, the same way the teacher's badger storage engine uses
// prometheus.Gauge/Counter fields without ever wiring a /metrics handler.
package metric

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds shardmesh's internal counters and gauges.
type Registry struct {
	reg *prometheus.Registry

	MembershipActive        prometheus.Gauge
	MembershipFailures      prometheus.Counter
	MembershipRecoveries    prometheus.Counter
	LeaderElections         prometheus.Counter
	LeaderChanges           prometheus.Counter
	CacheHits               prometheus.Counter
	CacheMisses             prometheus.Counter
	CacheEvictions          prometheus.Counter
	ReplicationSuccesses    prometheus.Counter
	ReplicationFailures     prometheus.Counter
	UploadsAccepted         prometheus.Counter
	UploadsRejected         prometheus.Counter
}

// NewRegistry constructs and registers shardmesh's internal metric set.
// namespace is typically the process role ("node" or "supernode").
func NewRegistry(namespace string) *Registry {
	namespace = sanitizeSubsystem(namespace)
	reg := prometheus.NewRegistry()

	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "shardmesh", Subsystem: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	newGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "shardmesh", Subsystem: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Registry{
		reg:                  reg,
		MembershipActive:     newGauge("membership_active_peers", "active member count, self included"),
		MembershipFailures:   newCounter("membership_failures_total", "peer liveness probes that transitioned active->inactive"),
		MembershipRecoveries: newCounter("membership_recoveries_total", "peer liveness probes that transitioned inactive->active"),
		LeaderElections:      newCounter("leader_elections_total", "self-promotions to cluster leader"),
		LeaderChanges:        newCounter("leader_changes_total", "primaryStatus transitions in either direction"),
		CacheHits:            newCounter("cache_hits_total", "hybrid cache hits"),
		CacheMisses:          newCounter("cache_misses_total", "hybrid cache misses"),
		CacheEvictions:       newCounter("cache_evictions_total", "hybrid cache score-based evictions"),
		ReplicationSuccesses: newCounter("replication_successes_total", "background shard/metadata replications that succeeded"),
		ReplicationFailures:  newCounter("replication_failures_total", "background shard/metadata replications that failed"),
		UploadsAccepted:      newCounter("uploads_accepted_total", "full uploads committed"),
		UploadsRejected:      newCounter("uploads_rejected_total", "full uploads rejected (any reason)"),
	}
}

// sanitizeSubsystem maps an arbitrary caller-supplied label (often a test
// name or a listen address) onto the character set Prometheus metric name
// components require: callers outside this package should not need to know
// that subsystem names may only contain [a-zA-Z0-9_].
func sanitizeSubsystem(namespace string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, namespace)
}

// Gather exposes the underlying registry's Gather for test assertions and
// for an operator tool to dump a point-in-time snapshot; it is never served
// over HTTP by shardmesh itself.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
