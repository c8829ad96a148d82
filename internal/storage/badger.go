package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
)

// BadgerConfig configures the embedded badger KV engine.
type BadgerConfig struct {
	Dir             string
	ValueLogGCEvery time.Duration
}

// DefaultBadgerConfig returns sane defaults for a node's local store.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{Dir: dir, ValueLogGCEvery: 10 * time.Minute}
}

// BadgerKV implements KV on top of dgraph-io/badger/v3, the same embedded
// engine the teacher uses for its own metadata/chunk sink.
type BadgerKV struct {
	db     *badger.DB
	cfg    BadgerConfig
	logger logger.Logger

	gcReclaimedBytes atomic.Int64

	metricLSMSize     prometheus.Gauge
	metricValueLog    prometheus.Gauge
	metricGCReclaimed prometheus.Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerKV opens (or creates) a badger database at cfg.Dir.
func NewBadgerKV(cfg BadgerConfig, log logger.Logger) (*BadgerKV, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Dir, err)
	}

	k := &BadgerKV{
		db:     db,
		cfg:    cfg,
		logger: log,
		metricLSMSize:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "shardmesh_kv_lsm_bytes"}),
		metricValueLog:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "shardmesh_kv_valuelog_bytes"}),
		metricGCReclaimed: prometheus.NewCounter(prometheus.CounterOpts{Name: "shardmesh_kv_gc_reclaimed_bytes_total"}),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}

	interval := cfg.ValueLogGCEvery
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go k.gcLoop(interval)

	return k, nil
}

func (k *BadgerKV) gcLoop(interval time.Duration) {
	defer close(k.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			lsm, vlog := k.db.Size()
			k.metricLSMSize.Set(float64(lsm))
			k.metricValueLog.Set(float64(vlog))
			for k.db.RunValueLogGC(0.5) == nil {
				k.metricGCReclaimed.Inc()
			}
		}
	}
}

func (k *BadgerKV) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return val, nil
}

func (k *BadgerKV) Set(ctx context.Context, key string, value []byte) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func (k *BadgerKV) Delete(ctx context.Context, key string) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (k *BadgerKV) Exists(ctx context.Context, key string) (bool, error) {
	_, err := k.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (k *BadgerKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (k *BadgerKV) Close() error {
	close(k.stopCh)
	<-k.doneCh
	return k.db.Close()
}
