// Package main provides the entry point for shardmesh-node.
//
// shardmesh-node is the cluster-member process: it runs raft leader
// election for its own cluster, registers with the SuperNode whenever it
// is promoted, and serves the full node RPC surface (uploads, downloads,
// search, delete, listing, chunk placement) regardless of its current
// leadership status, gated internally by leadership.Agent.IsPrimary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shardmesh/shardmesh/internal/cache"
	"github.com/shardmesh/shardmesh/internal/clusterleader"
	"github.com/shardmesh/shardmesh/internal/config"
	"github.com/shardmesh/shardmesh/internal/core"
	"github.com/shardmesh/shardmesh/internal/leadership"
	"github.com/shardmesh/shardmesh/internal/loadpicker"
	"github.com/shardmesh/shardmesh/internal/membership"
	"github.com/shardmesh/shardmesh/internal/shutdown"
	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/sysstats"
	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
	"github.com/shardmesh/shardmesh/internal/telemetry/metric"
	"github.com/shardmesh/shardmesh/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("shardmesh-node %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return nil
	}

	cfg, err := config.LoadNodeConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("starting shardmesh-node",
		"version", version, "commit", commit,
		"node_id", cfg.NodeID, "cluster", cfg.ClusterName)

	kv, err := storage.NewBadgerKV(storage.DefaultBadgerConfig(cfg.KVDataDir), log)
	if err != nil {
		return fmt.Errorf("init kv store: %w", err)
	}

	client := transport.NewClient()
	metrics := metric.NewRegistry("node")

	raftNode, err := leadership.NewRaftNode(leadership.RaftConfig{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.RaftAddr,
		DataDir:   cfg.RaftDataDir,
		Bootstrap: cfg.Bootstrap,
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("init raft: %w", err)
	}

	tracker := membership.New(cfg.BindAddr, cfg.AddressListPath, client, metrics, log)
	tracker.Start()

	agent := leadership.New(raftNode, tracker, kv, client, metrics, log, cfg.BindAddr, cfg.ClusterName, cfg.SuperNodeAddr)

	picker := loadpicker.New(tracker, client)

	c := cache.New(cfg.CacheCapacity,
		cache.WithWeights(cfg.CacheFreqWeight, cfg.CacheRecWeight),
		cache.WithEvictHandler(cache.DeleteArtifact))

	limiter := clusterleader.NewBandwidthLimiter(cfg.ReplicationBandwidthMBps)

	leader := clusterleader.New(kv, client, c, picker, tracker, agent, metrics, log, limiter, cfg.BindAddr, cfg.CacheDir)

	srv := transport.NewServer(cfg.BindAddr, log)
	leader.RegisterHandlers(srv)
	membership.RegisterAliveHandler(srv, func() core.NodeStats { return sysstats.Collect(cfg.KVDataDir) })
	loadpicker.RegisterStatsHandler(srv, func() loadpicker.Stats { return picker.AggregateClusterStats(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent.Start(ctx)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down rpc server")
		return srv.Close()
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("stopping leadership agent")
		agent.Stop()
		return nil
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("stopping membership tracker")
		tracker.Stop()
		return nil
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("closing raft node")
		return raftNode.Close()
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("closing kv store")
		return kv.Close()
	})

	go func() {
		log.Info("rpc server listening", "addr", cfg.BindAddr)
		if err := srv.Serve(ctx); err != nil {
			log.Error("rpc server error", "error", err)
		}
	}()

	log.Info("node started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("node stopped gracefully")
	return nil
}
