// Package main provides the entry point for shardmesh-super.
//
// shardmesh-super is the SuperNode process: the single cross-cluster entry
// point clients and cluster leaders both talk to. It holds no raft
// consensus of its own; it only tracks which cluster leader is currently
// registered and forwards calls to it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shardmesh/shardmesh/internal/config"
	"github.com/shardmesh/shardmesh/internal/shutdown"
	"github.com/shardmesh/shardmesh/internal/storage"
	"github.com/shardmesh/shardmesh/internal/supernode"
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
		fmt.Printf("shardmesh-super %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return nil
	}

	cfg, err := config.LoadSuperNodeConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("starting shardmesh-super", "version", version, "commit", commit, "addr", cfg.BindAddr)

	kv, err := storage.NewBadgerKV(storage.DefaultBadgerConfig(cfg.KVDataDir), log)
	if err != nil {
		return fmt.Errorf("init kv store: %w", err)
	}

	client := transport.NewClient()
	metrics := metric.NewRegistry("supernode")

	router := supernode.New(kv, client, metrics, log)

	srv := transport.NewServer(cfg.BindAddr, log)
	router.RegisterHandlers(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down rpc server")
		return srv.Close()
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

	log.Info("supernode started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("supernode stopped gracefully")
	return nil
}
