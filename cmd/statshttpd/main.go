// statshttpd ingests the pool's share log and serves rolling
// per-worker, per-user and pool-wide statistics over HTTP.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bkartel1/btcpool/internal/api"
	"github.com/bkartel1/btcpool/internal/config"
	"github.com/bkartel1/btcpool/internal/newrelic"
	"github.com/bkartel1/btcpool/internal/profiling"
	"github.com/bkartel1/btcpool/internal/server"
	"github.com/bkartel1/btcpool/internal/sharelog"
	"github.com/bkartel1/btcpool/internal/stats"
	"github.com/bkartel1/btcpool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("statshttpd v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("statshttpd v%s starting", version)

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Warnf("Failed to start profiling server: %v", err)
	}

	source, err := sharelog.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partition, cfg.Kafka.GroupID)
	if err != nil {
		util.Fatalf("Failed to create share log consumer: %v", err)
	}

	registry := stats.NewRegistry(nil)
	apiServer := api.NewServer(cfg, registry, agent)
	statsServer := server.New(cfg, registry, source, apiServer, agent)

	if err := statsServer.Start(); err != nil {
		util.Fatalf("Failed to start stats server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("statshttpd started. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	statsServer.Stop()
	profiler.Stop()
	agent.Stop()

	util.Info("statshttpd stopped")
}
