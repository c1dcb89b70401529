// Command collector runs the XRPL validator telemetry collector: it
// subscribes to a rippled validator's event streams, polls its admin
// HTTP APIs, reconciles validation agreement against ledger consensus,
// and publishes everything to a Prometheus-compatible TSDB while also
// serving a small real-time HTTP API of its own.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/config"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/exporter"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/handlers"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/logging"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/poller"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/reconcile"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/state"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/supervisor"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "collector exited:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := tsdb.New(tsdb.Options{BaseURL: cfg.VictoriaMetricsURL}, log)
	if !writer.HealthCheck(ctx) {
		return fmt.Errorf("tsdb at %s is not reachable", cfg.VictoriaMetricsURL)
	}

	stateManager := state.New(writer, cfg.StateDir, log)
	if err := stateManager.ValidateDirectory(); err != nil {
		return fmt.Errorf("state directory validation failed: %w", err)
	}

	client := rippled.New(cfg.RippledWSURL, cfg.RippledHTTPURL, rippled.Options{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		MaxHeartbeatMisses:   cfg.MaxHeartbeatMisses,
		MaxReconnectAttempts: cfg.MaxReconnectTries,
	}, log)

	engine := reconcile.New(writer, reconcile.RealClock, cfg.ValidatorPublicKey, cfg.InstanceLabel, reconcile.Options{
		GracePeriod:       cfg.GracePeriod,
		LateRepairWindow:  cfg.LateRepairWindow,
		CleanupAge:        cfg.CleanupAge,
		ReconcileInterval: cfg.ReconcileInterval,
	}, log)

	engine.RecoverFromTSDB(ctx)

	ledgerHandler := handlers.NewLedgerHandler(writer, engine, cfg.InstanceLabel, log)
	serverHandler := handlers.NewServerHandler(writer, cfg.InstanceLabel, log)

	handlerSet := rippled.HandlerSet{
		OnLedgerClosed: func(e rippled.LedgerClosed) {
			ledgerHandler.HandleLedgerClosed(ctx, e)
		},
		OnServerStatus: func(e rippled.ServerStatus) {
			serverHandler.HandleServerStatus(ctx, e)
		},
		OnValidationReceived: func(e rippled.ValidationReceived) {
			engine.OnValidation(ctx, e)
		},
	}

	cpuPoller := poller.NewCPUPoller(writer, cfg.InstanceLabel, cfg.DockerContainer, cfg.PollInterval, log)
	serverInfoPoller := poller.NewServerInfoPoller(client, writer, cfg.InstanceLabel, cfg.PollInterval, log)
	peersPoller := poller.NewPeersPoller(client, writer, cfg.InstanceLabel, cfg.DockerContainer, cfg.PeersPollInterval, log)
	serverStatePoller := poller.NewServerStatePoller(client, writer, cfg.InstanceLabel, cfg.RippledDataPath, cfg.RippledNuDBPath, 300*time.Second, log)

	store := exporter.NewStore()
	exporterState := exporter.NewStatePoller(client, store, cfg.PollInterval, log)
	exporterPeers := exporter.NewPeersPoller(client, store, cfg.PeersPollInterval, log)
	exporterCrawl := exporter.NewCrawlPoller(store, cfg.RippledHost, cfg.PeerCrawlPort, cfg.PeerCrawlInterval, log)
	httpServer := exporter.New(store, engine, cfg.InstanceLabel, fmt.Sprintf(":%d", cfg.ExporterPort), log)

	go engine.Run(ctx)
	go cpuPoller.Run(ctx)
	go serverInfoPoller.Run(ctx)
	go peersPoller.Run(ctx)
	go serverStatePoller.Run(ctx)
	go exporterState.Run(ctx)
	go exporterPeers.Run(ctx)
	go exporterCrawl.Run(ctx)
	go stateManager.Run(ctx, 5*time.Minute)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("exporter http server stopped", "error", err)
		}
	}()

	sup := supervisor.New(client, []string{"ledger", "server", "validations"}, log)
	err = sup.Run(ctx, handlerSet)

	engine.FlushMetrics(context.Background())
	httpServer.Shutdown(context.Background())

	return err
}
