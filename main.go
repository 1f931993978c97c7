package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/alert"
	"execution-core/internal/api"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/notify"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/sim"
	"execution-core/pkg/kv"
	"execution-core/pkg/lock"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] config load failed: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Printf("[main] starting execution core %s (dry_run=%v venue=%s port=%s)",
		buildVersion, cfg.DryRun, cfg.Venue, cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[main] db init failed: %v", err)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		log.Fatalf("[main] db migrations failed: %v", err)
	}
	queries := db.NewQueries(database.DB)

	// Core plumbing. The kv store backs anti-churn markers, the kill-switch
	// flag and cluster locks; the bus fans events out to metrics and sinks.
	bus := events.NewBus()
	store := kv.NewMemoryStore()
	locks := lock.NewManager(store)

	killSwitch := alert.NewKillSwitch(store, locks, queries, bus)
	if killSwitch.Engaged() {
		log.Println("[main] kill switch is engaged; admissions will be denied until cleared")
	}

	// In-memory position state seeded from DB.
	stateMgr := state.NewManager(queries)
	if err := stateMgr.Load(ctx); err != nil {
		log.Fatalf("[main] state load failed: %v", err)
	}

	limits, err := config.LoadRiskLimits(cfg.RiskLimitsPath)
	if err != nil {
		log.Fatalf("[main] risk limits load failed: %v", err)
	}
	// Operator updates persist a snapshot; it wins over defaults when no
	// limits file is configured.
	if cfg.RiskLimitsPath == "" {
		if payload, err := queries.LoadRiskLimits(ctx); err == nil {
			if err := json.Unmarshal([]byte(payload), &limits); err != nil {
				log.Printf("[main] WARN: persisted risk limits unreadable: %v", err)
			}
		}
	}
	riskMgr := risk.NewManager(limits, store, killSwitch, stateMgr, bus)
	config.WatchRiskLimits(cfg.RiskLimitsPath, cfg.RiskReloadPeriod, riskMgr, ctx.Done())

	// Gateway selection. Live venues need credentials wired in; everything
	// else runs against the simulated venue.
	var gateway exchange.Gateway
	venue := cfg.Venue
	switch {
	case cfg.DryRun || cfg.Venue == "sim":
		venue = "sim"
		gateway = sim.New(sim.Config{
			FillRatio:           cfg.SimFillRatio,
			FeeRate:             cfg.SimFeeRate,
			SlippageBps:         cfg.SimSlippageBps,
			GatewayLatencyMinMs: cfg.SimGwLatencyMinMs,
			GatewayLatencyMaxMs: cfg.SimGwLatencyMaxMs,
		})
		log.Println("[main] dry-run mode: orders route to the simulated venue")
	default:
		log.Fatalf("[main] unsupported venue %q (set VENUE=sim or DRY_RUN=true)", cfg.Venue)
	}
	limiter := exchange.NewRateLimiter(exchange.DefaultRateLimits())

	ordCfg := order.DefaultConfig()
	ordCfg.FillAwaitWindow = cfg.FillAwaitWindow
	ordCfg.PartialFillPolicy = order.PartialFillPolicy(cfg.PartialFillPolicy)
	ordCfg.MaxRetryAttempts = cfg.MaxRetryAttempts
	ordCfg.MaxFundingRate = cfg.MaxFundingRate
	orderMgr := order.NewManager(ordCfg, riskMgr, stateMgr, gateway, limiter, queries, bus)

	// Exchange fill stream keeps fees and average prices current between
	// status polls.
	if streamer, ok := gateway.(exchange.FillStreamer); ok {
		tracker := order.NewFillTracker(stateMgr, streamer)
		go tracker.Run(ctx)
	}

	// Rolling-metric escalation. Breaches engage the kill switch.
	thresholds := alert.DefaultThresholds()
	thresholds.Window = cfg.AlertWindow
	thresholds.MaxDrawdownUSD = cfg.MaxDrawdownUSD
	alerts := alert.NewManager(queries, killSwitch, bus, thresholds)
	alerts.Start(ctx, cfg.AlertInterval)

	// Reconciliation must complete once before any order is accepted.
	reconCfg := reconciliation.DefaultConfig()
	reconCfg.Interval = cfg.ReconInterval
	recon := reconciliation.NewService(reconCfg, gateway, limiter, stateMgr, queries, locks, killSwitch, bus)
	if err := recon.Start(ctx); err != nil {
		log.Fatalf("[main] startup reconciliation failed: %v", err)
	}

	// Observability off the event bus.
	monitor.New(bus).Start(ctx)
	hub := notify.NewHub()
	sinks := []notify.Sink{hub}
	if cfg.WebhookURL != "" {
		wh := notify.NewWebhook(cfg.WebhookURL)
		defer wh.Close()
		sinks = append(sinks, wh)
		log.Printf("[main] webhook sink enabled: %s", cfg.WebhookURL)
	}
	notify.NewDispatcher(bus, sinks...).Start(ctx)

	server := api.NewServer(bus, queries, riskMgr, orderMgr, stateMgr, recon, alerts, hub, api.SystemMeta{
		DryRun:  cfg.DryRun,
		Venue:   venue,
		Version: buildVersion,
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		log.Printf("[main] api listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] api server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[main] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] WARN: api shutdown: %v", err)
	}
}
