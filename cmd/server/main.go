package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"match-arena/internal/api"
	"match-arena/internal/config"
	"match-arena/internal/db"
	"match-arena/internal/match"
	"match-arena/internal/observability"
	"match-arena/internal/risk"
	"match-arena/internal/settle"
	"match-arena/internal/ws"
)

func main() {
	cfg := config.Load()
	log := observability.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer store.Close()
	log.Info().Msg("connected to database")

	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Msg("migrations applied")

	// Realtime fanout. The hub needs the registry and the registry
	// publishes through the hub, so publish goes through a late-bound
	// indirection.
	var hub *ws.Hub
	publish := func(matchID, msgType string, data any) {
		if hub != nil {
			hub.Publish(matchID, msgType, data)
		}
	}

	settler := settle.NewEngine(store, publish, cfg.CancelFeePercent, observability.NewLogger("settle"))

	registry := match.NewRegistry(store, settler, publish, match.Config{
		RakePercent: cfg.RakePercent,
		PauseQuota:  cfg.PauseQuota,
	}, observability.NewLogger("match"))
	if err := registry.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("registry boot")
	}

	srv := api.NewServer(store, registry, cfg, observability.NewLogger("api"))
	hub = ws.NewHub(store, registry, srv.VerifyToken, observability.NewLogger("ws"))
	srv.SetHub(hub)

	reaper := settle.NewReaper(store, settler, nil, observability.NewLogger("reaper"),
		cfg.ReaperInterval, cfg.OpenMatchTTL, cfg.LiveMatchMax, cfg.ReaperBatchSize)
	go reaper.Run(ctx)

	monitor := risk.NewMonitor(store, risk.Config{
		Interval:         cfg.RiskInterval,
		DepositCapCents:  cfg.RiskDepositCapCents,
		WithdrawCapCents: cfg.RiskWithdrawCapCents,
	}, observability.NewLogger("risk"))
	go monitor.Run(ctx)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()

	log.Info().Str("port", cfg.Port).Msg("listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server")
	}
}
