package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"barreplay/internal/api"
	"barreplay/internal/config"
	"barreplay/internal/engine"
	"barreplay/internal/fetch"
	"barreplay/internal/gather"
	"barreplay/internal/httpapi"
	"barreplay/internal/live"
	"barreplay/internal/provider"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
	"barreplay/internal/strategy/builtins"
	"barreplay/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	// Create stores.
	cache, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer cache.Close()
	archive := store.NewParquetStore(cfg.Storage.DataDir)

	p, err := provider.FromConfig(cfg, archive)
	if err != nil {
		log.Fatalf("creating provider: %v", err)
	}
	orch := fetch.New(cache, p, fetch.Options{SymbolTTL: cfg.Fetch.SymbolTTL, Logger: logger})

	reg := strategy.NewRegistry()
	if err := builtins.Register(reg); err != nil {
		log.Fatalf("registering strategies: %v", err)
	}
	eng := engine.New(reg, orch, cache, cfg.Backtest, logger)

	model := live.NewModel()
	httpSrv := httpapi.NewServer(orch, eng, live.NewServer(model, logger), logger)
	svc := api.NewService(orch, eng, model, logger)
	srv := api.NewServer(cfg.Server, svc, httpSrv.Handler(), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if len(cfg.Gather.Series) > 0 {
		gatherer := gather.NewSyncGatherer(orch, archive, cfg.Gather)
		g.Go(func() error {
			slog.Info("starting gatherer", "name", gatherer.Name(), "series", len(cfg.Gather.Series))
			return gatherer.Run(ctx)
		})
	}

	if len(cfg.Live.Series) > 0 {
		if orch.Exchange() != "binance" {
			slog.Warn("live stream only supports binance, skipping", "provider", orch.Exchange())
		} else {
			stream := live.NewStream(cache, model, live.StreamOptions{URL: cfg.Binance.WSURL, Logger: logger})
			for _, s := range cfg.Live.Series {
				g.Go(func() error { return stream.Run(ctx, s.Symbol, s.Timeframe) })
			}
		}
	}

	slog.Info("barreplay-server started", "provider", p.Name(),
		"http_port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort)
	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "error", err)
		cancel()
		return
	}
	slog.Info("barreplay-server stopped")
}
