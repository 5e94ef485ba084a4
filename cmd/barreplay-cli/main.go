package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"barreplay/internal/config"
	"barreplay/internal/engine"
	"barreplay/internal/fetch"
	"barreplay/internal/provider"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
	"barreplay/internal/strategy/builtins"
	"barreplay/internal/util"
)

const version = "0.1.0"

var (
	cfgPath   string
	serverURL string
	logLevel  string
)

// app holds the local components a command needs.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	cache   *store.SQLiteStore
	archive *store.ParquetStore
	orch    *fetch.Orchestrator
	engine  *engine.Engine
}

func openApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := util.NewLogger(level, "text")
	util.SetDefault(logger)

	cache, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	archive := store.NewParquetStore(cfg.Storage.DataDir)
	p, err := provider.FromConfig(cfg, archive)
	if err != nil {
		cache.Close()
		return nil, err
	}
	orch := fetch.New(cache, p, fetch.Options{SymbolTTL: cfg.Fetch.SymbolTTL, Logger: logger})

	reg := strategy.NewRegistry()
	if err := builtins.Register(reg); err != nil {
		cache.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		log:     logger,
		cache:   cache,
		archive: archive,
		orch:    orch,
		engine:  engine.New(reg, orch, cache, cfg.Backtest, logger),
	}, nil
}

func (a *app) Close() error { return a.cache.Close() }

// withApp adapts a command body that needs local components.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "barreplay-cli",
		Short:         "Fetch bars and run bar-replay backtests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.Path(), "config file path")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "barreplay-server base URL; run remotely instead of locally")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "barreplay-cli %s\n", version)
			},
		},
		newSymbolsCmd(),
		newBarsCmd(),
		newBackfillCmd(),
		newStrategiesCmd(),
		newBacktestCmd(),
		newRunsCmd(),
		newExportCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
