package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/params"
	"github.com/uhyunpark/hypermargin/pkg/api"
	"github.com/uhyunpark/hypermargin/pkg/app/core/account"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/oracle"
	"github.com/uhyunpark/hypermargin/pkg/util"
	"github.com/uhyunpark/hypermargin/pkg/venue"
	"github.com/uhyunpark/hypermargin/pkg/venue/remote"
	"github.com/uhyunpark/hypermargin/pkg/venue/sim"
)

// flags override values loaded from the environment
type flags struct {
	envFile    string
	apiAddr    string
	dbPath     string
	logFile    string
	logLevel   string
	markets    string
	venueURL   string
	ackTimeout int
	memory     bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "hypermargin-node",
		Short:        "Cross-margin account and order mediation node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.envFile, "env", "", "path to .env file (default ./.env)")
	pf.StringVar(&f.markets, "markets", "", "YAML token/market table (overrides MARKETS_FILE)")

	fl := cmd.Flags()
	fl.StringVar(&f.apiAddr, "api-addr", "", "REST/WebSocket listen address (overrides API_ADDR)")
	fl.StringVar(&f.dbPath, "db", "", "Pebble directory (overrides DB_PATH)")
	fl.BoolVar(&f.memory, "memory", false, "keep state in memory only")
	fl.StringVar(&f.logFile, "log-file", "", "log file (overrides LOG_FILE)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")
	fl.StringVar(&f.venueURL, "venue-url", "", "external matching engine; disables the simulated venue")
	fl.IntVar(&f.ackTimeout, "ack-timeout-ms", 0, "venue acknowledgement window (overrides ACK_TIMEOUT_MS)")

	cmd.AddCommand(marketsCmd(&f))
	return cmd
}

func marketsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "Print the configured tokens and markets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *f)
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Tokens  []*market.Token  `json:"tokens"`
				Markets []*market.Market `json:"markets"`
			}{reg.Tokens(), reg.ListMarkets()})
		},
	}
}

func loadConfig(cmd *cobra.Command, f flags) (params.Config, error) {
	cfg, err := params.LoadFromEnv(f.envFile)
	if err != nil {
		return params.Config{}, fmt.Errorf("config: %w", err)
	}
	if f.apiAddr != "" {
		cfg.API.Addr = f.apiAddr
	}
	if f.dbPath != "" {
		cfg.Storage.DBPath = f.dbPath
	}
	if f.memory {
		cfg.Storage.DBPath = ""
	}
	if f.logFile != "" {
		cfg.Log.File = f.logFile
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.markets != "" {
		cfg.MarketsFile = f.markets
	}
	if f.venueURL != "" {
		cfg.Venue.URL = f.venueURL
		cfg.Venue.Simulated = false
	}
	if cmd.Flags().Changed("ack-timeout-ms") {
		cfg.Venue.AckTimeout = time.Duration(f.ackTimeout) * time.Millisecond
	}
	return cfg, cfg.Validate()
}

func run(parent context.Context, cfg params.Config) error {
	// Setup logging (write to both console and file)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}

	// ---- Prices: settle tokens are pinned at 1 ----
	clock := util.RealClock{}
	feed := oracle.NewFeed(clock, settleTokens(reg)...)

	// ---- Storage ----
	var store *account.PebbleStore
	if cfg.Storage.DBPath == "" {
		store, err = account.NewMemStore()
		sugar.Warn("storage_in_memory - state is lost on exit")
	} else {
		store, err = account.NewStore(cfg.Storage.DBPath)
	}
	if err != nil {
		return err
	}

	coord := account.NewCoordinator(account.Options{
		Registry:   reg,
		Prices:     feed,
		Store:      store,
		Clock:      clock,
		Logger:     sugar,
		AckTimeout: cfg.Venue.AckTimeout,
	})
	defer func() {
		if err := coord.Close(); err != nil {
			sugar.Errorw("store_close_failed", "err", err)
		}
	}()

	// ---- Venue ----
	var (
		v     venue.Venue
		books api.Books
		simV  *sim.Venue
	)
	if cfg.Venue.Simulated {
		simV = sim.New(reg, clock, sugar.Named("sim"))
		simV.SetSink(coord)
		v, books = simV, simV
		sugar.Infow("venue_simulated")
	} else {
		v = remote.New(remote.Config{
			BaseURL:       cfg.Venue.URL,
			Timeout:       cfg.Venue.AckTimeout,
			CancelRetries: cfg.Venue.CancelRetries,
		}, sugar.Named("venue"))
		sugar.Infow("venue_remote", "url", cfg.Venue.URL)
	}
	coord.SetVenue(v)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stale Pending orders from before the restart are expired here
	n, err := coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	sugar.Infow("node_starting",
		"accounts", n,
		"markets", len(reg.ListMarkets()),
		"ack_timeout_ms", cfg.Venue.AckTimeout.Milliseconds())

	go coord.RunSweeper(ctx, cfg.Venue.PendingSweep)

	// ---- API Server ----
	apiServer := api.NewServer(api.Options{
		Coordinator: coord,
		Registry:    reg,
		Prices:      feed,
		Books:       books,
		Logger:      sugar.Named("api"),
		CORSOrigins: cfg.API.CORSOrigins,
	})

	// Trades move the mark price and refresh book subscribers
	if simV != nil {
		simV.OnTrade(func(symbol string, price decimal.Decimal) {
			if err := feed.SetMark(symbol, price); err != nil {
				sugar.Warnw("mark_update_failed", "market", symbol, "err", err)
			}
			apiServer.BroadcastOrderbook(symbol)
		})
	}

	if err := apiServer.Run(ctx, cfg.API.Addr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
		return err
	}
	sugar.Info("node_stopped")
	return nil
}

func settleTokens(reg *market.Registry) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range reg.ListMarkets() {
		if !seen[m.SettleToken] {
			seen[m.SettleToken] = true
			out = append(out, m.SettleToken)
		}
	}
	return out
}
