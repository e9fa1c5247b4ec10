// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielhkuo/escrutinio/auth"
	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/cliparse"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/metrics"
	"github.com/danielhkuo/escrutinio/middleware"
	"github.com/danielhkuo/escrutinio/notify"
	"github.com/danielhkuo/escrutinio/readmodel"
	"github.com/danielhkuo/escrutinio/router"
	"github.com/danielhkuo/escrutinio/tally"
)

func main() {
	setupLogging(os.Getenv("LOG_LEVEL"))

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrutinio",
		Short: "E-14 tally reconciliation and aggregation",
		Long: `Escrutinio receives E-14 acts from polling table witnesses, checks that
each act is balanced, stores one record per table and keeps running totals
for the live dashboard.

Flags for every command are parsed the same way; run "escrutinio serve -h"
to list them. Environment variables and a .env file are read as fallbacks.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		configured("serve", "Run the API server", serve),
		initCmd(),
		configured("resync", "Rebuild the aggregate from all records", resync),
		configured("drift", "Compare the stored aggregate with the records", drift),
		configured("admin-key", "Print the admin key for the configured count", printAdminKey),
	)
	return cmd
}

type runFunc func(ctx context.Context, cfg cliparse.Config) error

// configured builds a subcommand whose flags are handled by cliparse.
func configured(use, short string, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if errors.Is(err, flag.ErrHelp) {
				return nil
			}
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func loadConfig(args []string) (cliparse.Config, error) {
	if err := cliparse.LoadDotEnv(".env"); err != nil {
		return cliparse.Config{}, err
	}
	return cliparse.ParseFlags(args)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "init [--wipe]",
		Short:              "Reset the aggregate to zero for the catalog's tables",
		Long:               "Reset the aggregate to zero. With --wipe every record and its evidence is deleted too; without it the records stay, station progress is recounted from them and the relay re-applies their totals.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			wipe := false
			rest := make([]string, 0, len(args))
			for _, a := range args {
				if a == "--wipe" || a == "-wipe" {
					wipe = true
					continue
				}
				rest = append(rest, a)
			}

			cfg, err := loadConfig(rest)
			if errors.Is(err, flag.ErrHelp) {
				return nil
			}
			if err != nil {
				return err
			}
			return initCount(cmd.Context(), cfg, wipe)
		},
	}
}

func openDatabase(cfg cliparse.Config) (*sql.DB, error) {
	dialect, err := db.ParseDialect(cfg.DatabaseType)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.CreateSchema(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("schema creation failed: %w", err)
	}
	return conn, nil
}

func openBus(cfg cliparse.Config) (notify.Bus, func(), error) {
	if cfg.NATSURL == "" {
		return notify.NewBroker(0, slog.Default()), func() {}, nil
	}
	bus, err := notify.ConnectNATS(cfg.NATSURL, "escrutinio."+cfg.CountID, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return bus, func() { bus.Close() }, nil
}

func serve(ctx context.Context, cfg cliparse.Config) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if cat.CountID != "" && cat.CountID != cfg.CountID {
		slog.Warn("catalog count differs from configured count", "catalog", cat.CountID, "configured", cfg.CountID)
	}

	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("Database schema ready", "type", cfg.DatabaseType)

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	store := db.NewStore(conn, bus, slog.Default())
	created, err := store.InitAggregate(ctx, cat.TotalTables())
	if err != nil {
		return err
	}
	if created {
		slog.Info("aggregate initialized", "total_tables", cat.TotalTables())
	}

	m := metrics.New()
	watcher := readmodel.NewWatcher(bus, store, cat, cfg.ShareBase, slog.Default())
	deps := router.Deps{
		Store:    store,
		Catalog:  cat,
		Tallies:  tally.NewService(store, cat, m, slog.Default()),
		Resyncer: tally.NewResyncer(store, cat, m, slog.Default()),
		Watcher:  watcher,
		Metrics:  m,
	}

	server := http.Server{
		Handler:           middleware.CORS(router.NewRouter(deps, cfg)),
		Addr:              ":" + strconv.Itoa(cfg.Port),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Run(ctx)
	})

	g.Go(func() error {
		relay := tally.DeltaRelay{Store: store, Metrics: m, Logger: slog.Default()}
		relay.Run(ctx, cfg.RelayInterval)
		return nil
	})

	g.Go(func() error {
		updates, cancel := watcher.Listen()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case d := <-updates:
				m.TablesCounted(d.TablesCounted)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		slog.Info("Listening", "port", cfg.Port, "count", cfg.CountID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = g.Wait()
	slog.Info("Server closed", "error", err)
	return err
}

func initCount(ctx context.Context, cfg cliparse.Config, wipe bool) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	store := db.NewStore(conn, nil, slog.Default())
	if err := store.Reset(ctx, cat.TotalTables(), wipe); err != nil {
		return err
	}
	slog.Info("aggregate reset", "total_tables", cat.TotalTables(), "wiped_records", wipe)
	return nil
}

func resync(ctx context.Context, cfg cliparse.Config) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	store := db.NewStore(conn, bus, slog.Default())
	snap, err := tally.NewResyncer(store, cat, nil, slog.Default()).Resync(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Resynced %d of %d tables, %d votes\n", snap.TablesCounted, snap.TotalTables, snap.TotalVotes)
	return nil
}

func drift(ctx context.Context, cfg cliparse.Config) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	report, err := tally.NewResyncer(db.NewStore(conn, nil, slog.Default()), cat, nil, slog.Default()).Drift(ctx)
	if err != nil {
		return err
	}
	if report.InSync {
		fmt.Println("Aggregate matches the records")
		return nil
	}
	for _, d := range report.Differences {
		fmt.Println(d)
	}
	return fmt.Errorf("aggregate drifted on %d counters", len(report.Differences))
}

func printAdminKey(_ context.Context, cfg cliparse.Config) error {
	fmt.Println(auth.GenerateAdminKey(cfg.CountID, cfg.AdminKeySalt))
	return nil
}
