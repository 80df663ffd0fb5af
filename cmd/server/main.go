package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/astromechza/livedraw/pkg/accounts"
	"github.com/astromechza/livedraw/pkg/api"
	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/config"
	"github.com/astromechza/livedraw/pkg/database"
	"github.com/astromechza/livedraw/pkg/history"
	"github.com/astromechza/livedraw/pkg/hub"
	"github.com/astromechza/livedraw/pkg/ink"
	"github.com/astromechza/livedraw/pkg/payment"
	"github.com/astromechza/livedraw/pkg/session"
	"github.com/astromechza/livedraw/pkg/strokes"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func mainInner() error {
	flagSet := pflag.NewFlagSet("livedraw-server", pflag.ContinueOnError)
	configPath := flagSet.String("config", os.Getenv(config.EnvVar), "path to the YAML config file (default $"+config.EnvVar+")")
	addr := flagSet.String("addr", "", "the address to listen on, overrides the config file")
	dbPath := flagSet.String("database", "", "the sqlite database path, overrides the config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	clk := clock.Real()
	store, err := strokes.New(ctx, db, clk, logger.With("component", "strokes"))
	if err != nil {
		return err
	}
	ledger := ink.New(db, clk, cfg.Ink.InitialBalance, logger.With("component", "ink"))
	registry := session.NewRegistry(logger.With("component", "session"))
	paginator, err := history.New(store, cfg.History.PageSize)
	if err != nil {
		return err
	}
	accts, err := accounts.New(
		db, ledger,
		accounts.NewCookieStore([]byte(cfg.Session.Key), cfg.Session.SecureCookie, cfg.Session.MaxAge),
		clk, logger.With("component", "accounts"),
	)
	if err != nil {
		return err
	}

	s := api.New(cfg, api.Deps{
		Database: db,
		Store:    store,
		Ledger:   ledger,
		Registry: registry,
		Hub: hub.New(registry, ledger, store, hub.Options{
			StrokeCost: cfg.Ink.StrokeCost,
			Width:      cfg.Canvas.Width,
			Height:     cfg.Canvas.Height,
		}, logger.With("component", "hub")),
		History:  paginator,
		Accounts: accts,
		Payments: payment.New(db, ledger, cfg.Payment.Currency, clk, logger.With("component", "payment")),
		Clock:    clk,
		Logger:   logger,
	})

	httpServer := &http.Server{Addr: cfg.Listen, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	var listenErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Listening", "addr", cfg.Listen, "head", store.Head())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr = fmt.Errorf("server listen failed: %w", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		logger.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down cleanly", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()
	logger.Info("Stopped", "head", store.Head())
	return listenErr
}
