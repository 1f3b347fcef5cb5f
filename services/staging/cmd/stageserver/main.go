package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"buildstage/pkg/bus"
	"buildstage/pkg/db"
	"buildstage/pkg/telemetry"
	"buildstage/services/staging/downloader"
	"buildstage/services/staging/events"
	"buildstage/services/staging/history"
	"buildstage/services/staging/internal/config"
	"buildstage/services/staging/server"
	"buildstage/services/staging/stager"
)

func main() {
	configPath := flag.String("config", os.Getenv("BUILDSTAGE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run("stageserver", *configPath); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	observers := downloader.Observers{downloader.NewMetrics(prometheus.DefaultRegisterer)}
	var (
		hist  server.HistoryReader
		ready func(ctx context.Context) error
		nbus  *bus.Bus
	)

	if cfg.Database.URL != "" {
		pool, err := db.OpenAndMigrate(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()

		store, err := history.New(pool, logger.Named("history"))
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		observers = append(observers, store)
		hist = store
		ready = func(ctx context.Context) error { return db.Ping(ctx, pool) }
	} else {
		logger.Info("download history disabled, no database configured")
	}

	if cfg.NATS.URL != "" {
		nbus, err = bus.New(cfg.NATS.URL, logger.Named("bus"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nbus.Close()

		if err := nbus.EnsureStream(events.StreamName, events.Subjects()...); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		publisher, err := events.NewObserver(nbus, logger.Named("events"))
		if err != nil {
			return fmt.Errorf("init event publisher: %w", err)
		}
		observers = append(observers, publisher)
	}

	opts := cfg.DownloaderOptions()
	opts.Observer = observers

	var android *downloader.AndroidBuildClient
	if cfg.Android.APIBase != "" {
		android, err = downloader.NewAndroidBuildClient(cfg.Android.APIBase, cfg.Android.Token, nil)
		if err != nil {
			return fmt.Errorf("init android build client: %w", err)
		}
	}

	st, err := stager.New(stager.Config{
		StaticDir:     cfg.StaticDir,
		ArchivePrefix: cfg.ArchivePrefix,
		Options:       opts,
		Android:       android,
		Logger:        logger.Named("stager"),
	})
	if err != nil {
		return fmt.Errorf("init stager: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close object stores", zap.Error(err))
		}
	}()

	srv, err := server.New(server.Config{
		Stager:  st,
		History: hist,
		Ready:   ready,
		Logger:  logger.Named("server"),
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	if nbus != nil {
		if err := srv.Start(ctx, nbus); err != nil {
			return err
		}
		defer srv.Close()
	}

	routes, err := srv.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: middleware(routes),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Info("listening", zap.String("addr", httpServer.Addr), zap.String("static_dir", cfg.StaticDir))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", zap.Error(err))
		return err
	}

	logger.Info("waiting for background downloads")
	st.Wait()
	return nil
}
