package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stoppagemap/internal/config"
	"stoppagemap/internal/display"
	"stoppagemap/internal/gps"
	"stoppagemap/internal/logging"
	"stoppagemap/internal/maps"
	"stoppagemap/internal/metrics"
	"stoppagemap/internal/publisher"
	"stoppagemap/internal/storage"
	"stoppagemap/internal/telemetry"
	"stoppagemap/internal/trace"
	"stoppagemap/internal/web"
	"stoppagemap/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger := logging.NewStructuredLogger(os.Stdout, level)
	slog.SetDefault(logger)

	var store *storage.Store
	if cfg.ArchivePath != "" {
		store, err = storage.Open(cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer logging.SafeClose(store, logger, "close archive")

		if err := store.InitSchema(context.Background()); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	source, err := buildSource(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("telemetry source: %w", err)
	}

	formatter, err := display.NewFormatter(cfg.DisplayLocale, cfg.DisplayLocation)
	if err != nil {
		return fmt.Errorf("DISPLAY_LOCALE: %w", err)
	}
	policy, err := gps.ParseEndPolicy(cfg.StoppageEndPolicy)
	if err != nil {
		return fmt.Errorf("STOPPAGE_END_POLICY: %w", err)
	}

	collector := metrics.NewCollector()
	snapshots := trace.NewPublisher(logger)

	if cfg.NATSURL != "" {
		natsPublisher, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logging.LogError(logger, "nats unavailable, notifications disabled", err)
		} else {
			defer natsPublisher.Close()
			snapshots.Subscribe(natsPublisher)
		}
	}

	pipeline := &trace.Pipeline{
		Loader:        &telemetry.Loader{Source: source, Logger: logger},
		Options:       gps.DeriveOptions{EndPolicy: policy},
		Formatter:     formatter,
		Publisher:     snapshots,
		ArchiveRetain: cfg.ArchiveMaxTraces,
		Metrics:       collector,
		Logger:        logger,
	}
	if store != nil {
		pipeline.Archive = store
	}

	// A reload must finish inside the write timeout: one telemetry fetch plus
	// one annotation call, which the Overpass client bounds as a whole.
	cycle := time.Duration(cfg.TelemetryTimeoutSec) * time.Second
	if cfg.AnnotationEnabled() {
		overpassTimeout := time.Duration(cfg.OverpassTimeoutSec) * time.Second
		pipeline.MapAPI = &maps.OverpassClient{
			BaseURL:    cfg.OverpassURL,
			MirrorURLs: cfg.OverpassURLs,
			Timeout:    overpassTimeout,
			CacheTTL:   time.Duration(cfg.OverpassCacheHours) * time.Hour,
			Radius:     cfg.OverpassRadiusMeters,
		}
		cycle += overpassTimeout
	}

	webConfig := web.Config{
		Publisher: snapshots,
		Reloader:  pipeline,
		Lang:      formatter.Tag().String(),
		Logger:    logger,
		Map: web.MapOptions{
			CenterLat:     cfg.MapCenterLat,
			CenterLon:     cfg.MapCenterLon,
			Zoom:          cfg.MapZoom,
			TileURL:       cfg.MapTileURL,
			IconURL:       cfg.MapIconURL,
			IconRetinaURL: cfg.MapIconRetinaURL,
			ShadowURL:     cfg.MapShadowURL,
		},
	}
	if store != nil {
		webConfig.Archive = store
	}
	if cfg.MetricsAddr == "" {
		webConfig.Metrics = collector.Handler()
	}
	webServer, err := web.NewServer(webConfig)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      webServer.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cycle + 10*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = collector.Serve(cfg.MetricsAddr, logger)
	}

	go func() {
		logger.Info("http listening", slog.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError(logger, "http server error", err)
			stop()
		}
	}()

	reloader := &worker.Worker{
		Runner:   pipeline,
		Interval: time.Duration(cfg.ReloadIntervalSec) * time.Second,
		Logger:   logger,
	}
	// The page serves the empty snapshot until the first load publishes.
	go func() {
		if _, err := reloader.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.LogError(logger, "initial load failed", err)
		}
		reloader.Loop(ctx)
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "http shutdown", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func buildSource(cfg config.Config, store *storage.Store, logger *slog.Logger) (telemetry.Source, error) {
	if storage.IsArchiveLocation(cfg.TelemetrySource) {
		if store == nil {
			return nil, errors.New("sqlite: sources need ARCHIVE_PATH")
		}
		return storage.NewArchivedSource(store, cfg.TelemetrySource), nil
	}
	client := &http.Client{Timeout: time.Duration(cfg.TelemetryTimeoutSec) * time.Second}
	return telemetry.NewSource(cfg.TelemetrySource, client, cfg.DisplayLocation, logger)
}
