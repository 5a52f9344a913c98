package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/storm-radar-service/internal/adapter/archive"
	"github.com/couchcryptid/storm-radar-service/internal/adapter/decoder"
	httpadapter "github.com/couchcryptid/storm-radar-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-radar-service/internal/adapter/kafka"
	"github.com/couchcryptid/storm-radar-service/internal/cache"
	"github.com/couchcryptid/storm-radar-service/internal/config"
	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/observability"
	"github.com/couchcryptid/storm-radar-service/internal/pipeline"
	"github.com/couchcryptid/storm-radar-service/internal/reports"
	"github.com/couchcryptid/storm-radar-service/internal/stations"
	"github.com/couchcryptid/storm-radar-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("radar service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	catalog, err := loadStations(cfg)
	if err != nil {
		return err
	}
	logger.Info("station catalog loaded", "stations", catalog.Len())

	scans, err := cache.New(cfg.CacheDir, cfg.CacheMaxBytes,
		cache.WithLogger(logger),
		cache.WithMetrics(metrics),
		// Metadata-only companions are never served; drop leftovers.
		cache.WithDiscoveryFilter(func(name string) bool { return !domain.IsMetadataOnly(name) }),
	)
	if err != nil {
		return err
	}

	archiveClient := archive.NewClient(cfg.ArchiveBaseURL, cfg.ArchiveTimeout, logger)

	// Decoding is optional (feature-flagged via DECODER_URL).
	var dec domain.Decoder
	if cfg.DecoderURL != "" {
		dec = decoder.NewClient(cfg.DecoderURL, cfg.DecoderTimeout, logger)
		logger.Info("scan decoder enabled", "url", cfg.DecoderURL)
	} else {
		logger.Info("scan decoder disabled; metadata and records unavailable")
	}

	var opts []pipeline.Option
	var records *store.Store
	if cfg.StoreEnabled {
		records, err = store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN,
			store.WithLogger(logger),
			store.WithConnectAttempts(cfg.StoreConnectAttempts),
		)
		if err != nil {
			return err
		}
		defer func() {
			if err := records.Close(); err != nil {
				logger.Error("record store close error", "error", err)
			}
		}()
		if dec != nil {
			opts = append(opts, pipeline.WithRecorder(pipeline.NewRecorder(dec, records, logger, metrics)))
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafkaadapter.NewPublisher(cfg, logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		opts = append(opts, pipeline.WithPublisher(publisher))
		logger.Info("scan events enabled", "topic", cfg.KafkaScanTopic, "brokers", cfg.KafkaBrokers)
	}

	p := pipeline.New(archiveClient, scans, logger, metrics, cfg.FetchWorkers, opts...)

	deps := httpadapter.Dependencies{
		Stations: catalog,
		Scans:    scans,
		Ingester: p,
		Decoder:  dec,
	}
	if records != nil {
		deps.Records = records
		deps.Ready = httpadapter.AllReady(p, records)
	} else {
		deps.Ready = httpadapter.AllReady(p)
	}
	if cfg.FeedsConfig != "" {
		feeds, err := reports.LoadConfig(cfg.FeedsConfig)
		if err != nil {
			return err
		}
		loader := reports.NewLoader(feeds, cfg.ArchiveTimeout, logger)
		deps.Reports = loader
		logger.Info("report feeds enabled", "feeds", loader.Feeds())
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, deps, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func loadStations(cfg *config.Config) (*stations.Index, error) {
	if cfg.StationsFile != "" {
		return stations.LoadFile(cfg.StationsFile)
	}
	return stations.Default()
}
