package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/pipeline"
	"github.com/couchcryptid/storm-radar-service/internal/reports"
	"github.com/couchcryptid/storm-radar-service/internal/stations"
)

// StationFinder resolves stations from the catalog.
type StationFinder interface {
	Lookup(id string) (domain.Station, bool)
	Nearest(lat, lon, radiusKm float64) ([]stations.Match, error)
}

// ScanFiles reads scans held by the local cache.
type ScanFiles interface {
	Keys() []string
	Open(key string) (*os.File, domain.CacheEntry, error)
}

// Ingester materializes a station's scans for a time window.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// RecordReader queries stored scan records.
type RecordReader interface {
	Query(ctx context.Context, stationID string, start, end time.Time) ([]domain.ScanRecord, error)
	Latest(ctx context.Context, stationID string) (domain.ScanRecord, bool, error)
}

// ReportLoader loads severe weather reports around a window.
type ReportLoader interface {
	Load(ctx context.Context, start, end time.Time) (reports.Result, error)
}

// Dependencies are the collaborators behind the routes. Decoder, Records and
// Reports are optional; their routes answer with an error when unset.
type Dependencies struct {
	Stations StationFinder
	Scans    ScanFiles
	Ingester Ingester
	Decoder  domain.Decoder
	Records  RecordReader
	Reports  ReportLoader
	Ready    sharedobs.ReadinessChecker
}

// Server exposes the radar API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	logger     *slog.Logger
}

// NewServer creates an HTTP server with every route registered.
func NewServer(addr string, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Ready == nil {
		deps.Ready = AllReady()
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// Ingestion downloads whole volume scans before answering.
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(deps.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /scans", s.handleListScans)
	mux.HandleFunc("GET /scans/{key}", s.handleGetScan)
	mux.HandleFunc("GET /metadata/{key}", s.handleMetadata)
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("POST /stations/nearby", s.handleNearby)
	mux.HandleFunc("GET /records", s.handleRecords)
	mux.HandleFunc("GET /records/latest", s.handleLatestRecord)
	mux.HandleFunc("GET /reports", s.handleReports)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// AllReady combines readiness checkers and reports every failing one. Nil
// checkers are ignored.
func AllReady(checkers ...sharedobs.ReadinessChecker) sharedobs.ReadinessChecker {
	return readinessGroup(checkers)
}

type readinessGroup []sharedobs.ReadinessChecker

func (g readinessGroup) CheckReadiness(ctx context.Context) error {
	var errs []error
	for _, c := range g {
		if c == nil {
			continue
		}
		if err := c.CheckReadiness(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
