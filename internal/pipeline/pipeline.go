package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/observability"
)

// Archive lists and downloads scans from the remote archive.
type Archive interface {
	List(ctx context.Context, stationID string, start, end time.Time) ([]domain.ScanDescriptor, error)
	Fetch(ctx context.Context, desc domain.ScanDescriptor) ([]byte, error)
}

// ScanCache is the local store fetched scans are admitted into.
type ScanCache interface {
	Get(key string) (domain.CacheEntry, bool)
	Admit(key string, data []byte) (domain.CacheEntry, error)
	Invalidate(key string) error
}

// Recorder derives and persists a record for a freshly fetched scan.
type Recorder interface {
	Record(ctx context.Context, desc domain.ScanDescriptor, data []byte) (int64, error)
}

// EventPublisher announces freshly materialized scans.
type EventPublisher interface {
	PublishScans(ctx context.Context, events []domain.ScanEvent) error
}

// Status is the terminal state of an ingestion.
type Status string

const (
	StatusDone           Status = "done"
	StatusPartialFailure Status = "partial_failure"
	StatusEmptyWindow    Status = "empty_window"
)

// Request asks for every scan of a station observed in [Start, End).
type Request struct {
	StationID string    `json:"station_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Materialized is a scan available in the local cache after ingestion.
type Materialized struct {
	Descriptor domain.ScanDescriptor `json:"descriptor"`
	Entry      domain.CacheEntry     `json:"entry"`
	// Fetched is false when the scan was already cached.
	Fetched  bool  `json:"fetched"`
	RecordID int64 `json:"record_id,omitempty"`
}

// Failure is a scan that could not be materialized, or was fetched but could
// not be recorded. An unrecorded scan is evicted again so a retry records it.
type Failure struct {
	Descriptor domain.ScanDescriptor
	Err        error
}

// Result describes one ingestion. Scans and Failures each keep the order of
// the archive listing.
type Result struct {
	ID        string
	StationID string
	Start     time.Time
	End       time.Time
	Status    Status
	Scans     []Materialized
	Failures  []Failure
	// Skipped holds metadata-only names found in the window.
	Skipped []string
}

// Pipeline resolves time windows to archive scans and materializes them in
// the local cache with a bounded pool of fetch workers. Concurrent requests
// for the same scan share a single download.
type Pipeline struct {
	archive   Archive
	cache     ScanCache
	recorder  Recorder
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	workers   int
	flights   singleflight.Group
}

// Option configures optional pipeline stages.
type Option func(*Pipeline)

// WithRecorder records every freshly fetched scan.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithPublisher publishes an event for every freshly fetched scan.
func WithPublisher(pub EventPublisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// New creates a Pipeline. workers below 1 is treated as 1.
func New(archive Archive, cache ScanCache, logger *slog.Logger, metrics *observability.Metrics, workers int, opts ...Option) *Pipeline {
	p := &Pipeline{
		archive: archive,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		workers: max(workers, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckReadiness always succeeds; a constructed pipeline has a usable cache.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	return nil
}

// Ingest lists the window, skips metadata-only companions, and makes every
// remaining scan available in the cache. A listing failure or an invalid
// request is returned as an error; per-scan failures are reported in the
// result. Once ctx is done no further fetches are started and the scans not
// yet started are reported as failures carrying ctx.Err().
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	req, err := req.normalize()
	if err != nil {
		p.countIngest("error")
		return Result{}, err
	}

	res := Result{
		ID:        uuid.NewString(),
		StationID: req.StationID,
		Start:     req.Start,
		End:       req.End,
	}
	logger := p.logger.With("ingest_id", res.ID, "station_id", req.StationID)

	descs, err := p.archive.List(ctx, req.StationID, req.Start, req.End)
	if err != nil {
		p.countIngest("error")
		logger.Error("archive listing failed", "error", err)
		return Result{}, fmt.Errorf("list %s scans: %w", req.StationID, err)
	}

	wanted := make([]domain.ScanDescriptor, 0, len(descs))
	for _, d := range descs {
		if domain.IsMetadataOnly(d.Name()) {
			res.Skipped = append(res.Skipped, d.Name())
			continue
		}
		wanted = append(wanted, d)
	}

	if len(wanted) == 0 {
		res.Status = StatusEmptyWindow
		p.finish(logger, res, start)
		return res, nil
	}

	outcomes := p.materializeAll(ctx, res.ID, wanted)

	for i, o := range outcomes {
		if o.err != nil {
			res.Failures = append(res.Failures, Failure{Descriptor: wanted[i], Err: o.err})
			continue
		}
		res.Scans = append(res.Scans, Materialized{
			Descriptor: wanted[i],
			Entry:      o.entry,
			Fetched:    o.fetched,
			RecordID:   o.recordID,
		})
	}

	res.Status = StatusDone
	if len(res.Failures) > 0 {
		res.Status = StatusPartialFailure
	}
	p.finish(logger, res, start)
	return res, nil
}

// outcome is the per-descriptor slot written by exactly one worker.
type outcome struct {
	entry    domain.CacheEntry
	fetched  bool
	recordID int64
	err      error
}

func (p *Pipeline) materializeAll(ctx context.Context, ingestID string, descs []domain.ScanDescriptor) []outcome {
	outcomes := make([]outcome, len(descs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, d := range descs {
		if err := ctx.Err(); err != nil {
			outcomes[i] = outcome{err: err}
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			outcomes[i] = p.materialize(ctx, ingestID, d)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// materialize serves d from the cache or joins the single in-flight download
// for its key. The download runs detached from ctx so that one caller's
// cancellation cannot fail another caller sharing it; the archive client's
// own timeout bounds it.
func (p *Pipeline) materialize(ctx context.Context, ingestID string, d domain.ScanDescriptor) outcome {
	key := d.Name()
	if entry, ok := p.cache.Get(key); ok {
		return outcome{entry: entry}
	}

	ch := p.flights.DoChan(key, func() (any, error) {
		return p.fetchAndAdmit(context.WithoutCancel(ctx), ingestID, d)
	})
	select {
	case <-ctx.Done():
		return outcome{err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return outcome{err: r.Err}
		}
		return r.Val.(outcome)
	}
}

func (p *Pipeline) fetchAndAdmit(ctx context.Context, ingestID string, d domain.ScanDescriptor) (outcome, error) {
	key := d.Name()

	// A flight for this key may have completed since the caller's lookup.
	if entry, ok := p.cache.Get(key); ok {
		return outcome{entry: entry}, nil
	}

	fetchStart := time.Now()
	data, err := p.archive.Fetch(ctx, d)
	p.metrics.FetchDuration.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		p.metrics.Fetches.WithLabelValues("error").Inc()
		p.logger.Warn("scan fetch failed", "ingest_id", ingestID, "key", d.RemoteKey, "error", err)
		return outcome{}, err
	}
	p.metrics.Fetches.WithLabelValues("success").Inc()

	entry, err := p.cache.Admit(key, data)
	if err != nil {
		p.logger.Warn("scan admission failed", "ingest_id", ingestID, "key", key,
			"size", humanize.Bytes(uint64(len(data))), "error", err)
		return outcome{}, fmt.Errorf("admit %s: %w", key, err)
	}

	o := outcome{entry: entry, fetched: true}
	if p.recorder != nil {
		id, err := p.recorder.Record(ctx, d, data)
		if err != nil {
			// An unrecorded scan must not linger as a cache hit, or no later
			// ingest would record it.
			if ierr := p.cache.Invalidate(key); ierr != nil {
				p.logger.Error("invalidate unrecorded scan failed", "ingest_id", ingestID, "key", key, "error", ierr)
			}
			p.logger.Warn("scan not recorded", "ingest_id", ingestID, "key", key, "error", err)
			return outcome{}, fmt.Errorf("record %s: %w", key, err)
		}
		o.recordID = id
	}

	p.publish(ctx, ingestID, d, o)
	return o, nil
}

func (p *Pipeline) publish(ctx context.Context, ingestID string, d domain.ScanDescriptor, o outcome) {
	if p.publisher == nil {
		return
	}
	event := domain.ScanEvent{
		IngestID:   ingestID,
		StationID:  d.StationID,
		Key:        o.entry.Key,
		RemoteKey:  d.RemoteKey,
		ObservedAt: d.ObservedAt,
		SizeBytes:  o.entry.SizeBytes,
		RecordID:   o.recordID,
		CachedAt:   o.entry.LastAccessedAt,
	}
	if err := p.publisher.PublishScans(ctx, []domain.ScanEvent{event}); err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Warn("scan event not published", "ingest_id", ingestID, "key", o.entry.Key, "error", err)
		return
	}
	p.metrics.EventsPublished.Inc()
}

func (p *Pipeline) finish(logger *slog.Logger, res Result, start time.Time) {
	p.countIngest(string(res.Status))
	p.metrics.IngestDuration.Observe(time.Since(start).Seconds())

	var fetched, fetchedBytes int64
	for _, s := range res.Scans {
		if s.Fetched {
			fetched++
			fetchedBytes += s.Entry.SizeBytes
		}
	}
	logger.Info("ingestion finished",
		"status", res.Status,
		"scans", len(res.Scans),
		"fetched", fetched,
		"fetched_size", humanize.Bytes(uint64(fetchedBytes)),
		"failed", len(res.Failures),
		"skipped", len(res.Skipped),
		"duration", time.Since(start),
	)
}

func (p *Pipeline) countIngest(status string) {
	p.metrics.IngestRequests.WithLabelValues(status).Inc()
}

func (r Request) normalize() (Request, error) {
	r.StationID = strings.ToUpper(strings.TrimSpace(r.StationID))
	if r.StationID == "" {
		return Request{}, errors.New("station id is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return Request{}, fmt.Errorf("%w: start and end are required", domain.ErrInvalidWindow)
	}
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	if !r.End.After(r.Start) {
		return Request{}, fmt.Errorf("%w: end %s is not after start %s", domain.ErrInvalidWindow,
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return r, nil
}
