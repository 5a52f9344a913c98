package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/observability"
)

// RecordStore appends scan records.
type RecordStore interface {
	Append(ctx context.Context, rec domain.ScanRecord) (int64, error)
}

// ScanRecorder implements Recorder by decoding scan bytes and appending the
// resulting record to the store.
type ScanRecorder struct {
	decoder domain.Decoder
	store   RecordStore
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a ScanRecorder.
func NewRecorder(decoder domain.Decoder, store RecordStore, logger *slog.Logger, metrics *observability.Metrics) *ScanRecorder {
	return &ScanRecorder{
		decoder: decoder,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

func (r *ScanRecorder) Record(ctx context.Context, desc domain.ScanDescriptor, data []byte) (int64, error) {
	grid, err := r.decoder.Decode(ctx, desc.Name(), bytes.NewReader(data))
	if err != nil {
		r.metrics.RecordErrors.Inc()
		return 0, fmt.Errorf("decode %s: %w", desc.Name(), err)
	}

	id, err := r.store.Append(ctx, domain.ScanRecord{
		StationID:  desc.StationID,
		ObservedAt: desc.ObservedAt,
		Bounds:     grid.Bounds,
		Grid:       grid,
	})
	if err != nil {
		r.metrics.RecordErrors.Inc()
		return 0, fmt.Errorf("append %s: %w", desc.Name(), err)
	}

	r.metrics.RecordsAppended.Inc()
	r.logger.Debug("scan recorded", "key", desc.Name(), "record_id", id,
		"rows", grid.Rows, "cols", grid.Cols)
	return id, nil
}
