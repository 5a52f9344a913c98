package domain

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const (
	stationIDLen    = 4
	scanTimeLayout  = "20060102_150405"
	metadataSuffix  = "_MDM"
	scanNameMinimum = stationIDLen + len(scanTimeLayout)
)

// Station is a radar site from the static catalog.
type Station struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ScanDescriptor identifies one scan object in the remote archive.
type ScanDescriptor struct {
	StationID  string    `json:"station_id"`
	RemoteKey  string    `json:"remote_key"`
	ObservedAt time.Time `json:"observed_at"`
	ByteSize   int64     `json:"byte_size"`
}

// Name returns the object base name, which doubles as the cache key.
func (d ScanDescriptor) Name() string {
	return path.Base(d.RemoteKey)
}

// CacheEntry describes a scan file held by the local cache.
type CacheEntry struct {
	Key            string    `json:"key"`
	LocalPath      string    `json:"-"`
	SizeBytes      int64     `json:"size_bytes"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Bounds is a longitude/latitude bounding box in degrees.
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
}

// Validate rejects degenerate or inverted boxes.
func (b Bounds) Validate() error {
	if !(b.MinLon < b.MaxLon) {
		return fmt.Errorf("%w: min_lon %v >= max_lon %v", ErrInvalidBounds, b.MinLon, b.MaxLon)
	}
	if !(b.MinLat < b.MaxLat) {
		return fmt.Errorf("%w: min_lat %v >= max_lat %v", ErrInvalidBounds, b.MinLat, b.MaxLat)
	}
	return nil
}

// MaskedReflectivity fills gates that carry no echo.
const MaskedReflectivity = -9999.0

// Grid is the reflectivity field of a scan's lowest sweep with its bounds.
type Grid struct {
	Rows         int         `json:"rows"`
	Cols         int         `json:"cols"`
	Reflectivity [][]float64 `json:"reflectivity"`
	Bounds
}

// ScanRecord is the durable, decoded form of a scan.
type ScanRecord struct {
	ID         int64     `json:"id"`
	StationID  string    `json:"station_id"`
	ObservedAt time.Time `json:"observed_at"`
	Bounds     Bounds    `json:"bounds"`
	Grid       Grid      `json:"grid"`
}

// Decoder turns raw scan bytes into a grid. Implementations live outside the
// core; decoding is an external collaborator.
type Decoder interface {
	Decode(ctx context.Context, name string, r io.Reader) (Grid, error)
}

// ParseScanName extracts the station ID and UTC observation time embedded in
// a scan name such as "KDVN20200810_163012_V06".
func ParseScanName(name string) (stationID string, observedAt time.Time, err error) {
	if err := ValidateScanName(name); err != nil {
		return "", time.Time{}, err
	}
	if len(name) < scanNameMinimum {
		return "", time.Time{}, fmt.Errorf("%w: %q is too short", ErrInvalidScanName, name)
	}
	stationID = name[:stationIDLen]
	observedAt, err = time.ParseInLocation(scanTimeLayout, name[stationIDLen:scanNameMinimum], time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q: %w", ErrInvalidScanName, name, err)
	}
	return stationID, observedAt, nil
}

// ValidateScanName rejects names that could escape the cache directory.
func ValidateScanName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidScanName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidScanName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidScanName, name)
	}
	return nil
}

// IsMetadataOnly reports whether name is a metadata-only companion file.
func IsMetadataOnly(name string) bool {
	return strings.HasSuffix(name, metadataSuffix)
}

// ScanEvent announces a freshly materialized scan to downstream consumers.
type ScanEvent struct {
	IngestID   string    `json:"ingest_id"`
	StationID  string    `json:"station_id"`
	Key        string    `json:"key"`
	RemoteKey  string    `json:"remote_key"`
	ObservedAt time.Time `json:"observed_at"`
	SizeBytes  int64     `json:"size_bytes"`
	RecordID   int64     `json:"record_id,omitempty"`
	CachedAt   time.Time `json:"cached_at"`
}
