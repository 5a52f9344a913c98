package domain

import "errors"

var (
	// ErrInvalidCoordinate is returned for latitudes outside [-90,90],
	// longitudes outside [-180,180] or a negative search radius.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrInvalidBounds is returned when a record's bounds are degenerate.
	// Callers must not retry with the same input.
	ErrInvalidBounds = errors.New("invalid bounds")

	// ErrEntryTooLarge is returned when a single entry exceeds the cache ceiling.
	ErrEntryTooLarge = errors.New("entry exceeds cache ceiling")

	// ErrFetchFailed wraps per-scan archive failures. Retrying is up to the caller.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrStoreUnavailable is returned when the record store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInvalidWindow   = errors.New("invalid time window")
	ErrInvalidScanName = errors.New("invalid scan name")
	ErrNotCached       = errors.New("scan not cached")
	ErrDecodeFailed    = errors.New("decode failed")

	// ErrNonexistentLocalTime and ErrAmbiguousLocalTime are returned by the
	// report feeds when a local wall-clock time falls into a DST gap or fold
	// and the feed's policy is to reject.
	ErrNonexistentLocalTime = errors.New("nonexistent local time")
	ErrAmbiguousLocalTime   = errors.New("ambiguous local time")
)
