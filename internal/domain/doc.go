// Package domain models NEXRAD Level II radar scans and the records derived
// from them.
//
// # Data Source
//
// Volume scans are published by NOAA to a public S3 bucket, one object per
// scan, under the key layout
//
//	YYYY/MM/DD/SSSS/SSSSYYYYMMDD_HHMMSS_V06
//
// where SSSS is the four-letter ICAO station identifier (e.g. "KDVN",
// Davenport, IA). The base name of the object is the scan name and is used
// verbatim as the local cache key.
//
// # Scan Name Conventions
//
// Characters 4–18 of a scan name hold the volume start time in UTC:
//
//	KDVN20200810_163012_V06  →  2020-08-10T16:30:12Z
//
// Older archive years use a gzip suffix instead of a version suffix
// ("KDVN20050810_163012.gz"); both parse the same way. The embedded time is
// the only source of chronological ordering; filesystem timestamps are never
// consulted. See [ParseScanName].
//
// Names ending in "_MDM" are metadata-only companion files. They carry no
// reflectivity data and are never materialized. See [IsMetadataOnly].
//
// # Grid Payload
//
// A decoded scan is reduced to the reflectivity field of its lowest sweep
// (rays × gates) plus the geographic bounds of that sweep's gates. Bounds are
// degenerate-checked before storage: min must be strictly below max on both
// axes. See [Bounds.Validate].
package domain
