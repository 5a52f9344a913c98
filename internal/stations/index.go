// Package stations resolves radar sites near a point using a static catalog.
//
// The catalog is read once and never mutated afterwards, so an *Index is
// safe for concurrent readers without locking.
package stations

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// EarthRadiusKm is the mean radius of the sphere used for distances.
// No ellipsoidal correction is applied; the error is well under 0.5% at
// the radii this service searches.
const EarthRadiusKm = 6371.0

//go:embed nexrad_stations.csv
var embeddedCatalog []byte

// Match is a station together with its distance from the query point.
type Match struct {
	Station    domain.Station `json:"station"`
	DistanceKm float64        `json:"distance_km"`
}

// Index answers nearest-station queries over a fixed catalog.
type Index struct {
	stations []domain.Station
	byID     map[string]domain.Station
}

var defaultIndex = sync.OnceValues(func() (*Index, error) {
	return Load(bytes.NewReader(embeddedCatalog))
})

// Default returns the process-wide index built from the embedded catalog.
func Default() (*Index, error) {
	return defaultIndex()
}

// LoadFile reads a catalog from path, or returns Default when path is empty.
func LoadFile(path string) (*Index, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a CSV catalog with an "id,name,latitude,longitude" header.
// Column order is taken from the header; extra columns are ignored.
func Load(r io.Reader) (*Index, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	cols, err := columnIndex(header, "id", "name", "latitude", "longitude")
	if err != nil {
		return nil, err
	}

	idx := &Index{byID: make(map[string]domain.Station)}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}

		lat, err := strconv.ParseFloat(rec[cols["latitude"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: latitude: %w", line, err)
		}
		lon, err := strconv.ParseFloat(rec[cols["longitude"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: longitude: %w", line, err)
		}
		if err := validateCoordinate(lat, lon); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}

		st := domain.Station{
			ID:        strings.ToUpper(rec[cols["id"]]),
			Name:      rec[cols["name"]],
			Latitude:  lat,
			Longitude: lon,
		}
		if _, dup := idx.byID[st.ID]; dup {
			return nil, fmt.Errorf("catalog line %d: duplicate station %s", line, st.ID)
		}
		idx.stations = append(idx.stations, st)
		idx.byID[st.ID] = st
	}
	return idx, nil
}

func columnIndex(header []string, names ...string) (map[string]int, error) {
	cols := make(map[string]int, len(names))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, n := range names {
		if _, ok := cols[n]; !ok {
			return nil, fmt.Errorf("catalog header missing %q column", n)
		}
	}
	return cols, nil
}

// Len returns the number of stations in the catalog.
func (x *Index) Len() int {
	return len(x.stations)
}

// Lookup returns a station by its ICAO identifier.
func (x *Index) Lookup(id string) (domain.Station, bool) {
	st, ok := x.byID[strings.ToUpper(id)]
	return st, ok
}

// Nearest returns the stations within radiusKm of (lat, lon), closest first.
// Equal distances are ordered by station ID.
func (x *Index) Nearest(lat, lon, radiusKm float64) ([]Match, error) {
	if err := validateCoordinate(lat, lon); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, fmt.Errorf("%w: radius %v", domain.ErrInvalidCoordinate, radiusKm)
	}

	matches := make([]Match, 0)
	for _, st := range x.stations {
		d := Haversine(lat, lon, st.Latitude, st.Longitude)
		if d <= radiusKm {
			matches = append(matches, Match{Station: st, DistanceKm: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceKm != matches[j].DistanceKm {
			return matches[i].DistanceKm < matches[j].DistanceKm
		}
		return matches[i].Station.ID < matches[j].Station.ID
	})
	return matches, nil
}

// Haversine returns the great-circle distance in kilometres between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dPhi, dLambda := radians(lat2-lat1), radians(lon2-lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a past 1 for near-antipodal points.
	a = math.Min(a, 1)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func validateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", domain.ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", domain.ErrInvalidCoordinate, lon)
	}
	return nil
}
