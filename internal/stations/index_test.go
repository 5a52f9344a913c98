package stations

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `id,name,latitude,longitude
KNEAR,Near Site,41.5,-90.7
KMID,Middle Site,42.5,-91.5
KFAR,Far Site,45.0,-100.0
`

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Load(strings.NewReader(testCatalog))
	require.NoError(t, err)
	return idx
}

// sphericalLawOfCosines is an independent great-circle formula used to
// cross-check Haversine.
func sphericalLawOfCosines(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := lat1*math.Pi/180, lat2*math.Pi/180
	dl := (lon2 - lon1) * math.Pi / 180
	return EarthRadiusKm * math.Acos(math.Sin(p1)*math.Sin(p2)+math.Cos(p1)*math.Cos(p2)*math.Cos(dl))
}

func TestHaversine_Symmetric(t *testing.T) {
	points := [][2]float64{{41.0, -91.0}, {41.5, -90.7}, {-33.9, 151.2}, {89.9, 0}, {0, 179.9}, {0, -179.9}}
	for _, a := range points {
		for _, b := range points {
			assert.InDelta(t, Haversine(a[0], a[1], b[0], b[1]), Haversine(b[0], b[1], a[0], a[1]), 1e-9)
		}
		assert.InDelta(t, 0.0, Haversine(a[0], a[1], a[0], a[1]), 1e-9)
	}
}

func TestHaversine_MatchesIndependentFormula(t *testing.T) {
	got := Haversine(41.0, -91.0, 41.5, -90.7)
	want := sphericalLawOfCosines(41.0, -91.0, 41.5, -90.7)
	assert.InDelta(t, want, got, 0.1)
	assert.InDelta(t, 60.8, got, 1.0)
}

func TestHaversine_AntipodesAreHalfCircumference(t *testing.T) {
	half := math.Pi * EarthRadiusKm
	rng := rand.New(rand.NewPCG(1, 2))
	for range 20000 {
		lat := rng.Float64()*180 - 90
		lon := rng.Float64()*360 - 180
		antiLon := lon + 180
		if antiLon > 180 {
			antiLon -= 360
		}
		d := Haversine(lat, lon, -lat, antiLon)
		require.False(t, math.IsNaN(d), "NaN for (%v, %v)", lat, lon)
		assert.InDelta(t, half, d, 1e-3)
	}
}

func TestNearest_AntipodalStationIncluded(t *testing.T) {
	idx, err := Load(strings.NewReader("id,name,latitude,longitude\nKANT,Antipode,-41.5,89.3\n"))
	require.NoError(t, err)

	matches, err := idx.Nearest(41.5, -90.7, math.Pi*EarthRadiusKm+1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "KANT", matches[0].Station.ID)
}

func TestNearest_OrdersByDistance(t *testing.T) {
	idx := loadTestIndex(t)

	matches, err := idx.Nearest(41.0, -91.0, 200)
	require.NoError(t, err)
	require.Len(t, matches, 2, "KFAR is outside the radius")

	assert.Equal(t, "KNEAR", matches[0].Station.ID)
	assert.Equal(t, "KMID", matches[1].Station.ID)
	assert.InDelta(t, sphericalLawOfCosines(41.0, -91.0, 41.5, -90.7), matches[0].DistanceKm, 0.1)

	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i-1].DistanceKm, matches[i].DistanceKm)
	}
}

func TestNearest_EmptyResult(t *testing.T) {
	idx := loadTestIndex(t)

	matches, err := idx.Nearest(-33.9, 151.2, 100)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

func TestNearest_InvalidCoordinate(t *testing.T) {
	idx := loadTestIndex(t)

	cases := map[string][3]float64{
		"lat too high":    {90.1, 0, 100},
		"lat too low":     {-90.1, 0, 100},
		"lon too high":    {0, 180.1, 100},
		"lon too low":     {0, -180.1, 100},
		"nan latitude":    {math.NaN(), 0, 100},
		"negative radius": {0, 0, -1},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := idx.Nearest(c[0], c[1], c[2])
			assert.ErrorIs(t, err, domain.ErrInvalidCoordinate)
		})
	}
}

func TestNearest_BoundaryCoordinatesAccepted(t *testing.T) {
	idx := loadTestIndex(t)
	for _, c := range [][2]float64{{90, 180}, {-90, -180}} {
		_, err := idx.Nearest(c[0], c[1], 10)
		assert.NoError(t, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"missing column": "id,name,latitude\nKDVN,Davenport,41.6\n",
		"bad latitude":   "id,name,latitude,longitude\nKDVN,Davenport,north,-90.5\n",
		"out of range":   "id,name,latitude,longitude\nKDVN,Davenport,141.6,-90.5\n",
		"duplicate":      "id,name,latitude,longitude\nKDVN,A,41.6,-90.5\nkdvn,B,41.6,-90.5\n",
		"empty":          "",
	}
	for name, csv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(csv))
			assert.Error(t, err)
		})
	}
}

func TestLookup(t *testing.T) {
	idx := loadTestIndex(t)

	st, ok := idx.Lookup("knear")
	require.True(t, ok)
	assert.Equal(t, "Near Site", st.Name)

	_, ok = idx.Lookup("KNOPE")
	assert.False(t, ok)
}

func TestDefault_EmbeddedCatalog(t *testing.T) {
	idx, err := Default()
	require.NoError(t, err)
	assert.Positive(t, idx.Len())

	again, err := Default()
	require.NoError(t, err)
	assert.Same(t, idx, again, "catalog is loaded once")

	matches, err := idx.Nearest(41.0, -91.0, 200)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "KDVN", matches[0].Station.ID)
}

func TestLoadFile_EmptyPathUsesDefault(t *testing.T) {
	idx, err := LoadFile("")
	require.NoError(t, err)
	def, err := Default()
	require.NoError(t, err)
	assert.Same(t, def, idx)
}
