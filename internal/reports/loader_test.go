package reports

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

const windCSV = `om,yr,mo,dy,date,time,tz,st,stf,stn,mag,inj,fat,loss,closs,slat,slon,elat,elon
1,2024,5,1,2024-05-01,11:29:00,3,IA,19,0,52,0,0,0,0,41.60,-90.58,0,0
2,2024,5,1,2024-05-01,11:30:00,3,IA,19,0,55,0,0,0,0,41.52,-90.60,0,0
3,2024,5,1,2024-05-01,12:45:00,3,IL,17,0,61,0,0,0,0,41.45,-90.30,0,0
4,2024,5,1,2024-05-01,13:30:00,3,IA,19,0,50,0,0,0,0,41.70,-91.00,0,0
5,2024,5,1,2024-05-01,13:31:00,3,IA,19,0,50,0,0,0,0,41.70,-91.00,0,0
6,2024,5,1,not-a-date,12:00:00,3,IA,19,0,50,0,0,0,0,41.70,-91.00,0,0
7,2024,5,1,2024-05-01,12:00:00,3,IA,19,0,50,0,0,0,0,north,-91.00,0,0
`

const hailCSV = `om,yr,mo,dy,date,time,tz,st,stf,stn,mag,inj,fat,loss,closs,slat,slon,elat,elon
10,2024,5,1,2024-05-01,12:00:00,3,IA,19,0,1.75,0,0,0,0,41.10,-90.90,0,0
`

var (
	reqStart = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	reqEnd   = time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)
)

func testLoader(t *testing.T, doc string) *Loader {
	t.Helper()
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return NewLoader(cfg, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoader_FileFeedWithYearPlaceholder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024_wind.csv"), []byte(windCSV), 0o600))

	l := testLoader(t, `
feeds:
  - name: wind
    source: `+filepath.Join(dir, "{year}_wind.csv")+`
    utc_offset: "-06:00"
`)
	res, err := l.Load(context.Background(), reqStart, reqEnd)
	require.NoError(t, err)

	assert.Equal(t, reqStart.Add(-30*time.Minute), res.Start)
	assert.Equal(t, reqEnd.Add(30*time.Minute), res.End)
	assert.Equal(t, 2, res.Rejected)

	var times []time.Time
	for _, r := range res.Reports {
		assert.Equal(t, "wind", r.Feed)
		times = append(times, r.Time)
	}
	assert.Equal(t, []time.Time{
		time.Date(2024, 5, 1, 17, 30, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 18, 45, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 19, 30, 0, 0, time.UTC),
	}, times)

	first := res.Reports[0]
	assert.InDelta(t, 41.52, first.Latitude, 1e-9)
	assert.InDelta(t, -90.60, first.Longitude, 1e-9)
	assert.Equal(t, "55", first.Magnitude)
	assert.Equal(t, "IA", first.State)
}

func TestLoader_MergesFeedsByTime(t *testing.T) {
	dir := t.TempDir()
	windPath := filepath.Join(dir, "wind.csv")
	require.NoError(t, os.WriteFile(windPath, []byte(windCSV), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/2024_hail.csv") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, hailCSV)
	}))
	defer srv.Close()

	l := testLoader(t, `
feeds:
  - name: wind
    source: `+windPath+`
    utc_offset: "-06:00"
  - name: hail
    source: `+srv.URL+`/wcm/data/{year}_hail.csv
    timezone: America/Chicago
`)
	assert.Equal(t, []string{"wind", "hail"}, l.Feeds())

	res, err := l.Load(context.Background(), reqStart, reqEnd)
	require.NoError(t, err)

	require.Len(t, res.Reports, 3)
	// 12:00 CDT is 17:00Z, outside the window; hail contributes nothing.
	for _, r := range res.Reports {
		assert.Equal(t, "wind", r.Feed)
	}

	res, err = l.Load(context.Background(), reqStart.Add(-time.Hour), reqEnd)
	require.NoError(t, err)
	require.Len(t, res.Reports, 5)
	assert.Equal(t, "hail", res.Reports[0].Feed)
	assert.Equal(t, time.Date(2024, 5, 1, 17, 0, 0, 0, time.UTC), res.Reports[0].Time)
}

func TestLoader_SourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := testLoader(t, `
feeds:
  - name: torn
    source: `+srv.URL+`/torn.csv
    utc_offset: "-06:00"
`)
	_, err := l.Load(context.Background(), reqStart, reqEnd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed torn")
	assert.Contains(t, err.Error(), "status 502")
}

func TestLoader_MissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("date,time,lat,lon\n2024-05-01,12:00,41,-90\n"), 0o600))

	l := testLoader(t, "feeds:\n  - name: bad\n    source: "+path+"\n    utc_offset: '-06:00'\n")
	_, err := l.Load(context.Background(), reqStart, reqEnd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "slat"`)
}

func TestLoader_InvalidWindow(t *testing.T) {
	l := testLoader(t, "feeds:\n  - name: a\n    source: a.csv\n    utc_offset: '-06:00'\n")
	_, err := l.Load(context.Background(), reqEnd, reqStart)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestLoader_RejectsAmbiguousRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fold.csv")
	csv := "date,time,st,mag,slat,slon\n2024-11-03,01:30:00,IA,60,41,-90\n2024-11-03,02:30:00,IA,60,41,-90\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o600))
	start := time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC)
	end := time.Date(2024, 11, 3, 9, 0, 0, 0, time.UTC)

	reject := testLoader(t, "feeds:\n  - name: f\n    source: "+path+"\n    timezone: America/Chicago\n")
	res, err := reject.Load(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Reports, 1)
	assert.Equal(t, time.Date(2024, 11, 3, 8, 30, 0, 0, time.UTC), res.Reports[0].Time)

	shift := testLoader(t, "feeds:\n  - name: f\n    source: "+path+"\n    timezone: America/Chicago\n    policy: shift_forward\n")
	res, err = shift.Load(context.Background(), start, end)
	require.NoError(t, err)
	assert.Zero(t, res.Rejected)
	require.Len(t, res.Reports, 2)
	assert.Equal(t, time.Date(2024, 11, 3, 7, 30, 0, 0, time.UTC), res.Reports[0].Time)
}

func TestExpandSources(t *testing.T) {
	newYear := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, []string{"2023_wind.csv", "2024_wind.csv"},
		expandSources("{year}_wind.csv", newYear, newYear.Add(time.Hour)))
	assert.Equal(t, []string{"static.csv"}, expandSources("static.csv", newYear, newYear))
}
