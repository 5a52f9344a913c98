package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/pipeline"
)

const (
	defaultRadiusKm = 200.0
	maxRequestBody  = 1 << 20
)

var routeIndex = []string{
	"GET /healthz",
	"GET /readyz",
	"GET /metrics",
	"GET /scans",
	"GET /scans/{key}",
	"GET /metadata/{key}",
	"POST /ingest",
	"POST /stations/nearby",
	"GET /records?station_id=&start=&end=",
	"GET /records/latest?station_id=",
	"GET /reports?start=&end=",
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "storm-radar",
		"routes":  routeIndex,
	})
}

func (s *Server) handleListScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"scans": s.deps.Scans.Keys()})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	f, entry, err := s.deps.Scans.Open(key)
	if err != nil {
		s.fail(w, r, "scan unavailable", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Key))
	http.ServeContent(w, r, entry.Key, time.Time{}, f)
}

type metadataResponse struct {
	Filename   string     `json:"filename"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	Rows       int        `json:"rows"`
	Cols       int        `json:"cols"`
	MinLon     float64    `json:"min_lon"`
	MaxLon     float64    `json:"max_lon"`
	MinLat     float64    `json:"min_lat"`
	MaxLat     float64    `json:"max_lat"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.deps.Decoder == nil {
		writeError(w, http.StatusInternalServerError, "scan decoder not configured", nil)
		return
	}

	f, _, err := s.deps.Scans.Open(key)
	if err != nil {
		s.fail(w, r, "scan unavailable", err)
		return
	}
	defer f.Close()

	grid, err := s.deps.Decoder.Decode(r.Context(), key, f)
	if err != nil {
		s.fail(w, r, "decode failed", err)
		return
	}

	resp := metadataResponse{
		Filename: key,
		Rows:     grid.Rows,
		Cols:     grid.Cols,
		MinLon:   grid.MinLon,
		MaxLon:   grid.MaxLon,
		MinLat:   grid.MinLat,
		MaxLat:   grid.MaxLat,
	}
	if _, at, err := domain.ParseScanName(key); err == nil {
		resp.ObservedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	StationID string    `json:"station_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type ingestFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type ingestResponse struct {
	ID              string          `json:"id"`
	StationID       string          `json:"station_id"`
	Status          pipeline.Status `json:"status"`
	DownloadedFiles []string        `json:"downloaded_files"`
	Failed          []ingestFailure `json:"failed"`
	Skipped         []string        `json:"skipped"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.StationID = strings.ToUpper(strings.TrimSpace(req.StationID))
	if _, ok := s.deps.Stations.Lookup(req.StationID); !ok {
		writeError(w, http.StatusBadRequest, "unknown station", fmt.Errorf("station %q is not in the catalog", req.StationID))
		return
	}

	res, err := s.deps.Ingester.Ingest(r.Context(), pipeline.Request{
		StationID: req.StationID,
		Start:     req.Start,
		End:       req.End,
	})
	if err != nil {
		s.fail(w, r, "ingestion failed", err)
		return
	}

	resp := ingestResponse{
		ID:              res.ID,
		StationID:       res.StationID,
		Status:          res.Status,
		DownloadedFiles: make([]string, 0, len(res.Scans)),
		Failed:          make([]ingestFailure, 0, len(res.Failures)),
		Skipped:         append([]string{}, res.Skipped...),
	}
	for _, sc := range res.Scans {
		resp.DownloadedFiles = append(resp.DownloadedFiles, sc.Entry.Key)
	}
	for _, f := range res.Failures {
		resp.Failed = append(resp.Failed, ingestFailure{Key: f.Descriptor.Name(), Error: f.Err.Error()})
	}

	status := http.StatusOK
	switch {
	case res.Status == pipeline.StatusEmptyWindow:
		status = http.StatusNotFound
	case storeDown(res.Failures):
		s.logger.Error("ingestion could not record scans", "ingest_id", res.ID, "station_id", res.StationID)
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func storeDown(failures []pipeline.Failure) bool {
	for _, f := range failures {
		if errors.Is(f.Err, domain.ErrStoreUnavailable) {
			return true
		}
	}
	return false
}

type nearbyRequest struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	RadiusKm *float64 `json:"radius_km"`
}

type nearbyStation struct {
	domain.Station
	DistanceKm float64 `json:"distance_km"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	var req nearbyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required", nil)
		return
	}
	radius := defaultRadiusKm
	if req.RadiusKm != nil {
		radius = *req.RadiusKm
	}

	matches, err := s.deps.Stations.Nearest(*req.Lat, *req.Lon, radius)
	if err != nil {
		s.fail(w, r, "invalid location", err)
		return
	}

	out := make([]nearbyStation, len(matches))
	for i, m := range matches {
		out[i] = nearbyStation{Station: m.Station, DistanceKm: m.DistanceKm}
	}
	writeJSON(w, http.StatusOK, map[string][]nearbyStation{"stations": out})
}

type recordSummary struct {
	ID         int64         `json:"id"`
	StationID  string        `json:"station_id"`
	ObservedAt time.Time     `json:"observed_at"`
	Bounds     domain.Bounds `json:"bounds"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "record store not configured", nil)
		return
	}
	q := r.URL.Query()
	stationID := strings.ToUpper(q.Get("station_id"))
	if stationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required", nil)
		return
	}
	start, end, err := parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		s.fail(w, r, "invalid window", err)
		return
	}

	recs, err := s.deps.Records.Query(r.Context(), stationID, start, end)
	if err != nil {
		s.fail(w, r, "query records failed", err)
		return
	}
	out := make([]recordSummary, len(recs))
	for i, rec := range recs {
		out[i] = recordSummary{ID: rec.ID, StationID: rec.StationID, ObservedAt: rec.ObservedAt, Bounds: rec.Bounds}
	}
	writeJSON(w, http.StatusOK, map[string][]recordSummary{"records": out})
}

func (s *Server) handleLatestRecord(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "record store not configured", nil)
		return
	}
	stationID := strings.ToUpper(r.URL.Query().Get("station_id"))
	if stationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required", nil)
		return
	}

	rec, ok, err := s.deps.Records.Latest(r.Context(), stationID)
	if err != nil {
		s.fail(w, r, "latest record failed", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no records", fmt.Errorf("no records for station %s", stationID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, http.StatusNotFound, "report feeds not configured", nil)
		return
	}
	q := r.URL.Query()
	start, end, err := parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		s.fail(w, r, "invalid window", err)
		return
	}

	res, err := s.deps.Reports.Load(r.Context(), start, end)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidWindow) {
			s.logger.Error("load reports failed", "error", err)
			writeError(w, http.StatusBadGateway, "load reports failed", err)
			return
		}
		s.fail(w, r, "invalid window", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseWindow(rawStart, rawEnd string) (time.Time, time.Time, error) {
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end are required", domain.ErrInvalidWindow)
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start: %w", domain.ErrInvalidWindow, err)
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end: %w", domain.ErrInvalidWindow, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end is not after start", domain.ErrInvalidWindow)
	}
	return start.UTC(), end.UTC(), nil
}
