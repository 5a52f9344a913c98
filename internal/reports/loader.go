package reports

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

const yearPlaceholder = "{year}"

// Report is one severe weather report with its time in UTC.
type Report struct {
	Feed      string    `json:"feed"`
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Magnitude string    `json:"magnitude"`
	State     string    `json:"state"`
}

// Result holds the reports inside a padded window.
type Result struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Reports []Report  `json:"reports"`
	// Rejected counts rows dropped for unparseable values or for local
	// times the feed's policy rejects.
	Rejected int `json:"rejected"`
}

// Loader reads report CSVs from URLs or local files.
type Loader struct {
	cfg        *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLoader creates a Loader for a validated config.
func NewLoader(cfg *Config, timeout time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Feeds returns the configured feed names.
func (l *Loader) Feeds() []string {
	names := make([]string, len(l.cfg.Feeds))
	for i, f := range l.cfg.Feeds {
		names[i] = f.Name
	}
	return names
}

// Load returns every report within [start-padding, end+padding], sorted by
// time. Feeds load concurrently; any source failure fails the load.
func (l *Loader) Load(ctx context.Context, start, end time.Time) (Result, error) {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return Result{}, fmt.Errorf("%w: start %s, end %s", domain.ErrInvalidWindow, start, end)
	}
	res := Result{
		Start: start.UTC().Add(-l.cfg.Padding),
		End:   end.UTC().Add(l.cfg.Padding),
	}

	perFeed := make([]Result, len(l.cfg.Feeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range l.cfg.Feeds {
		g.Go(func() error {
			r, err := l.loadFeed(gctx, f, res.Start, res.End)
			if err != nil {
				return fmt.Errorf("feed %s: %w", f.Name, err)
			}
			perFeed[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res.Reports = []Report{}
	for _, r := range perFeed {
		res.Reports = append(res.Reports, r.Reports...)
		res.Rejected += r.Rejected
	}
	sort.SliceStable(res.Reports, func(i, j int) bool {
		return res.Reports[i].Time.Before(res.Reports[j].Time)
	})

	l.logger.Debug("severe reports loaded", "start", res.Start, "end", res.End,
		"reports", len(res.Reports), "rejected", res.Rejected)
	return res, nil
}

func (l *Loader) loadFeed(ctx context.Context, f Feed, start, end time.Time) (Result, error) {
	var out Result
	for _, src := range expandSources(f.Source, start, end) {
		rc, err := l.open(ctx, src)
		if err != nil {
			return Result{}, err
		}
		r, err := parseReports(rc, f, start, end)
		rc.Close()
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", src, err)
		}
		out.Reports = append(out.Reports, r.Reports...)
		out.Rejected += r.Rejected
		if r.Rejected > 0 {
			l.logger.Warn("report rows rejected", "feed", f.Name, "source", src, "rows", r.Rejected)
		}
	}
	return out, nil
}

// expandSources substitutes every year touched by the window, widened by a
// day so that local dates near New Year are covered.
func expandSources(source string, start, end time.Time) []string {
	if !strings.Contains(source, yearPlaceholder) {
		return []string{source}
	}
	first := start.Add(-24 * time.Hour).Year()
	last := end.Add(24 * time.Hour).Year()
	out := make([]string, 0, last-first+1)
	for y := first; y <= last; y++ {
		out = append(out, strings.ReplaceAll(source, yearPlaceholder, strconv.Itoa(y)))
	}
	return out
}

func (l *Loader) open(ctx context.Context, src string) (io.ReadCloser, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("open report file: %w", err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: status %d", src, resp.StatusCode)
	}
	return resp.Body, nil
}

var requiredColumns = []string{"date", "time", "slat", "slon", "mag", "st"}

// parseReports reads an SPC CSV, keeping rows whose UTC time falls within
// [start, end].
func parseReports(r io.Reader, f Feed, start, end time.Time) (Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return Result{}, fmt.Errorf("missing column %q", name)
		}
	}

	var out Result
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read row: %w", err)
		}
		field := func(name string) string {
			i := col[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		wall, err := parseWallClock(field("date"), field("time"))
		if err != nil {
			out.Rejected++
			continue
		}
		at, err := ToUTC(wall, f.loc, f.Policy)
		if err != nil {
			out.Rejected++
			continue
		}
		if at.Before(start) || at.After(end) {
			continue
		}
		lat, errLat := strconv.ParseFloat(field("slat"), 64)
		lon, errLon := strconv.ParseFloat(field("slon"), 64)
		if errLat != nil || errLon != nil {
			out.Rejected++
			continue
		}

		out.Reports = append(out.Reports, Report{
			Feed:      f.Name,
			Time:      at,
			Latitude:  lat,
			Longitude: lon,
			Magnitude: field("mag"),
			State:     field("st"),
		})
	}
	return out, nil
}

func parseWallClock(date, clock string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "1/2/2006 15:04"} {
		if t, err := time.Parse(layout, date+" "+clock); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date/time %q %q", date, clock)
}
