// Package decoder calls the external scan decoding service, which turns raw
// Level II volume bytes into the lowest-sweep reflectivity grid.
package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

const maxErrorBody = 512

// Client implements domain.Decoder over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a decoder client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Decode posts the scan bytes and returns the decoded grid. Masked gates are
// reported as domain.MaskedReflectivity.
func (c *Client) Decode(ctx context.Context, name string, r io.Reader) (domain.Grid, error) {
	u := c.baseURL + "/decode?" + url.Values{"filename": {name}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return domain.Grid{}, fmt.Errorf("%w: create request: %w", domain.ErrDecodeFailed, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Grid{}, fmt.Errorf("%w: %s: %w", domain.ErrDecodeFailed, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.Grid{}, fmt.Errorf("%w: %s: status %d: %s", domain.ErrDecodeFailed, name, resp.StatusCode, body)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Grid{}, fmt.Errorf("%w: %s: decode response: %w", domain.ErrDecodeFailed, name, err)
	}
	grid, err := out.grid()
	if err != nil {
		return domain.Grid{}, fmt.Errorf("%w: %s: %w", domain.ErrDecodeFailed, name, err)
	}

	c.logger.Debug("scan decoded", "key", name, "rows", grid.Rows, "cols", grid.Cols,
		"duration", time.Since(start))
	return grid, nil
}

// Decoder service response types.

type response struct {
	Rows         int          `json:"rows"`
	Cols         int          `json:"cols"`
	Reflectivity [][]*float64 `json:"reflectivity"` // null for masked gates
	MinLon       float64      `json:"min_lon"`
	MaxLon       float64      `json:"max_lon"`
	MinLat       float64      `json:"min_lat"`
	MaxLat       float64      `json:"max_lat"`
}

func (r response) grid() (domain.Grid, error) {
	if r.Rows <= 0 || r.Cols <= 0 {
		return domain.Grid{}, fmt.Errorf("empty grid %dx%d", r.Rows, r.Cols)
	}
	if len(r.Reflectivity) != r.Rows {
		return domain.Grid{}, fmt.Errorf("reflectivity has %d rows, header says %d", len(r.Reflectivity), r.Rows)
	}

	values := make([][]float64, r.Rows)
	for i, row := range r.Reflectivity {
		if len(row) != r.Cols {
			return domain.Grid{}, fmt.Errorf("row %d has %d gates, header says %d", i, len(row), r.Cols)
		}
		values[i] = make([]float64, r.Cols)
		for j, v := range row {
			if v == nil {
				values[i][j] = domain.MaskedReflectivity
				continue
			}
			values[i][j] = *v
		}
	}

	return domain.Grid{
		Rows:         r.Rows,
		Cols:         r.Cols,
		Reflectivity: values,
		Bounds: domain.Bounds{
			MinLon: r.MinLon,
			MaxLon: r.MaxLon,
			MinLat: r.MinLat,
			MaxLat: r.MaxLat,
		},
	}, nil
}
