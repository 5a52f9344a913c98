// Package archive lists and downloads NEXRAD Level II scans from the public
// S3 bucket using its anonymous REST interface.
package archive

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// DefaultBaseURL is the NEXRAD Level II archive bucket.
const DefaultBaseURL = "https://unidata-nexrad-level2.s3.amazonaws.com"

// maxErrorBody bounds how much of a failed response is copied into errors.
const maxErrorBody = 512

// Client talks to an S3-compatible bucket laid out as YYYY/MM/DD/SSSS/name.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an archive client.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// List returns the scans for stationID observed in [start, end), ascending by
// observation time. Each UTC day touched by the window is listed separately.
// Objects whose names do not parse as scans are skipped.
func (c *Client) List(ctx context.Context, stationID string, start, end time.Time) ([]domain.ScanDescriptor, error) {
	start, end = start.UTC(), end.UTC()

	var out []domain.ScanDescriptor
	for day := midnight(start); day.Before(end); day = day.AddDate(0, 0, 1) {
		prefix := fmt.Sprintf("%s/%s/", day.Format("2006/01/02"), stationID)
		objects, err := c.listPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			name := path.Base(obj.Key)
			sid, observedAt, err := domain.ParseScanName(name)
			if err != nil {
				c.logger.Debug("skipping unparseable archive object", "key", obj.Key, "error", err)
				continue
			}
			if sid != stationID || observedAt.Before(start) || !observedAt.Before(end) {
				continue
			}
			out = append(out, domain.ScanDescriptor{
				StationID:  sid,
				RemoteKey:  obj.Key,
				ObservedAt: observedAt,
				ByteSize:   obj.Size,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].RemoteKey < out[j].RemoteKey
	})

	c.logger.Debug("archive listing complete", "station_id", stationID,
		"start", start, "end", end, "scans", len(out))
	return out, nil
}

// Fetch downloads the full object for desc.
func (c *Client) Fetch(ctx context.Context, desc domain.ScanDescriptor) ([]byte, error) {
	if err := domain.ValidateScanName(desc.Name()); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetchFailed, err)
	}

	u := c.baseURL + "/" + (&url.URL{Path: desc.RemoteKey}).EscapedPath()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", domain.ErrFetchFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", domain.ErrFetchFailed, desc.RemoteKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: get %s: status %d: %s", domain.ErrFetchFailed, desc.RemoteKey, resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrFetchFailed, desc.RemoteKey, err)
	}

	c.logger.Debug("scan downloaded", "key", desc.RemoteKey, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

func (c *Client) listPrefix(ctx context.Context, prefix string) ([]object, error) {
	var (
		objects []object
		token   string
	)
	for {
		params := url.Values{
			"list-type": {"2"},
			"prefix":    {prefix},
		}
		if token != "" {
			params.Set("continuation-token", token)
		}

		page, err := c.listPage(ctx, c.baseURL+"/?"+params.Encode(), prefix)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)

		if !page.IsTruncated || page.NextContinuationToken == "" {
			return objects, nil
		}
		token = page.NextContinuationToken
	}
}

func (c *Client) listPage(ctx context.Context, fullURL, prefix string) (listBucketResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return listBucketResult{}, fmt.Errorf("%w: create request: %w", domain.ErrFetchFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return listBucketResult{}, fmt.Errorf("%w: list %s: %w", domain.ErrFetchFailed, prefix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return listBucketResult{}, fmt.Errorf("%w: list %s: status %d: %s", domain.ErrFetchFailed, prefix, resp.StatusCode, body)
	}

	var page listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&page); err != nil {
		return listBucketResult{}, fmt.Errorf("%w: decode listing %s: %w", domain.ErrFetchFailed, prefix, err)
	}
	return page, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// S3 ListObjectsV2 response types.

type listBucketResult struct {
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []object `xml:"Contents"`
}

type object struct {
	Key          string    `xml:"Key"`
	Size         int64     `xml:"Size"`
	LastModified time.Time `xml:"LastModified"`
}
