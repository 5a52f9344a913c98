package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// fakeBucket serves ListObjectsV2 pages and object bodies from an in-memory
// key set, splitting listings into pages of pageSize.
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	listed   []string
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.URL.Path != "/" {
		data, ok := b.objects[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.Error(w, "<Error><Code>NoSuchKey</Code></Error>", http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
		return
	}

	q := r.URL.Query()
	if q.Get("list-type") != "2" {
		http.Error(w, "bad list type", http.StatusBadRequest)
		return
	}
	prefix := q.Get("prefix")
	b.listed = append(b.listed, prefix)

	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	offset := 0
	if tok := q.Get("continuation-token"); tok != "" {
		_, _ = fmt.Sscanf(tok, "page-%d", &offset)
	}
	end := min(offset+b.pageSize, len(keys))

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	sb.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&sb, "<Prefix>%s</Prefix><KeyCount>%d</KeyCount>", prefix, end-offset)
	if end < len(keys) {
		fmt.Fprintf(&sb, "<IsTruncated>true</IsTruncated><NextContinuationToken>page-%d</NextContinuationToken>", end)
	} else {
		sb.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys[offset:end] {
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key><LastModified>2024-05-02T00:00:00.000Z</LastModified><Size>%d</Size></Contents>",
			k, len(b.objects[k]))
	}
	sb.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, sb.String())
}

func testClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newBucket(pageSize int, keys ...string) *fakeBucket {
	b := &fakeBucket{objects: make(map[string][]byte), pageSize: pageSize}
	for _, k := range keys {
		b.objects[k] = []byte("scan:" + k)
	}
	return b
}

func TestClient_List_FiltersWindowAndSorts(t *testing.T) {
	bucket := newBucket(2,
		"2024/05/01/KDVN/KDVN20240501_115500_V06",
		"2024/05/01/KDVN/KDVN20240501_120000_V06",
		"2024/05/01/KDVN/KDVN20240501_120500_V06_MDM",
		"2024/05/01/KDVN/KDVN20240501_121000_V06",
		"2024/05/01/KDVN/KDVN20240501_130000_V06",
		"2024/05/01/KDVN/NOTASCAN.txt",
		"2024/05/01/KDMX/KDMX20240501_120000_V06",
	)
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	c := testClient(srv.URL)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	got, err := c.List(context.Background(), "KDVN", start, end)
	require.NoError(t, err)

	var names []string
	for _, d := range got {
		names = append(names, d.Name())
		assert.Equal(t, "KDVN", d.StationID)
		assert.Positive(t, d.ByteSize)
	}
	assert.Equal(t, []string{
		"KDVN20240501_120000_V06",
		"KDVN20240501_120500_V06_MDM",
		"KDVN20240501_121000_V06",
	}, names)
	assert.Equal(t, start, got[0].ObservedAt)
	assert.Equal(t, []string{"2024/05/01/KDVN/", "2024/05/01/KDVN/", "2024/05/01/KDVN/"}, bucket.listed)
}

func TestClient_List_SpansDays(t *testing.T) {
	bucket := newBucket(100,
		"2024/05/01/KDVN/KDVN20240501_235500_V06",
		"2024/05/02/KDVN/KDVN20240502_000400_V06",
		"2024/05/02/KDVN/KDVN20240502_010000_V06",
	)
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	c := testClient(srv.URL)
	start := time.Date(2024, 5, 1, 23, 50, 0, 0, time.UTC)
	end := time.Date(2024, 5, 2, 0, 10, 0, 0, time.UTC)

	got, err := c.List(context.Background(), "KDVN", start, end)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "KDVN20240501_235500_V06", got[0].Name())
	assert.Equal(t, "KDVN20240502_000400_V06", got[1].Name())
	assert.Equal(t, []string{"2024/05/01/KDVN/", "2024/05/02/KDVN/"}, bucket.listed)
}

func TestClient_List_EndIsExclusive(t *testing.T) {
	bucket := newBucket(100, "2024/05/01/KDVN/KDVN20240501_120000_V06")
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	c := testClient(srv.URL)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := c.List(context.Background(), "KDVN", at.Add(-time.Hour), at)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_List_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.List(context.Background(), "KDVN", start, start.Add(time.Hour))
	require.ErrorIs(t, err, domain.ErrFetchFailed)
	assert.Contains(t, err.Error(), "status 503")
}

func TestClient_List_MalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<ListBucketResult><Contents>")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.List(context.Background(), "KDVN", start, start.Add(time.Hour))
	require.ErrorIs(t, err, domain.ErrFetchFailed)
}

func TestClient_Fetch(t *testing.T) {
	bucket := newBucket(100, "2024/05/01/KDVN/KDVN20240501_120000_V06")
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	c := testClient(srv.URL)
	data, err := c.Fetch(context.Background(), domain.ScanDescriptor{
		StationID: "KDVN",
		RemoteKey: "2024/05/01/KDVN/KDVN20240501_120000_V06",
	})
	require.NoError(t, err)
	assert.Equal(t, "scan:2024/05/01/KDVN/KDVN20240501_120000_V06", string(data))
}

func TestClient_Fetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(newBucket(100))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Fetch(context.Background(), domain.ScanDescriptor{
		RemoteKey: "2024/05/01/KDVN/KDVN20240501_120000_V06",
	})
	require.ErrorIs(t, err, domain.ErrFetchFailed)
	assert.Contains(t, err.Error(), "status 404")
}

func TestClient_Fetch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(newBucket(100, "2024/05/01/KDVN/KDVN20240501_120000_V06"))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(srv.URL)
	_, err := c.Fetch(ctx, domain.ScanDescriptor{RemoteKey: "2024/05/01/KDVN/KDVN20240501_120000_V06"})
	require.ErrorIs(t, err, domain.ErrFetchFailed)
	require.ErrorIs(t, err, context.Canceled)
}
