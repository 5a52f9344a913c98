// Package cache keeps downloaded scan files in a directory under a hard byte
// ceiling, evicting the least recently accessed file first.
package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/observability"
)

const tmpSuffix = ".tmp"

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source used for access timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cache *Cache) { cache.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(cache *Cache) { cache.metrics = m }
}

// WithDiscoveryFilter decides which files found in the directory at startup
// are kept. Rejected files are deleted.
func WithDiscoveryFilter(keep func(name string) bool) Option {
	return func(cache *Cache) { cache.keep = keep }
}

// Cache is a directory-backed LRU store of scan files. The size counter and
// the entry list are guarded by a single mutex; every mutation that can change
// the total size happens while holding it, so concurrent admissions never
// jointly overshoot the ceiling.
type Cache struct {
	root     string
	maxBytes int64
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	keep     func(name string) bool

	mu      sync.Mutex
	entries map[string]*entry
	head    *entry // most recently used
	tail    *entry // least recently used
	size    int64
}

type entry struct {
	key        string
	size       int64
	accessedAt time.Time
	prev       *entry
	next       *entry
}

// New opens (creating if needed) the cache directory at root and indexes the
// files already there, oldest modification first. If the directory already
// holds more than maxBytes, the oldest files are evicted.
func New(root string, maxBytes int64, opts ...Option) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache ceiling must be positive, got %d", maxBytes)
	}
	c := &Cache{
		root:     root,
		maxBytes: maxBytes,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", root, err)
	}
	if err := c.load(); err != nil {
		return nil, err
	}

	c.logger.Info("scan cache ready",
		"dir", root,
		"entries", len(c.entries),
		"size", humanize.Bytes(uint64(c.size)),
		"ceiling", humanize.Bytes(uint64(maxBytes)),
	)
	return c, nil
}

// load indexes the existing directory contents. It is the only place the
// directory is walked; afterwards the size is tracked incrementally.
func (c *Cache) load() error {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}

	type found struct {
		name    string
		size    int64
		modTime time.Time
	}
	var files []found
	for _, de := range dirents {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		path := filepath.Join(c.root, name)
		if strings.HasSuffix(name, tmpSuffix) {
			c.removeFile(path, "stale temp file")
			continue
		}
		if domain.ValidateScanName(name) != nil {
			continue
		}
		if c.keep != nil && !c.keep(name) {
			c.removeFile(path, "rejected by discovery filter")
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		files = append(files, found{name: name, size: info.Size(), modTime: info.ModTime()})
	}

	// Oldest first so that the newest file ends up at the head of the list.
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].name < files[j].name
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		e := &entry{key: f.name, size: f.size, accessedAt: f.modTime.UTC()}
		c.entries[f.name] = e
		c.addToFront(e)
		c.size += f.size
	}
	for c.size > c.maxBytes && c.tail != nil {
		c.evictTail()
	}
	c.observe()
	return nil
}

// Admit writes data under key, evicting least recently accessed entries until
// it fits. An entry larger than the whole ceiling is refused with
// domain.ErrEntryTooLarge. Admitting a key that is already cached returns the
// existing entry. A failed admission evicts nothing.
func (c *Cache) Admit(key string, data []byte) (domain.CacheEntry, error) {
	if err := domain.ValidateScanName(key); err != nil {
		return domain.CacheEntry{}, err
	}
	n := int64(len(data))
	if n > c.maxBytes {
		return domain.CacheEntry{}, fmt.Errorf("%w: %s is %s, ceiling %s", domain.ErrEntryTooLarge,
			key, humanize.Bytes(uint64(n)), humanize.Bytes(uint64(c.maxBytes)))
	}

	tmpPath, err := c.writeTemp(key, data)
	if err != nil {
		return domain.CacheEntry{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeFile(tmpPath, "duplicate")
		c.touch(e)
		return c.toEntry(e), nil
	}

	if err := os.Rename(tmpPath, c.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return domain.CacheEntry{}, fmt.Errorf("rename %s: %w", key, err)
	}

	for c.size+n > c.maxBytes && c.tail != nil {
		c.evictTail()
	}

	e := &entry{key: key, size: n, accessedAt: c.now()}
	c.entries[key] = e
	c.addToFront(e)
	c.size += n
	c.observe()

	c.logger.Debug("scan cached", "key", key, "size", humanize.Bytes(uint64(n)),
		"cache_size", humanize.Bytes(uint64(c.size)))
	return c.toEntry(e), nil
}

// Get returns the entry for key and marks it as just accessed.
func (c *Cache) Get(key string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.lookup(false)
		return domain.CacheEntry{}, false
	}
	c.lookup(true)
	c.touch(e)
	return c.toEntry(e), true
}

// Open returns a read handle for key and marks it as just accessed. The file
// is opened under the cache lock, so a concurrent eviction cannot remove it
// between lookup and open. Callers must close the file.
func (c *Cache) Open(key string) (*os.File, domain.CacheEntry, error) {
	if err := domain.ValidateScanName(key); err != nil {
		return nil, domain.CacheEntry{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.lookup(false)
		return nil, domain.CacheEntry{}, fmt.Errorf("%w: %s", domain.ErrNotCached, key)
	}
	f, err := os.Open(c.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed behind our back; forget it.
			c.unlink(e)
			c.observe()
			c.lookup(false)
			return nil, domain.CacheEntry{}, fmt.Errorf("%w: %s", domain.ErrNotCached, key)
		}
		return nil, domain.CacheEntry{}, fmt.Errorf("open cached scan %s: %w", key, err)
	}
	c.lookup(true)
	c.touch(e)
	return f, c.toEntry(e), nil
}

// Invalidate removes key from the cache. Removing a missing key is a no-op.
func (c *Cache) Invalidate(key string) error {
	if err := domain.ValidateScanName(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	c.unlink(e)
	c.observe()
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cached scan %s: %w", key, err)
	}
	return nil
}

// CurrentSize returns the total bytes held by live entries.
func (c *Cache) CurrentSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxBytes returns the configured ceiling.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.root
}

// Keys returns the cached keys in lexical order, which for a single station
// is also chronological order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// writeTemp stages data next to its final path. It needs no lock: the temp
// name is unique and never indexed.
func (c *Cache) writeTemp(key string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(c.root, key+".*"+tmpSuffix)
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close %s: %w", key, err)
	}
	return tmpPath, nil
}

// --- internals (callers hold c.mu) ---

func (c *Cache) evictTail() {
	e := c.tail
	if e == nil {
		return
	}
	c.unlink(e)
	c.removeFile(c.path(e.key), "evicted")
	if c.metrics != nil {
		c.metrics.CacheEvictions.Inc()
	}
}

func (c *Cache) unlink(e *entry) {
	c.remove(e)
	delete(c.entries, e.key)
	c.size -= e.size
}

func (c *Cache) removeFile(path, reason string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("remove cache file failed", "path", path, "reason", reason, "error", err)
		return
	}
	c.logger.Debug("cache file removed", "path", path, "reason", reason)
}

func (c *Cache) touch(e *entry) {
	e.accessedAt = c.now()
	c.moveToFront(e)
}

func (c *Cache) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.root, key)
}

func (c *Cache) toEntry(e *entry) domain.CacheEntry {
	return domain.CacheEntry{
		Key:            e.key,
		LocalPath:      c.path(e.key),
		SizeBytes:      e.size,
		LastAccessedAt: e.accessedAt,
	}
}

func (c *Cache) observe() {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheSizeBytes.Set(float64(c.size))
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *Cache) lookup(hit bool) {
	if c.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.CacheLookups.WithLabelValues(result).Inc()
}

func (c *Cache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *Cache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
