// Package preload computes report values ahead of a dashboard view and
// keeps them for a short time.
package preload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/metrics"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

// ErrInFlight is returned when a preload for the same key is already running.
var ErrInFlight = errors.New("preload already in flight")

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// warmConcurrency bounds parallel fetches in Warm.
const warmConcurrency = 4

// Key identifies a preloaded report.
type Key struct {
	ReportID string
	Source   snapshots.SourceKind
}

func (k Key) String() string {
	return k.ReportID + "|" + string(k.Source)
}

// Entry is a cached report value.
type Entry struct {
	Value     float64
	FetchedAt time.Time
	Elapsed   time.Duration
}

// Cache holds recently computed report values.
type Cache struct {
	source  snapshots.MetricSource
	cache   *cache.Cache
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Cache. timeout bounds a single fetch.
func New(source snapshots.MetricSource, ttl, timeout time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Cache{
		source:   source,
		cache:    cache.New(ttl, ttl*2),
		timeout:  timeout,
		inflight: make(map[string]struct{}),
	}
}

// Get returns a cached value.
func (c *Cache) Get(key Key) (Entry, bool) {
	v, ok := c.cache.Get(key.String())
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Load returns the cached value or fetches it. A concurrent fetch for the
// same key makes this call return ErrInFlight instead of fetching twice.
func (c *Cache) Load(ctx context.Context, key Key) (Entry, error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}
	return c.fetch(ctx, key)
}

// Refresh fetches key even when a cached value exists.
func (c *Cache) Refresh(ctx context.Context, key Key) (Entry, error) {
	return c.fetch(ctx, key)
}

// Invalidate drops a cached value.
func (c *Cache) Invalidate(key Key) {
	c.cache.Delete(key.String())
}

// Flush drops every cached value.
func (c *Cache) Flush() {
	c.cache.Flush()
}

// Warm loads several reports in parallel. In-flight keys are skipped; the
// first other failure is returned after all fetches finish.
func (c *Cache) Warm(ctx context.Context, keys []Key) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			_, err := c.Load(ctx, key)
			if errors.Is(err, ErrInFlight) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (c *Cache) fetch(ctx context.Context, key Key) (Entry, error) {
	k := key.String()
	if !c.begin(k) {
		metrics.PreloadsSkipped.Inc()
		logger.Debug("preload skipped, already in flight", "report_id", key.ReportID, "source", key.Source)
		return Entry{}, ErrInFlight
	}
	defer c.end(k)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	value, err := c.source.FetchMetric(ctx, key.ReportID, key.Source)
	if err != nil {
		logger.Warn("preload failed", "report_id", key.ReportID, "source", key.Source, "error", err.Error())
		return Entry{}, err
	}

	e := Entry{Value: value, FetchedAt: start, Elapsed: time.Since(start)}
	c.cache.SetDefault(k, e)
	return e, nil
}

func (c *Cache) begin(k string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[k]; busy {
		return false
	}
	c.inflight[k] = struct{}{}
	return true
}

func (c *Cache) end(k string) {
	c.mu.Lock()
	delete(c.inflight, k)
	c.mu.Unlock()
}
