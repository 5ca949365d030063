package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/rider-relay/internal/geo"
	"github.com/example/rider-relay/internal/models"
)

const defaultSpeedMps = 8.0 // ~28.8 km/h city speed

// Client is a routing backend that can answer ETA queries.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by rounded coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// keyFor rounds to 3 decimals, roughly 110 m.
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.3f,%.3f", c.Lat, c.Lng)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive ETA: great-circle distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator answers ETA queries without blocking. A cached routing answer is
// returned when present; otherwise the naive estimate is returned and, if a
// routing client is configured, a background lookup fills the cache.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
	timeout  time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	inflight    map[string]struct{}
	maxInflight int
	wg          sync.WaitGroup
}

type EstimatorOptions struct {
	Client      Client
	CacheTTL    time.Duration
	SpeedMps    float64
	Timeout     time.Duration
	MaxInflight int
	Logger      *slog.Logger
}

func NewEstimator(opts EstimatorOptions) *Estimator {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Estimator{
		client:      opts.Client,
		cache:       NewCache(opts.CacheTTL),
		speedMps:    opts.SpeedMps,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		inflight:    make(map[string]struct{}),
		maxInflight: opts.MaxInflight,
	}
}

// Estimate matches relay.ETAFunc.
func (e *Estimator) Estimate(from, to models.Coord) (float64, bool) {
	if v, ok := e.cache.Get(from, to); ok {
		return v, true
	}
	naive := EstimateSeconds(from, to, e.speedMps)
	if math.IsNaN(naive) || math.IsInf(naive, 0) {
		return 0, false
	}
	if e.client != nil {
		e.refresh(from, to)
	}
	return math.Round(naive), true
}

func (e *Estimator) refresh(from, to models.Coord) {
	k := keyFor(from, to)
	e.mu.Lock()
	if _, busy := e.inflight[k]; busy || len(e.inflight) >= e.maxInflight {
		e.mu.Unlock()
		return
	}
	e.inflight[k] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, k)
			e.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		v, err := e.client.EstimateSeconds(ctx, from, to)
		if err != nil {
			e.logger.Debug("eta_lookup_failed", "error", err)
			return
		}
		e.cache.Set(from, to, math.Round(v))
	}()
}

// Wait blocks until background lookups finish.
func (e *Estimator) Wait() { e.wg.Wait() }
