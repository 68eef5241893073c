// Package restscheduler runs the two periodic REST pollers that feed
// global caches outside the websocket path: open interest (per-symbol,
// ~30s cadence, round-robin) and top long/short account ratio
// (5-minute cadence, partitioned into buckets so the whole symbol set
// isn't hammered at once). Grounded on original_source's
// feeds/orchestrator.py periodic-task shape, generalized from a single
// asyncio.create_task-per-feed loop to one goroutine per poller type
// bounded by golang.org/x/sync/semaphore so a slow REST call never
// backs up the next tick.
package restscheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"marketdata-ingestor/internal/marketrest"
)

// Cache stores the latest polled value with the time it was observed.
// It applies no freshness rule itself, and nothing in the pipeline
// currently reads the OI or long/short caches into a window.
type Cache[T any] struct {
	mu       sync.RWMutex
	values   map[string]cachedValue[T]
}

type cachedValue[T any] struct {
	value       T
	observedAtNs int64
}

// NewCache creates an empty cache.
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{values: make(map[string]cachedValue[T])}
}

// Set stores value for symbol, stamped with observedAtNs.
func (c *Cache[T]) Set(symbol string, value T, observedAtNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[symbol] = cachedValue[T]{value: value, observedAtNs: observedAtNs}
}

// Get returns the cached value for symbol and whether it was found at
// all (freshness is the caller's concern, via the returned timestamp).
func (c *Cache[T]) Get(symbol string) (T, int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[symbol]
	return v.value, v.observedAtNs, ok
}

// Scheduler owns the OI and long/short-ratio poll loops for one
// exchange's symbol set.
type Scheduler struct {
	client  *marketrest.Client
	symbols []string
	logger  *slog.Logger

	oiInterval       time.Duration
	oiConcurrency    int64
	longShortBuckets int
	longShortInterval time.Duration

	OI        *Cache[marketrest.OpenInterest]
	LongShort *Cache[marketrest.LongShortRatio]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures poll cadence and concurrency.
type Config struct {
	OIInterval        time.Duration
	OIConcurrency     int64
	LongShortInterval time.Duration
	LongShortBuckets  int
}

// New builds a scheduler for the given symbol set.
func New(client *marketrest.Client, symbols []string, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.LongShortBuckets <= 0 {
		cfg.LongShortBuckets = 5
	}
	if cfg.OIConcurrency <= 0 {
		cfg.OIConcurrency = 4
	}
	return &Scheduler{
		client:            client,
		symbols:           symbols,
		logger:            logger.With("component", "rest_scheduler"),
		oiInterval:        cfg.OIInterval,
		oiConcurrency:     cfg.OIConcurrency,
		longShortInterval: cfg.LongShortInterval,
		longShortBuckets:  cfg.LongShortBuckets,
		OI:                NewCache[marketrest.OpenInterest](),
		LongShort:         NewCache[marketrest.LongShortRatio](),
	}
}

// Start launches the OI and long/short poll loops. The caller is
// expected to delay calling Start until shards have been running for a
// few seconds, so REST polling doesn't compete with websocket
// bootstrap for rate-limit budget.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.runOIPoller()
	go s.runLongShortPoller()
}

// Stop cancels both poll loops and waits for in-flight requests to
// finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runOIPoller() {
	defer s.wg.Done()
	if s.oiInterval <= 0 || len(s.symbols) == 0 {
		return
	}

	perSymbol := s.oiInterval / time.Duration(len(s.symbols))
	if perSymbol <= 0 {
		perSymbol = time.Millisecond
	}
	ticker := time.NewTicker(perSymbol)
	defer ticker.Stop()

	sem := semaphore.NewWeighted(s.oiConcurrency)
	idx := 0

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			symbol := s.symbols[idx%len(s.symbols)]
			idx++

			if err := sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			s.wg.Add(1)
			go func(symbol string) {
				defer s.wg.Done()
				defer sem.Release(1)
				s.pollOI(symbol)
			}(symbol)
		}
	}
}

func (s *Scheduler) pollOI(symbol string) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	oi, err := s.client.GetOpenInterest(ctx, symbol)
	if err != nil {
		s.logger.Warn("open interest poll failed", "symbol", symbol, "error", err)
		return
	}
	s.OI.Set(symbol, oi, nowNs())
}

func (s *Scheduler) runLongShortPoller() {
	defer s.wg.Done()
	if s.longShortInterval <= 0 || len(s.symbols) == 0 {
		return
	}

	buckets := bucketize(s.symbols, s.longShortBuckets)
	perBucket := s.longShortInterval / time.Duration(len(buckets))
	if perBucket <= 0 {
		perBucket = time.Second
	}
	ticker := time.NewTicker(perBucket)
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			bucket := buckets[idx%len(buckets)]
			idx++
			s.pollLongShortBucket(bucket)
		}
	}
}

func (s *Scheduler) pollLongShortBucket(symbols []string) {
	for _, symbol := range symbols {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		ratio, err := s.client.GetTopLongShortRatio(ctx, symbol)
		cancel()
		if err != nil {
			s.logger.Warn("long/short ratio poll failed", "symbol", symbol, "error", err)
			continue
		}
		s.LongShort.Set(symbol, ratio, nowNs())
	}
}

// bucketize partitions symbols into n roughly-equal interleaved groups
// (symbol i goes to group i % n).
func bucketize(symbols []string, n int) [][]string {
	if n <= 0 || n > len(symbols) {
		n = len(symbols)
	}
	if n == 0 {
		return nil
	}
	out := make([][]string, n)
	for i, sym := range symbols {
		b := i % n
		out[b] = append(out[b], sym)
	}
	return out
}

func nowNs() int64 {
	return time.Now().UnixNano()
}
