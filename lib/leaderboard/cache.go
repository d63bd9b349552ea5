package leaderboard

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/leaderboard")

// FetchFunc retrieves all rows for one cache unit from the network.
type FetchFunc func(ctx context.Context, cacheID string) ([]Row, error)

// PageFetchFunc retrieves one leaderboard page. last=true means no
// further pages should be requested (the page after this one would only
// hold zero scores).
type PageFetchFunc func(ctx context.Context, page int) (rows []Row, last bool, err error)

type Options struct {
	Platform tracker.Platform
	Store    Store
	// BatchSize is how many fetched units accumulate before a progress
	// save to the store. Defaults to 5.
	BatchSize int
	// MaxAttempts bounds rate-limit retries per unit. Defaults to 3.
	MaxAttempts int
	// Cooldown is the base rate-limit wait; attempt n waits n*Cooldown.
	// Defaults to one minute.
	Cooldown time.Duration
	// MaxPages bounds paged initialization. Defaults to 1000.
	MaxPages int

	// injectable for tests
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Cache is the two-tier leaderboard cache: an in-memory unit map plus a
// handle index, backed by the persistent Store with a 1-day TTL.
type Cache struct {
	opts Options

	mu          sync.RWMutex
	entries     map[string][]Row
	byHandle    map[string]map[string]Row
	initialized bool
}

func NewCache(opts Options) *Cache {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1000
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:     opts,
		entries:  map[string][]Row{},
		byHandle: map[string]map[string]Row{},
	}
}

func (c *Cache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Cache) put(cacheID string, rows []Row) {
	c.entries[cacheID] = rows
	for _, row := range rows {
		handle := normalizeHandle(row.Handle)
		if handle == "" {
			continue
		}
		if c.byHandle[handle] == nil {
			c.byHandle[handle] = map[string]Row{}
		}
		c.byHandle[handle][cacheID] = row
	}
}

// hydrate loads every fresh persisted entry for the platform into the
// memory tier and returns the set of unit ids now present.
func (c *Cache) hydrate(ctx context.Context) (map[string]bool, error) {
	entries, err := c.opts.Store.GetEntriesForPlatform(ctx, c.opts.Platform, true)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := map[string]bool{}
	for _, entry := range entries {
		if _, ok := c.entries[entry.CacheID]; !ok {
			c.put(entry.CacheID, entry.Rows)
		}
		loaded[entry.CacheID] = true
	}
	if len(entries) > 0 {
		slog.InfoContext(ctx, "hydrated leaderboard cache from store",
			"platform", c.opts.Platform, "entries", len(entries))
	}
	return loaded, nil
}

// pageEndsBoard reports whether a hydrated page contains a zero score,
// meaning a previous walk already reached the tail of the board.
func (c *Cache) pageEndsBoard(cacheID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, row := range c.entries[cacheID] {
		if row.Score == 0 {
			return true
		}
	}
	return false
}

// fetchUnit runs one fetch with escalating rate-limit cool-downs. The
// bool is false when the unit was abandoned; abandonment is tolerated,
// not fatal.
func (c *Cache) fetchUnit(ctx context.Context, label string, fetch func(context.Context) ([]Row, error)) ([]Row, bool, error) {
	for attempt := 1; ; attempt++ {
		rows, err := fetch(ctx)
		if err == nil {
			return rows, true, nil
		}
		if errors.Is(err, scraper.ErrRateLimited) {
			if attempt >= c.opts.MaxAttempts {
				slog.WarnContext(ctx, "abandoning leaderboard unit after repeated rate limits",
					"platform", c.opts.Platform, "unit", label, "attempts", attempt)
				return nil, false, nil
			}
			wait := time.Duration(attempt) * c.opts.Cooldown
			slog.WarnContext(ctx, "rate limit while caching leaderboard, cooling down",
				"platform", c.opts.Platform, "unit", label,
				"attempt", attempt, "wait", wait)
			if err := c.opts.Sleep(ctx, wait); err != nil {
				return nil, false, err
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		slog.ErrorContext(ctx, "failed to fetch leaderboard unit",
			"platform", c.opts.Platform, "unit", label, "err", err)
		return nil, false, nil
	}
}

func (c *Cache) save(ctx context.Context, pending []Entry) []Entry {
	if len(pending) == 0 {
		return pending
	}
	err := c.opts.Store.SaveEntries(ctx, pending)
	if err != nil {
		// keep the batch so the next flush retries it
		slog.ErrorContext(ctx, "failed to save leaderboard progress",
			"platform", c.opts.Platform, "entries", len(pending), "err", err)
		return pending
	}
	return pending[:0]
}

// Initialize fills the cache for a fixed set of units (contest ids).
// Idempotent unless force is set: fresh persisted entries are hydrated
// instead of re-fetched, and a second call is a no-op.
func (c *Cache) Initialize(ctx context.Context, cacheIDs []string, fetch FetchFunc, force bool) error {
	ctx, span := tracer.Start(ctx, "Initialize")
	defer span.End()
	span.SetAttributes(attribute.String("platform", string(c.opts.Platform)))

	if c.Initialized() && !force {
		return nil
	}

	loaded := map[string]bool{}
	if !force {
		var err error
		loaded, err = c.hydrate(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to hydrate from store")
			return err
		}
	}

	// de-duplicate while keeping order
	seen := map[string]bool{}
	var pending []Entry
	for _, cacheID := range cacheIDs {
		if cacheID == "" || seen[cacheID] || loaded[cacheID] {
			continue
		}
		seen[cacheID] = true

		id := cacheID
		rows, ok, err := c.fetchUnit(ctx, id, func(ctx context.Context) ([]Row, error) {
			return fetch(ctx, id)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "initialization aborted")
			return err
		}
		if !ok {
			continue
		}

		c.mu.Lock()
		c.put(id, rows)
		c.mu.Unlock()

		pending = append(pending, Entry{
			Platform:    c.opts.Platform,
			CacheID:     id,
			Rows:        rows,
			LastUpdated: c.opts.Now(),
		})
		if len(pending) >= c.opts.BatchSize {
			pending = c.save(ctx, pending)
		}
	}
	c.save(ctx, pending)

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// InitializePaged fills the cache by walking numbered leaderboard pages
// starting at 0, stopping at the first empty page or when the fetcher
// reports the last meaningful page. Fresh persisted pages are hydrated
// instead of re-fetched, and an interrupted walk resumes from the first
// page the store does not hold.
func (c *Cache) InitializePaged(ctx context.Context, fetch PageFetchFunc, force bool) error {
	ctx, span := tracer.Start(ctx, "InitializePaged")
	defer span.End()
	span.SetAttributes(attribute.String("platform", string(c.opts.Platform)))

	if c.Initialized() && !force {
		return nil
	}

	loaded := map[string]bool{}
	if !force {
		var err error
		loaded, err = c.hydrate(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to hydrate from store")
			return err
		}
	}

	var pending []Entry
	for page := 0; page < c.opts.MaxPages; page++ {
		cacheID := strconv.Itoa(page)
		if loaded[cacheID] {
			// pages are rank-ordered descending, so a hydrated page
			// holding a zero score is the end of the previous walk
			if c.pageEndsBoard(cacheID) {
				break
			}
			continue
		}

		p := page
		var last bool
		rows, ok, err := c.fetchUnit(ctx, cacheID, func(ctx context.Context) ([]Row, error) {
			var rows []Row
			var err error
			rows, last, err = fetch(ctx, p)
			return rows, err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "initialization aborted")
			return err
		}
		if !ok {
			// abandoned unit, move on to the next page
			continue
		}
		if len(rows) == 0 {
			slog.InfoContext(ctx, "no more leaderboard pages",
				"platform", c.opts.Platform, "page", page)
			break
		}

		c.mu.Lock()
		c.put(cacheID, rows)
		c.mu.Unlock()

		pending = append(pending, Entry{
			Platform:    c.opts.Platform,
			CacheID:     cacheID,
			Rows:        rows,
			LastUpdated: c.opts.Now(),
		})
		if len(pending) >= c.opts.BatchSize {
			pending = c.save(ctx, pending)
		}

		if last {
			slog.InfoContext(ctx, "reached zero scores, stopping leaderboard walk",
				"platform", c.opts.Platform, "page", page)
			break
		}
	}
	c.save(ctx, pending)

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Lookup returns the cached rows for a handle keyed by unit id. For
// every unit the persistent tier is re-checked: a fresh persisted copy
// wins over memory, while a stale or unreadable store falls back to the
// in-memory row even though it may itself be stale.
func (c *Cache) Lookup(ctx context.Context, handle string) map[string]Row {
	ctx, span := tracer.Start(ctx, "Lookup")
	defer span.End()

	handle = normalizeHandle(handle)
	if tracker.IsSentinelHandle(handle) {
		return nil
	}

	c.mu.RLock()
	units := make(map[string]Row, len(c.byHandle[handle]))
	for cacheID, row := range c.byHandle[handle] {
		units[cacheID] = row
	}
	c.mu.RUnlock()

	results := map[string]Row{}
	for cacheID, memoryRow := range units {
		entry, ok, err := c.opts.Store.GetEntry(ctx, c.opts.Platform, cacheID, true)
		if err != nil {
			slog.ErrorContext(ctx, "failed to check cache freshness, using memory tier",
				"platform", c.opts.Platform, "unit", cacheID, "err", err)
			results[cacheID] = memoryRow
			continue
		}
		if !ok {
			results[cacheID] = memoryRow
			continue
		}

		for _, row := range entry.Rows {
			if normalizeHandle(row.Handle) == handle {
				results[cacheID] = row
				break
			}
		}
		// a fresh entry without the handle means they dropped off the
		// board; no result is recorded for that unit
	}
	return results
}

// TotalScore sums the handle's score across every cached unit.
func (c *Cache) TotalScore(ctx context.Context, handle string) float64 {
	var total float64
	for _, row := range c.Lookup(ctx, handle) {
		total += row.Score
	}
	return total
}
