package leaderboard

import (
	"context"
	"testing"
	"time"

	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	entries map[string]Entry
	saves   int
	now     func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{entries: map[string]Entry{}, now: now}
}

func (s *memoryStore) key(platform tracker.Platform, cacheID string) string {
	return string(platform) + "/" + cacheID
}

func (s *memoryStore) GetEntry(_ context.Context, platform tracker.Platform, cacheID string, onlyFresh bool) (Entry, bool, error) {
	entry, ok := s.entries[s.key(platform, cacheID)]
	if !ok {
		return Entry{}, false, nil
	}
	if onlyFresh && !entry.Fresh(s.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *memoryStore) GetEntriesForPlatform(_ context.Context, platform tracker.Platform, onlyFresh bool) ([]Entry, error) {
	var out []Entry
	for _, entry := range s.entries {
		if entry.Platform != platform {
			continue
		}
		if onlyFresh && !entry.Fresh(s.now()) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *memoryStore) SaveEntries(_ context.Context, entries []Entry) error {
	s.saves++
	for _, entry := range entries {
		s.entries[s.key(entry.Platform, entry.CacheID)] = entry
	}
	return nil
}

func testOptions(store Store, now time.Time) Options {
	return Options{
		Platform:  tracker.PlatformHackerrank,
		Store:     store,
		BatchSize: 5,
		Cooldown:  time.Millisecond,
		Now:       func() time.Time { return now },
	}
}

func TestInitializeFetchesAndPersists(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })
	cache := NewCache(testOptions(store, now))

	fetched := map[string]int{}
	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		fetched[cacheID]++
		return []Row{{Handle: "Alice", Score: 50}, {Handle: "bob", Score: 30}}, nil
	}

	ctx := context.Background()
	err := cache.Initialize(ctx, []string{"contest-a", "contest-b", "contest-a"}, fetch, false)
	require.NoError(t, err)

	// duplicate unit ids are fetched once
	require.Equal(t, 1, fetched["contest-a"])
	require.Equal(t, 1, fetched["contest-b"])

	// persisted tier holds both units
	entry, ok, err := store.GetEntry(ctx, tracker.PlatformHackerrank, "contest-a", true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.Rows, 2)

	// a second initialize issues no network traffic
	err = cache.Initialize(ctx, []string{"contest-a", "contest-b"}, fetch, false)
	require.NoError(t, err)
	require.Equal(t, 1, fetched["contest-a"])
}

func TestInitializeHydratesFreshEntries(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })
	require.NoError(t, store.SaveEntries(context.Background(), []Entry{{
		Platform:    tracker.PlatformHackerrank,
		CacheID:     "contest-a",
		Rows:        []Row{{Handle: "alice", Score: 70}},
		LastUpdated: now.Add(-time.Hour),
	}}))

	cache := NewCache(testOptions(store, now))
	fetchCalls := 0
	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		fetchCalls++
		return []Row{{Handle: "alice", Score: 99}}, nil
	}

	err := cache.Initialize(context.Background(), []string{"contest-a"}, fetch, false)
	require.NoError(t, err)
	require.Equal(t, 0, fetchCalls, "1h-old entry should be served from the store")

	rows := cache.Lookup(context.Background(), "Alice")
	require.Equal(t, float64(70), rows["contest-a"].Score)
}

func TestInitializeRefetchesStaleEntries(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })
	require.NoError(t, store.SaveEntries(context.Background(), []Entry{{
		Platform:    tracker.PlatformHackerrank,
		CacheID:     "contest-a",
		Rows:        []Row{{Handle: "alice", Score: 70}},
		LastUpdated: now.Add(-25 * time.Hour),
	}}))

	cache := NewCache(testOptions(store, now))
	fetchCalls := 0
	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		fetchCalls++
		return []Row{{Handle: "alice", Score: 99}}, nil
	}

	err := cache.Initialize(context.Background(), []string{"contest-a"}, fetch, false)
	require.NoError(t, err)
	require.Equal(t, 1, fetchCalls, "25h-old entry must be refetched")

	rows := cache.Lookup(context.Background(), "alice")
	require.Equal(t, float64(99), rows["contest-a"].Score)
}

func TestInitializeRateLimitEscalation(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })

	opts := testOptions(store, now)
	opts.Cooldown = time.Minute
	var waits []time.Duration
	opts.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	cache := NewCache(opts)

	attempts := 0
	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		attempts++
		if attempts < 3 {
			return nil, scraper.ErrRateLimited
		}
		return []Row{{Handle: "alice", Score: 10}}, nil
	}

	err := cache.Initialize(context.Background(), []string{"contest-a"}, fetch, false)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, waits)
}

func TestInitializeAbandonsUnitAfterMaxAttempts(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })
	opts := testOptions(store, now)
	opts.Sleep = func(context.Context, time.Duration) error { return nil }
	cache := NewCache(opts)

	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		if cacheID == "bad" {
			return nil, scraper.ErrRateLimited
		}
		return []Row{{Handle: "alice", Score: 5}}, nil
	}

	err := cache.Initialize(context.Background(), []string{"bad", "good"}, fetch, false)
	require.NoError(t, err, "an abandoned unit must not fail initialization")

	_, ok, err := store.GetEntry(context.Background(), tracker.PlatformHackerrank, "bad", false)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.GetEntry(context.Background(), tracker.PlatformHackerrank, "good", false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInitializePagedStopsAtZeroScores(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })
	opts := testOptions(store, now)
	opts.Platform = tracker.PlatformGeeksforgeeks
	opts.BatchSize = 10
	cache := NewCache(opts)

	requested := []int{}
	fetch := func(_ context.Context, page int) ([]Row, bool, error) {
		requested = append(requested, page)
		if page == 2 {
			// a zero score marks the end of the meaningful board
			return []Row{{Handle: "carol", Score: 0}}, true, nil
		}
		return []Row{{Handle: "carol", Score: float64(100 - page)}}, false, nil
	}

	err := cache.InitializePaged(context.Background(), fetch, false)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, requested, "page 3 must never be requested")

	for _, id := range []string{"0", "1", "2"} {
		_, ok, err := store.GetEntry(context.Background(), tracker.PlatformGeeksforgeeks, id, true)
		require.NoError(t, err)
		require.True(t, ok, "page %s should be cached", id)
	}
}

func TestInitializePagedResumesAfterInterruption(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })

	// an earlier walk got through page 0 before being cut off
	require.NoError(t, store.SaveEntries(context.Background(), []Entry{{
		Platform:    tracker.PlatformGeeksforgeeks,
		CacheID:     "0",
		Rows:        []Row{{Handle: "alice", Score: 100}},
		LastUpdated: now.Add(-time.Hour),
	}}))

	opts := testOptions(store, now)
	opts.Platform = tracker.PlatformGeeksforgeeks
	opts.BatchSize = 10
	cache := NewCache(opts)

	requested := []int{}
	fetch := func(_ context.Context, page int) ([]Row, bool, error) {
		requested = append(requested, page)
		if page == 2 {
			return []Row{{Handle: "carol", Score: 0}}, true, nil
		}
		return []Row{{Handle: "bob", Score: float64(100 - page)}}, false, nil
	}

	err := cache.InitializePaged(context.Background(), fetch, false)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, requested, "the walk must pick up after the hydrated page")

	// hydrated and newly fetched pages both answer lookups
	require.Equal(t, float64(100), cache.TotalScore(context.Background(), "alice"))
	require.Equal(t, float64(99), cache.TotalScore(context.Background(), "bob"))
}

func TestInitializePagedSkipsNetworkWhenWalkCompleted(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })

	// a finished walk persisted its tail page, zero score included
	require.NoError(t, store.SaveEntries(context.Background(), []Entry{
		{
			Platform:    tracker.PlatformGeeksforgeeks,
			CacheID:     "0",
			Rows:        []Row{{Handle: "alice", Score: 100}},
			LastUpdated: now.Add(-time.Hour),
		},
		{
			Platform:    tracker.PlatformGeeksforgeeks,
			CacheID:     "1",
			Rows:        []Row{{Handle: "carol", Score: 0}},
			LastUpdated: now.Add(-time.Hour),
		},
	}))

	opts := testOptions(store, now)
	opts.Platform = tracker.PlatformGeeksforgeeks
	cache := NewCache(opts)

	fetchCalls := 0
	fetch := func(_ context.Context, page int) ([]Row, bool, error) {
		fetchCalls++
		return nil, true, nil
	}

	err := cache.InitializePaged(context.Background(), fetch, false)
	require.NoError(t, err)
	require.Equal(t, 0, fetchCalls, "a fully cached board needs no network traffic")
	require.True(t, cache.Initialized())
}

func TestLookupPrefersFreshStoreCopy(t *testing.T) {
	now := time.Now()
	store := newMemoryStore(func() time.Time { return now })
	cache := NewCache(testOptions(store, now))

	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		return []Row{{Handle: "alice", Score: 10}}, nil
	}
	require.NoError(t, cache.Initialize(context.Background(), []string{"c1"}, fetch, false))

	// another process refreshed the persisted copy
	require.NoError(t, store.SaveEntries(context.Background(), []Entry{{
		Platform:    tracker.PlatformHackerrank,
		CacheID:     "c1",
		Rows:        []Row{{Handle: "alice", Score: 42}},
		LastUpdated: now,
	}}))

	rows := cache.Lookup(context.Background(), "alice")
	want := map[string]Row{"c1": {Handle: "alice", Score: 42}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("lookup mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupFallsBackToMemoryWhenStale(t *testing.T) {
	current := time.Now()
	store := newMemoryStore(func() time.Time { return current })
	cache := NewCache(testOptions(store, current))

	fetch := func(_ context.Context, cacheID string) ([]Row, error) {
		return []Row{{Handle: "alice", Score: 10}}, nil
	}
	require.NoError(t, cache.Initialize(context.Background(), []string{"c1"}, fetch, false))

	// the persisted copy ages out; memory still answers
	current = current.Add(25 * time.Hour)
	rows := cache.Lookup(context.Background(), "alice")
	require.Equal(t, float64(10), rows["c1"].Score)

	require.Equal(t, float64(10), cache.TotalScore(context.Background(), "ALICE"))
}
