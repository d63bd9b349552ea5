package leaderboard

import (
	"context"
	"strings"
	"time"

	"cptracker/lib/tracker"
)

// TTL is how long a persisted leaderboard entry counts as fresh.
const TTL = 24 * time.Hour

// Row is one participant's line in a cached leaderboard.
type Row struct {
	Handle string  `json:"handle"`
	Score  float64 `json:"score"`
}

// Entry is a persisted leaderboard unit: one contest for HackerRank,
// one result page for GeeksForGeeks.
type Entry struct {
	Platform    tracker.Platform
	CacheID     string
	Rows        []Row
	LastUpdated time.Time
}

// Fresh reports whether the entry is younger than TTL.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.LastUpdated) < TTL
}

// Store is the persistent tier of the cache. "Not found" is reported
// through the bool, not the error; the error means the storage layer
// itself failed.
type Store interface {
	GetEntry(ctx context.Context, platform tracker.Platform, cacheID string, onlyFresh bool) (Entry, bool, error)
	GetEntriesForPlatform(ctx context.Context, platform tracker.Platform, onlyFresh bool) ([]Entry, error)
	SaveEntries(ctx context.Context, entries []Entry) error
}

// normalizeHandle lowercases for case-insensitive leaderboard matching.
func normalizeHandle(handle string) string {
	return strings.ToLower(handle)
}
