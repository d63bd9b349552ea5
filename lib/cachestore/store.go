package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"time"

	"cptracker/lib/leaderboard"
	"cptracker/lib/tracker"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// Store persists leaderboard cache entries in sqlite. Rows are stored
// as a json blob per entry; the freshness window lives in queries, not
// in the data.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Init creates the schema. Safe to call on every startup.
func (s Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func freshnessFloor(now time.Time) int64 {
	return now.Add(-leaderboard.TTL).Unix()
}

func (s Store) GetEntry(ctx context.Context, platform tracker.Platform, cacheID string, onlyFresh bool) (leaderboard.Entry, bool, error) {
	query := `SELECT rows, last_updated FROM leaderboard_cache
WHERE platform = ? AND cache_id = ?`
	args := []any{string(platform), cacheID}
	if onlyFresh {
		query += ` AND last_updated > ?`
		args = append(args, freshnessFloor(time.Now()))
	}

	var rawRows string
	var lastUpdated int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&rawRows, &lastUpdated)
	if err == sql.ErrNoRows {
		return leaderboard.Entry{}, false, nil
	}
	if err != nil {
		return leaderboard.Entry{}, false, err
	}

	entry, err := scanEntry(platform, cacheID, rawRows, lastUpdated)
	if err != nil {
		return leaderboard.Entry{}, false, err
	}
	return entry, true, nil
}

func (s Store) GetEntriesForPlatform(ctx context.Context, platform tracker.Platform, onlyFresh bool) ([]leaderboard.Entry, error) {
	query := `SELECT cache_id, rows, last_updated FROM leaderboard_cache
WHERE platform = ?`
	args := []any{string(platform)}
	if onlyFresh {
		query += ` AND last_updated > ?`
		args = append(args, freshnessFloor(time.Now()))
	}

	sqlRows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer sqlRows.Close()

	var entries []leaderboard.Entry
	for sqlRows.Next() {
		var cacheID, rawRows string
		var lastUpdated int64
		err := sqlRows.Scan(&cacheID, &rawRows, &lastUpdated)
		if err != nil {
			return nil, err
		}
		entry, err := scanEntry(platform, cacheID, rawRows, lastUpdated)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, sqlRows.Err()
}

func (s Store) SaveEntries(ctx context.Context, entries []leaderboard.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, entry := range entries {
		rawRows, err := json.Marshal(entry.Rows)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO leaderboard_cache
(platform, cache_id, rows, last_updated)
VALUES (?, ?, ?, ?)
ON CONFLICT (platform, cache_id)
DO UPDATE SET rows = excluded.rows, last_updated = excluded.last_updated`,
			string(entry.Platform),
			entry.CacheID,
			string(rawRows),
			entry.LastUpdated.Unix(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanEntry(platform tracker.Platform, cacheID, rawRows string, lastUpdated int64) (leaderboard.Entry, error) {
	var rows []leaderboard.Row
	err := json.Unmarshal([]byte(rawRows), &rows)
	if err != nil {
		return leaderboard.Entry{}, err
	}
	return leaderboard.Entry{
		Platform:    platform,
		CacheID:     cacheID,
		Rows:        rows,
		LastUpdated: time.Unix(lastUpdated, 0),
	}, nil
}
