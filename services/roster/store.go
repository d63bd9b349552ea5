// Package roster persists the participant roster and the per-platform
// statuses the scrapers produce for it.
package roster

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cptracker/lib/tracker"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

func (s Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// SaveParticipants upserts roster rows and their handles. Ratings
// already stored for a handle are left untouched; only identity fields
// move.
func (s Store) SaveParticipants(ctx context.Context, participants []tracker.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range participants {
		_, err := tx.ExecContext(ctx, `
INSERT INTO participants (id, name, batch, college)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    batch = excluded.batch,
    college = excluded.college
		`, p.ID, p.Name, p.Batch, p.College)
		if err != nil {
			return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
		}

		for platform, status := range p.Platforms {
			_, err := tx.ExecContext(ctx, `
INSERT INTO platform_status (participant_id, platform, handle)
VALUES (?, ?, ?)
ON CONFLICT (participant_id, platform) DO UPDATE SET
    handle = excluded.handle
			`, p.ID, string(platform), status.Handle)
			if err != nil {
				return fmt.Errorf("failed to save handle for %s on %s: %w", p.ID, platform, err)
			}
		}
	}
	return tx.Commit()
}

type participantRow struct {
	id      string
	name    string
	batch   string
	college string
}

func (s Store) loadStatuses(ctx context.Context, rows map[string]*tracker.Participant) error {
	res, err := s.db.QueryContext(ctx, `
SELECT participant_id, platform, handle, rating, exists_on_platform, last_updated, raw
FROM platform_status
	`)
	if err != nil {
		return err
	}
	defer res.Close()

	for res.Next() {
		var (
			participantID string
			platformName  string
			handle        string
			rating        sql.NullFloat64
			exists        bool
			lastUpdated   int64
			raw           sql.NullString
		)
		err := res.Scan(&participantID, &platformName, &handle, &rating, &exists, &lastUpdated, &raw)
		if err != nil {
			return err
		}
		participant, ok := rows[participantID]
		if !ok {
			continue
		}
		platform, err := tracker.ParsePlatform(platformName)
		if err != nil {
			continue
		}

		status := tracker.PlatformStatus{
			Handle:      handle,
			Exists:      exists,
			LastUpdated: time.Unix(lastUpdated, 0),
		}
		if rating.Valid {
			status.Rating = tracker.Float(rating.Float64)
		}
		if raw.Valid && raw.String != "" {
			status.Raw = json.RawMessage(raw.String)
		}
		participant.SetStatus(platform, status)
	}
	return res.Err()
}

func (s Store) queryParticipants(ctx context.Context, query string, args ...any) ([]tracker.Participant, error) {
	res, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	byID := map[string]*tracker.Participant{}
	var order []string
	for res.Next() {
		var row participantRow
		err := res.Scan(&row.id, &row.name, &row.batch, &row.college)
		if err != nil {
			return nil, err
		}
		byID[row.id] = &tracker.Participant{
			ID:      row.id,
			Name:    row.name,
			Batch:   row.batch,
			College: row.college,
		}
		order = append(order, row.id)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}

	err = s.loadStatuses(ctx, byID)
	if err != nil {
		return nil, err
	}

	out := make([]tracker.Participant, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s Store) GetAll(ctx context.Context) ([]tracker.Participant, error) {
	return s.queryParticipants(ctx, `
SELECT id, name, batch, college FROM participants ORDER BY id
	`)
}

// GetRandom samples up to n participants, for spot checks against the
// live sites without walking the whole roster.
func (s Store) GetRandom(ctx context.Context, n int) ([]tracker.Participant, error) {
	participants, err := s.queryParticipants(ctx, `
SELECT id, name, batch, college FROM participants ORDER BY RANDOM() LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})
	return participants, nil
}

// StatusUpdate is one scraped result bound for the store.
type StatusUpdate struct {
	ParticipantID string
	Platform      tracker.Platform
	Status        tracker.PlatformStatus
}

// UpdateStatuses overwrites the stored status for each update in one
// transaction.
func (s Store) UpdateStatuses(ctx context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, update := range updates {
		var rating any
		if update.Status.Rating != nil {
			rating = *update.Status.Rating
		}
		var raw any
		if len(update.Status.Raw) > 0 {
			raw = string(update.Status.Raw)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO platform_status (participant_id, platform, handle, rating, exists_on_platform, last_updated, raw)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (participant_id, platform) DO UPDATE SET
    handle = excluded.handle,
    rating = excluded.rating,
    exists_on_platform = excluded.exists_on_platform,
    last_updated = excluded.last_updated,
    raw = excluded.raw
		`,
			update.ParticipantID,
			string(update.Platform),
			update.Status.Handle,
			rating,
			update.Status.Exists,
			update.Status.LastUpdated.Unix(),
			raw,
		)
		if err != nil {
			return fmt.Errorf("failed to update %s on %s: %w", update.ParticipantID, update.Platform, err)
		}
	}
	return tx.Commit()
}

// MaxRating reports the best stored rating on a platform, optionally
// narrowed to a college and batch. Empty filters match everything.
func (s Store) MaxRating(ctx context.Context, platform tracker.Platform, college, batch string) (float64, error) {
	query := `
SELECT COALESCE(MAX(ps.rating), 0)
FROM platform_status ps
JOIN participants p ON p.id = ps.participant_id
WHERE ps.platform = ? AND ps.exists_on_platform = 1
	`
	args := []any{string(platform)}
	if college != "" {
		query += " AND p.college = ?"
		args = append(args, college)
	}
	if batch != "" {
		query += " AND p.batch = ?"
		args = append(args, batch)
	}

	var max float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}
