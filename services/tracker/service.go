// Package tracker orchestrates scraping: it walks the roster against
// each platform client, absorbs rate limits, and persists the results.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cptracker/lib/platforms"
	"cptracker/lib/scraper"
	"cptracker/lib/tracker"
	"cptracker/services/roster"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/tracker")

// DefaultCooldown is how long a platform loop pauses after the site
// reports a rate limit, before the single retry.
const DefaultCooldown = time.Minute

type Options struct {
	Store roster.Store
	// Cooldown overrides DefaultCooldown when > 0.
	Cooldown time.Duration
}

type Service struct {
	store    roster.Store
	cooldown time.Duration

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewService(opts Options) Service {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return Service{
		store:    opts.Store,
		cooldown: cooldown,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetchOne fetches a participant's status, retrying exactly once after
// a cooldown if the platform rate-limits us. Any other failure skips
// the participant, leaving whatever status is already stored.
func (s Service) fetchOne(ctx context.Context, client platforms.Client, participant *tracker.Participant) (tracker.PlatformStatus, bool, error) {
	status, err := client.FetchParticipant(ctx, participant)
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, scraper.ErrRateLimited) {
		slog.ErrorContext(ctx, "failed to fetch participant, skipping",
			"platform", client.Platform(), "participant", participant.ID, "err", err)
		return tracker.PlatformStatus{}, false, nil
	}

	slog.WarnContext(ctx, "rate limited, cooling down",
		"platform", client.Platform(), "participant", participant.ID,
		"cooldown", s.cooldown)
	if err := s.sleep(ctx, s.cooldown); err != nil {
		return tracker.PlatformStatus{}, false, err
	}

	status, err = client.FetchParticipant(ctx, participant)
	if err != nil {
		slog.ErrorContext(ctx, "still failing after cooldown, skipping",
			"platform", client.Platform(), "participant", participant.ID, "err", err)
		return tracker.PlatformStatus{}, false, nil
	}
	return status, true, nil
}

// ScrapePlatform runs one client over the roster sequentially and
// persists the successful statuses in one transaction. It returns the
// number of participants whose status was updated.
func (s Service) ScrapePlatform(ctx context.Context, client platforms.Client, participants []tracker.Participant) (int, error) {
	ctx, span := tracer.Start(ctx, "ScrapePlatform")
	defer span.End()
	span.SetAttributes(attribute.String("platform", string(client.Platform())))

	start := s.now()
	var updates []roster.StatusUpdate
	for i := range participants {
		participant := &participants[i]

		status, ok, err := s.fetchOne(ctx, client, participant)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scrape aborted")
			return 0, err
		}
		if ok {
			participant.SetStatus(client.Platform(), status)
			updates = append(updates, roster.StatusUpdate{
				ParticipantID: participant.ID,
				Platform:      client.Platform(),
				Status:        status,
			})
		}

		processed := i + 1
		elapsed := s.now().Sub(start)
		// expected duration of the whole pass, extrapolated from the
		// participants processed so far
		eta := elapsed * time.Duration(len(participants)) / time.Duration(processed)
		slog.InfoContext(ctx, "scrape progress",
			"platform", client.Platform(),
			"processed", processed,
			"total", len(participants),
			"eta", eta.Round(time.Second))
	}

	err := s.store.UpdateStatuses(ctx, updates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist statuses")
		return 0, err
	}
	return len(updates), nil
}

// ScrapeAll fans out one goroutine per platform client, each with its
// own rate limiter and persistence. A failing platform is logged and
// left out of the result; the others are unaffected.
func (s Service) ScrapeAll(ctx context.Context, clients []platforms.Client, participants []tracker.Participant) map[tracker.Platform]int {
	ctx, span := tracer.Start(ctx, "ScrapeAll")
	defer span.End()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		updated = map[tracker.Platform]int{}
	)
	for _, client := range clients {
		wg.Add(1)
		go func(client platforms.Client) {
			defer wg.Done()

			// each platform walks its own deep copy: the Platforms
			// maps must not be shared, or concurrent SetStatus calls
			// race on them
			batch := make([]tracker.Participant, len(participants))
			for i := range participants {
				batch[i] = participants[i].Clone()
			}

			count, err := s.ScrapePlatform(ctx, client, batch)
			if err != nil {
				slog.ErrorContext(ctx, "platform scrape failed",
					"platform", client.Platform(), "err", err)
				return
			}
			mu.Lock()
			updated[client.Platform()] = count
			mu.Unlock()
		}(client)
	}
	wg.Wait()
	return updated
}

// VerificationResult is one participant/platform existence check.
type VerificationResult struct {
	ParticipantID string
	Platform      tracker.Platform
	Handle        string
	Ok            bool
}

// VerifyRoster checks that each participant's handle resolves on each
// platform, without touching stored ratings.
func (s Service) VerifyRoster(ctx context.Context, clients []platforms.Client, participants []tracker.Participant) []VerificationResult {
	ctx, span := tracer.Start(ctx, "VerifyRoster")
	defer span.End()

	var results []VerificationResult
	for _, client := range clients {
		for i := range participants {
			participant := &participants[i]
			handle := participant.Handle(client.Platform())

			ok, err := client.VerifyParticipant(ctx, participant)
			if err != nil {
				slog.ErrorContext(ctx, "verification errored",
					"platform", client.Platform(), "participant", participant.ID, "err", err)
				ok = false
			}
			results = append(results, VerificationResult{
				ParticipantID: participant.ID,
				Platform:      client.Platform(),
				Handle:        handle,
				Ok:            ok,
			})
		}
	}
	return results
}
