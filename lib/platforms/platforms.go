// Package platforms ties the per-site clients behind one interface so
// the orchestration layer can treat every rating source uniformly.
package platforms

import (
	"context"
	"fmt"

	"cptracker/lib/leaderboard"
	"cptracker/lib/platforms/codechef"
	"cptracker/lib/platforms/codeforces"
	"cptracker/lib/platforms/geeksforgeeks"
	"cptracker/lib/platforms/hackerrank"
	"cptracker/lib/platforms/leetcode"
	"cptracker/lib/tracker"
)

// Client is one rating source. FetchParticipant returns a status for
// the participant's handle on the platform; a missing user is a
// successful fetch with Exists false, while transport and auth failures
// surface as errors.
type Client interface {
	Platform() tracker.Platform
	FetchParticipant(ctx context.Context, participant *tracker.Participant) (tracker.PlatformStatus, error)
	VerifyParticipant(ctx context.Context, participant *tracker.Participant) (bool, error)
	Close()
}

// CacheInitializer is implemented by clients that warm a leaderboard
// cache before participant fetches start.
type CacheInitializer interface {
	InitializeCache(ctx context.Context) error
}

// Config carries the per-platform options, typically loaded from
// config.json5.
type Config struct {
	Codechef      codechef.Options      `json:"codechef"`
	Codeforces    codeforces.Options    `json:"codeforces"`
	Geeksforgeeks geeksforgeeks.Options `json:"geeksforgeeks"`
	Hackerrank    hackerrank.Options    `json:"hackerrank"`
	Leetcode      leetcode.Options      `json:"leetcode"`
}

// Build constructs clients for the requested platforms, in the order
// requested. An empty request means all platforms.
func Build(cfg Config, store leaderboard.Store, requested []tracker.Platform) ([]Client, error) {
	if len(requested) == 0 {
		requested = tracker.AllPlatforms()
	}

	clients := make([]Client, 0, len(requested))
	for _, platform := range requested {
		var (
			client Client
			err    error
		)
		switch platform {
		case tracker.PlatformCodechef:
			client, err = codechef.NewClient(cfg.Codechef)
		case tracker.PlatformCodeforces:
			client, err = codeforces.NewClient(cfg.Codeforces)
		case tracker.PlatformGeeksforgeeks:
			client, err = geeksforgeeks.NewClient(cfg.Geeksforgeeks, store)
		case tracker.PlatformHackerrank:
			client, err = hackerrank.NewClient(cfg.Hackerrank, store)
		case tracker.PlatformLeetcode:
			client, err = leetcode.NewClient(cfg.Leetcode)
		default:
			err = fmt.Errorf("unknown platform %q", platform)
		}
		if err != nil {
			for _, built := range clients {
				built.Close()
			}
			return nil, fmt.Errorf("failed to build %s client: %w", platform, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}
