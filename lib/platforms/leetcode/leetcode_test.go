package leetcode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cptracker/lib/tracker"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	server   *httptest.Server
	client   *Client
	requests int
}

func setup(t *testing.T, opts Options) *fixture {
	f := &fixture{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		query := r.URL.Query().Get("query")
		require.Contains(t, query, "userContestRanking")

		switch {
		case strings.Contains(query, `username:"ghost"`):
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"message": "That user matching query does not exist."}},
				"data":   map[string]any{"userContestRanking": nil},
			})
		case strings.Contains(query, `username:"rookie"`):
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"userContestRanking": nil},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"userContestRanking": map[string]any{
					"attendedContestsCount": 12,
					"rating":                1843.5,
					"globalRanking":         20000,
					"totalParticipants":     500000,
					"topPercentage":         4.0,
				}},
			})
		}
	}))
	t.Cleanup(f.server.Close)

	opts.BaseURL = f.server.URL
	opts.Bypass = true
	client, err := NewClient(opts)
	require.NoError(t, err)
	f.client = client
	return f
}

func participant(handle string) *tracker.Participant {
	p := &tracker.Participant{ID: "HT05"}
	p.SetStatus(tracker.PlatformLeetcode, tracker.PlatformStatus{Handle: handle})
	return p
}

func TestFetchParticipant(t *testing.T) {
	f := setup(t, Options{})

	status, err := f.client.FetchParticipant(context.Background(), participant("alice"))
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.Equal(t, 1843.5, *status.Rating)
	require.NotEmpty(t, status.Raw)
}

func TestFetchParticipantNotFound(t *testing.T) {
	f := setup(t, Options{})

	status, err := f.client.FetchParticipant(context.Background(), participant("ghost"))
	require.NoError(t, err)
	require.False(t, status.Exists)
}

func TestFetchParticipantNoContestHistory(t *testing.T) {
	f := setup(t, Options{})

	status, err := f.client.FetchParticipant(context.Background(), participant("rookie"))
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.Equal(t, float64(0), *status.Rating)
}

func TestCacheServesRepeatLookups(t *testing.T) {
	f := setup(t, Options{})

	ctx := context.Background()
	_, err := f.client.FetchParticipant(ctx, participant("alice"))
	require.NoError(t, err)
	_, err = f.client.FetchParticipant(ctx, participant("alice"))
	require.NoError(t, err)
	require.Equal(t, 1, f.requests)

	// not-found results are cached too
	_, err = f.client.FetchParticipant(ctx, participant("ghost"))
	require.NoError(t, err)
	_, err = f.client.FetchParticipant(ctx, participant("ghost"))
	require.NoError(t, err)
	require.Equal(t, 2, f.requests)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	f := setup(t, Options{CacheTTLSeconds: 3600})

	current := time.Now()
	f.client.now = func() time.Time { return current }

	ctx := context.Background()
	_, err := f.client.FetchParticipant(ctx, participant("alice"))
	require.NoError(t, err)
	require.Equal(t, 1, f.requests)

	current = current.Add(2 * time.Hour)
	_, err = f.client.FetchParticipant(ctx, participant("alice"))
	require.NoError(t, err)
	require.Equal(t, 2, f.requests)
}

func TestSentinelHandleSkipsNetwork(t *testing.T) {
	f := setup(t, Options{})

	status, err := f.client.FetchParticipant(context.Background(), participant("#N/A"))
	require.NoError(t, err)
	require.False(t, status.Exists)
	require.Equal(t, 0, f.requests)
}
