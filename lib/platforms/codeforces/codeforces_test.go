package codeforces

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	client, err := NewClient(Options{
		BaseURL: baseURL,
		APIKey:  "key",
		Secret:  "secret",
		Bypass:  true,
	})
	require.NoError(t, err)
	return client
}

func participant(handle string) *tracker.Participant {
	p := &tracker.Participant{ID: "HT02"}
	p.SetStatus(tracker.PlatformCodeforces, tracker.PlatformStatus{Handle: handle})
	return p
}

func TestGetUsersInfoSignsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "key", q.Get("apiKey"))
		require.Equal(t, "tourist;petr", q.Get("handles"))
		require.NotEmpty(t, q.Get("time"))

		sig := q.Get("apiSig")
		require.Len(t, sig, 6+128, "apiSig is the 6-char nonce plus a sha512 hex digest")

		nonce := sig[:6]
		payload := fmt.Sprintf(
			"%s/user.info?apiKey=%s&handles=%s&time=%s#secret",
			nonce, q.Get("apiKey"), q.Get("handles"), q.Get("time"),
		)
		digest := sha512.Sum512([]byte(payload))
		require.Equal(t, nonce+hex.EncodeToString(digest[:]), sig)

		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"result": []map[string]any{
				{"handle": "tourist", "rating": 3800.0},
				{"handle": "petr", "rating": 3500.0},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	users, err := client.GetUsersInfo(context.Background(), []string{"tourist", "petr"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, float64(3800), users[0].Rating)
	require.NotEmpty(t, users[0].Raw)
}

func TestGetUsersInfoFiltersSentinels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "real", r.URL.Query().Get("handles"))
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"result": []map[string]any{{"handle": "real", "rating": 1500.0}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	users, err := client.GetUsersInfo(context.Background(), []string{"", "#n/a", "a@b.c", "real"})
	require.NoError(t, err)
	require.Len(t, users, 1)

	_, err = client.GetUsersInfo(context.Background(), []string{"", "#n/a"})
	require.ErrorIs(t, err, scraper.ErrUserNotFound)
}

func TestFetchParticipantNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "FAILED",
			"comment": "handles: User with handle ghost not found",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	status, err := client.FetchParticipant(context.Background(), participant("ghost"))
	require.NoError(t, err)
	require.False(t, status.Exists)
}

func TestFetchParticipantApiError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "FAILED",
			"comment": "apiKey: Incorrect signature",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.FetchParticipant(context.Background(), participant("tourist"))
	require.Error(t, err)

	var scrapeErr *scraper.Error
	require.ErrorAs(t, err, &scrapeErr)
}

func TestFetchParticipantRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.FetchParticipant(context.Background(), participant("tourist"))
	require.ErrorIs(t, err, scraper.ErrRateLimited)
}
