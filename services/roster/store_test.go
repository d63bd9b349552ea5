package roster

import (
	"context"
	"testing"
	"time"

	"cptracker/lib/testutil"
	"cptracker/lib/tracker"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) Store {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "roster",
		DbSchema: Schema,
	})
	t.Cleanup(cleanup)
	return NewStore(result.DB)
}

func seed(t *testing.T, store Store) {
	alice := tracker.Participant{ID: "HT01", Name: "Alice", Batch: "2026", College: "CMRIT"}
	alice.SetStatus(tracker.PlatformCodechef, tracker.PlatformStatus{Handle: "alice_cc"})
	alice.SetStatus(tracker.PlatformLeetcode, tracker.PlatformStatus{Handle: "alice_lc"})

	bob := tracker.Participant{ID: "HT02", Name: "Bob", Batch: "2027", College: "CMRIT"}
	bob.SetStatus(tracker.PlatformCodechef, tracker.PlatformStatus{Handle: "#N/A"})

	err := store.SaveParticipants(context.Background(), []tracker.Participant{alice, bob})
	require.NoError(t, err)
}

func TestSaveAndGetAll(t *testing.T) {
	store := setup(t)
	seed(t, store)

	participants, err := store.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, participants, 2)

	require.Equal(t, "HT01", participants[0].ID)
	require.Equal(t, "alice_cc", participants[0].Handle(tracker.PlatformCodechef))
	require.Equal(t, "alice_lc", participants[0].Handle(tracker.PlatformLeetcode))
	require.Equal(t, "#N/A", participants[1].Handle(tracker.PlatformCodechef))
}

func TestSaveParticipantsKeepsRatings(t *testing.T) {
	store := setup(t)
	seed(t, store)

	ctx := context.Background()
	err := store.UpdateStatuses(ctx, []StatusUpdate{{
		ParticipantID: "HT01",
		Platform:      tracker.PlatformCodechef,
		Status: tracker.PlatformStatus{
			Handle:      "alice_cc",
			Rating:      tracker.Float(1800),
			Exists:      true,
			LastUpdated: time.Now(),
		},
	}})
	require.NoError(t, err)

	// a roster re-import must not wipe scraped ratings
	seed(t, store)

	participants, err := store.GetAll(ctx)
	require.NoError(t, err)
	status := participants[0].Platforms[tracker.PlatformCodechef]
	require.NotNil(t, status.Rating)
	require.Equal(t, float64(1800), *status.Rating)
}

func TestUpdateStatusesOverwrites(t *testing.T) {
	store := setup(t)
	seed(t, store)

	ctx := context.Background()
	update := func(rating float64) {
		err := store.UpdateStatuses(ctx, []StatusUpdate{{
			ParticipantID: "HT01",
			Platform:      tracker.PlatformLeetcode,
			Status: tracker.PlatformStatus{
				Handle:      "alice_lc",
				Rating:      tracker.Float(rating),
				Exists:      true,
				LastUpdated: time.Unix(1700000000, 0),
			},
		}})
		require.NoError(t, err)
	}
	update(1500)
	update(1650)

	participants, err := store.GetAll(ctx)
	require.NoError(t, err)
	status := participants[0].Platforms[tracker.PlatformLeetcode]
	require.Equal(t, float64(1650), *status.Rating)
	require.True(t, status.Exists)
	require.Equal(t, int64(1700000000), status.LastUpdated.Unix())
}

func TestGetRandomSamples(t *testing.T) {
	store := setup(t)
	seed(t, store)

	participants, err := store.GetRandom(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, participants, 1)

	participants, err = store.GetRandom(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, participants, 2)
}

func TestMaxRating(t *testing.T) {
	store := setup(t)
	seed(t, store)

	ctx := context.Background()
	err := store.UpdateStatuses(ctx, []StatusUpdate{
		{
			ParticipantID: "HT01",
			Platform:      tracker.PlatformCodechef,
			Status:        tracker.PlatformStatus{Handle: "alice_cc", Rating: tracker.Float(1800), Exists: true, LastUpdated: time.Now()},
		},
		{
			ParticipantID: "HT02",
			Platform:      tracker.PlatformCodechef,
			Status:        tracker.PlatformStatus{Handle: "bob_cc", Rating: tracker.Float(2100), Exists: true, LastUpdated: time.Now()},
		},
	})
	require.NoError(t, err)

	max, err := store.MaxRating(ctx, tracker.PlatformCodechef, "", "")
	require.NoError(t, err)
	require.Equal(t, float64(2100), max)

	max, err = store.MaxRating(ctx, tracker.PlatformCodechef, "CMRIT", "2026")
	require.NoError(t, err)
	require.Equal(t, float64(1800), max)

	max, err = store.MaxRating(ctx, tracker.PlatformLeetcode, "", "")
	require.NoError(t, err)
	require.Equal(t, float64(0), max)
}
