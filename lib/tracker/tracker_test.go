package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("CodeChef")
	require.NoError(t, err)
	require.Equal(t, PlatformCodechef, p)

	p, err = ParsePlatform("leetcode")
	require.NoError(t, err)
	require.Equal(t, PlatformLeetcode, p)

	_, err = ParsePlatform("topcoder")
	require.Error(t, err)
}

func TestIsSentinelHandle(t *testing.T) {
	require.True(t, IsSentinelHandle(""))
	require.True(t, IsSentinelHandle("#n/a"))
	require.True(t, IsSentinelHandle("#N/A"))
	require.True(t, IsSentinelHandle("someone@example.com"))
	require.False(t, IsSentinelHandle("tourist"))
}

func TestRatingValue(t *testing.T) {
	var missing *PlatformStatus
	require.Equal(t, float64(0), missing.RatingValue())

	noProfile := &PlatformStatus{Handle: "gone", Exists: false, Rating: Float(1500)}
	require.Equal(t, float64(0), noProfile.RatingValue())

	ok := &PlatformStatus{Handle: "here", Exists: true, Rating: Float(1500)}
	require.Equal(t, float64(1500), ok.RatingValue())
}

func TestCloneDoesNotShareStatuses(t *testing.T) {
	original := Participant{ID: "1"}
	original.SetStatus(PlatformCodechef, PlatformStatus{Handle: "a", Exists: true, Rating: Float(1200)})
	original.SetStatus(PlatformCodeforces, PlatformStatus{Handle: "c"})

	clone := original.Clone()
	clone.SetStatus(PlatformCodechef, PlatformStatus{Handle: "a", Exists: true, Rating: Float(9999)})
	clone.SetStatus(PlatformLeetcode, PlatformStatus{Handle: "b"})

	// writes through the clone must not reach the original's map
	require.Equal(t, float64(1200), *original.Platforms[PlatformCodechef].Rating)
	require.NotContains(t, original.Platforms, PlatformLeetcode)

	// nor may the clone alias the original's status pointers
	original.Platforms[PlatformCodeforces].Handle = "renamed"
	require.Equal(t, "c", clone.Platforms[PlatformCodeforces].Handle)

	empty := Participant{ID: "2"}
	require.Nil(t, empty.Clone().Platforms)
}

func TestTotalRating(t *testing.T) {
	p := &Participant{ID: "1"}
	p.SetStatus(PlatformCodechef, PlatformStatus{Handle: "a", Exists: true, Rating: Float(1200)})
	p.SetStatus(PlatformLeetcode, PlatformStatus{Handle: "b", Exists: true, Rating: Float(1800)})
	p.SetStatus(PlatformCodeforces, PlatformStatus{Handle: "c", Exists: false})

	require.Equal(t, float64(3000), p.TotalRating())
}
