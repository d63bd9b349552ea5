package tracker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies one of the competitive programming sites
// participants are tracked on.
type Platform string

const (
	PlatformCodechef      Platform = "codechef"
	PlatformCodeforces    Platform = "codeforces"
	PlatformGeeksforgeeks Platform = "geeksforgeeks"
	PlatformHackerrank    Platform = "hackerrank"
	PlatformLeetcode      Platform = "leetcode"
)

// AllPlatforms returns every supported platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformCodechef,
		PlatformCodeforces,
		PlatformGeeksforgeeks,
		PlatformHackerrank,
		PlatformLeetcode,
	}
}

func ParsePlatform(name string) (Platform, error) {
	for _, p := range AllPlatforms() {
		if strings.EqualFold(name, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform: %s", name)
}

// PlatformStatus is the outcome of the most recent acquisition attempt
// for one participant on one platform.
type PlatformStatus struct {
	Handle      string          `json:"handle"`
	Rating      *float64        `json:"rating"`
	Exists      bool            `json:"exists"`
	LastUpdated time.Time       `json:"last_updated"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// RatingValue treats a missing rating or a non-existent profile as 0.
func (s *PlatformStatus) RatingValue() float64 {
	if s == nil || !s.Exists || s.Rating == nil {
		return 0
	}
	return *s.Rating
}

// Participant is one roster member. A key present in Platforms means an
// acquisition attempt was made for that platform; an absent key means
// the platform was never attempted.
type Participant struct {
	ID        string
	Name      string
	Batch     string
	College   string
	Platforms map[Platform]*PlatformStatus
}

// Handle returns the participant's handle on the given platform, or ""
// if the platform was never configured for them.
func (p *Participant) Handle(platform Platform) string {
	status, ok := p.Platforms[platform]
	if !ok || status == nil {
		return ""
	}
	return status.Handle
}

// SetStatus records a new acquisition outcome, overwriting any previous
// status for the platform.
func (p *Participant) SetStatus(platform Platform, status PlatformStatus) {
	if p.Platforms == nil {
		p.Platforms = map[Platform]*PlatformStatus{}
	}
	p.Platforms[platform] = &status
}

// Clone returns a deep copy: the Platforms map and the statuses it
// points at are duplicated, so mutating the clone never touches the
// original. Required wherever participants cross a goroutine boundary.
func (p Participant) Clone() Participant {
	clone := p
	if p.Platforms == nil {
		return clone
	}
	clone.Platforms = make(map[Platform]*PlatformStatus, len(p.Platforms))
	for platform, status := range p.Platforms {
		if status == nil {
			clone.Platforms[platform] = nil
			continue
		}
		copied := *status
		clone.Platforms[platform] = &copied
	}
	return clone
}

// TotalRating sums the participant's ratings across all attempted
// platforms, counting missing profiles as 0.
func (p *Participant) TotalRating() float64 {
	var total float64
	for _, status := range p.Platforms {
		total += status.RatingValue()
	}
	return total
}

// IsSentinelHandle reports whether a handle is a roster placeholder
// rather than a real account name. Placeholders short-circuit to a
// "does not exist" status without any network traffic.
func IsSentinelHandle(handle string) bool {
	if handle == "" {
		return true
	}
	if strings.EqualFold(handle, "#n/a") {
		return true
	}
	return strings.Contains(handle, "@")
}

func Float(v float64) *float64 {
	return &v
}
