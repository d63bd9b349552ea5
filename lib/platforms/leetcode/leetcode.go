package leetcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("platforms/leetcode")

// The graphql layer reports missing users with either of these
// messages depending on the endpoint version.
var notFoundMessages = []string{
	"could not find user",
	"user matching query does not exist",
}

const rankingQuery = `query{userContestRanking(username:"%s"){attendedContestsCount,rating,globalRanking,totalParticipants,topPercentage}}`

// DefaultCacheTTL bounds how long a fetched contest ranking may be
// served from memory before the handle is queried again.
const DefaultCacheTTL = 24 * time.Hour

type Options struct {
	// BaseURL is the graphql endpoint.
	BaseURL string `json:"base_url"`
	// CacheTTLSeconds overrides DefaultCacheTTL when > 0.
	CacheTTLSeconds int  `json:"cache_ttl_seconds"`
	Bypass          bool `json:"bypass_rate_limit"`
}

type cachedStatus struct {
	status    tracker.PlatformStatus
	fetchedAt time.Time
}

// Client queries the leetcode graphql api for contest rankings. Results
// are cached per handle so duplicate handles within a roster cost one
// request, with a TTL so a long-lived process does not serve stale
// ratings forever.
type Client struct {
	http *resty.Client
	opts Options
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cachedStatus

	now func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	limiter := scraper.NewLimiter(1, scraper.PerSecond)
	limiter.SetBypass(opts.Bypass)

	http, err := scraper.NewClient(scraper.ClientOptions{
		BaseURL:    opts.BaseURL,
		Limiter:    limiter,
		TracerName: "platforms/leetcode/http",
	})
	if err != nil {
		return nil, err
	}

	ttl := DefaultCacheTTL
	if opts.CacheTTLSeconds > 0 {
		ttl = time.Duration(opts.CacheTTLSeconds) * time.Second
	}

	return &Client{
		http:  http,
		opts:  opts,
		ttl:   ttl,
		cache: map[string]cachedStatus{},
		now:   time.Now,
	}, nil
}

func (c *Client) Platform() tracker.Platform {
	return tracker.PlatformLeetcode
}

func (c *Client) Close() {}

// ContestRanking is the contest portion of a user's profile.
type ContestRanking struct {
	AttendedContestsCount int     `json:"attendedContestsCount"`
	Rating                float64 `json:"rating"`
	GlobalRanking         int     `json:"globalRanking"`
	TotalParticipants     int     `json:"totalParticipants"`
	TopPercentage         float64 `json:"topPercentage"`
}

// fetchRanking queries the graphql api for one handle. A nil ranking
// with a nil error means the user exists but has never attended a
// contest.
func (c *Client) fetchRanking(ctx context.Context, handle string) (*ContestRanking, json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "fetchRanking")
	defer span.End()
	span.SetAttributes(attribute.String("handle", handle))

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("query", fmt.Sprintf(rankingQuery, handle)).
		Get("")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, nil, scraper.WrapErr(c.Platform(), "fetchRanking", handle, err)
	}
	if err := scraper.CheckStatus(res); err != nil {
		span.SetStatus(codes.Error, "request rejected")
		return nil, nil, scraper.WrapErr(c.Platform(), "fetchRanking", handle, err)
	}

	var body struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Data struct {
			UserContestRanking *ContestRanking `json:"userContestRanking"`
		} `json:"data"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse response")
		return nil, nil, scraper.WrapErr(c.Platform(), "fetchRanking", handle, err)
	}

	if len(body.Errors) > 0 {
		message := strings.ToLower(body.Errors[0].Message)
		for _, marker := range notFoundMessages {
			if strings.Contains(message, marker) {
				return nil, nil, scraper.ErrUserNotFound
			}
		}
		span.SetStatus(codes.Error, body.Errors[0].Message)
		return nil, nil, scraper.WrapErr(c.Platform(), "fetchRanking", handle,
			fmt.Errorf("graphql error: %s", body.Errors[0].Message))
	}

	return body.Data.UserContestRanking, res.Body(), nil
}

func (c *Client) cachedFresh(handle string) (tracker.PlatformStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[handle]
	if !ok || c.now().Sub(entry.fetchedAt) > c.ttl {
		return tracker.PlatformStatus{}, false
	}
	return entry.status, true
}

func (c *Client) storeCached(handle string, status tracker.PlatformStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[handle] = cachedStatus{status: status, fetchedAt: c.now()}
}

func (c *Client) FetchParticipant(ctx context.Context, participant *tracker.Participant) (tracker.PlatformStatus, error) {
	ctx, span := tracer.Start(ctx, "FetchParticipant")
	defer span.End()

	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	if status, ok := c.cachedFresh(handle); ok {
		return status, nil
	}

	ranking, raw, err := c.fetchRanking(ctx, handle)
	if errors.Is(err, scraper.ErrUserNotFound) {
		slog.ErrorContext(ctx, "user not found",
			"platform", c.Platform(), "handle", handle, "participant", participant.ID)
		status := tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}
		c.storeCached(handle, status)
		return status, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch participant")
		return tracker.PlatformStatus{}, err
	}

	// an existing account with no contest history rates as zero
	var rating float64
	if ranking != nil {
		rating = ranking.Rating
	}
	status := tracker.PlatformStatus{
		Handle:      handle,
		Rating:      tracker.Float(rating),
		Exists:      true,
		LastUpdated: c.now(),
		Raw:         raw,
	}
	c.storeCached(handle, status)
	return status, nil
}

func (c *Client) VerifyParticipant(ctx context.Context, participant *tracker.Participant) (bool, error) {
	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return false, nil
	}
	status, err := c.FetchParticipant(ctx, participant)
	if err != nil {
		return false, nil
	}
	return status.Exists, nil
}
