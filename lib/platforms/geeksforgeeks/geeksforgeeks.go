package geeksforgeeks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cptracker/lib/leaderboard"
	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("platforms/geeksforgeeks")

const notFoundMessage = "user not found!"

// DefaultWeeklyWeight is how much of the combined rating comes from
// weekly contests; the remainder comes from the practice score.
const DefaultWeeklyWeight = 0.75

type Options struct {
	// PracticeURL is the profile api endpoint, queried as ?handle=<h>.
	PracticeURL string `json:"practice_url"`
	// ContestURL is the weekly contest leaderboard endpoint, paged as
	// ?leaderboard_type=0&page=<n>.
	ContestURL string `json:"contest_url"`
	// Referer sent with api requests; the endpoint rejects bare calls.
	Referer string `json:"referer"`
	// WeeklyWeight overrides DefaultWeeklyWeight when > 0.
	WeeklyWeight float64 `json:"weekly_weight"`
	Bypass       bool    `json:"bypass_rate_limit"`
}

// Client combines the practice-score api with the weekly contest
// leaderboard cache. The combined rating is
// weight*weekly + (1-weight)*practice.
type Client struct {
	http   *resty.Client
	opts   Options
	weight float64
	cache  *leaderboard.Cache
	now    func() time.Time
}

func NewClient(opts Options, store leaderboard.Store) (*Client, error) {
	limiter := scraper.NewLimiter(2, scraper.PerSecond)
	limiter.SetBypass(opts.Bypass)

	headers := map[string]string{"accept": "application/json"}
	if opts.Referer != "" {
		headers["referer"] = opts.Referer
	}
	http, err := scraper.NewClient(scraper.ClientOptions{
		Limiter:    limiter,
		Headers:    headers,
		TracerName: "platforms/geeksforgeeks/http",
	})
	if err != nil {
		return nil, err
	}

	weight := opts.WeeklyWeight
	if weight <= 0 {
		weight = DefaultWeeklyWeight
	}

	return &Client{
		http:   http,
		opts:   opts,
		weight: weight,
		cache: leaderboard.NewCache(leaderboard.Options{
			Platform:  tracker.PlatformGeeksforgeeks,
			Store:     store,
			BatchSize: 10,
		}),
		now: time.Now,
	}, nil
}

func (c *Client) Platform() tracker.Platform {
	return tracker.PlatformGeeksforgeeks
}

func (c *Client) Close() {}

func (c *Client) Cache() *leaderboard.Cache {
	return c.cache
}

// practiceScore fetches the handle's practice score. The endpoint
// reports missing users through the message field, with the status code
// varying between 200, 400 and 404.
func (c *Client) practiceScore(ctx context.Context, handle string) (float64, json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "practiceScore")
	defer span.End()
	span.SetAttributes(attribute.String("handle", handle))

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("handle", handle).
		Get(c.opts.PracticeURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return 0, nil, scraper.WrapErr(c.Platform(), "practiceScore", handle, err)
	}
	if res.StatusCode() == http.StatusTooManyRequests {
		return 0, nil, scraper.WrapErr(c.Platform(), "practiceScore", handle, scraper.ErrRateLimited)
	}

	var body struct {
		Message string `json:"message"`
		Data    *struct {
			Score *float64 `json:"score"`
		} `json:"data"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil && !res.IsError() {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse response")
		return 0, nil, scraper.WrapErr(c.Platform(), "practiceScore", handle, err)
	}

	if res.IsError() || body.Data == nil {
		if strings.Contains(strings.ToLower(body.Message), notFoundMessage) {
			return 0, nil, scraper.ErrUserNotFound
		}
		span.SetStatus(codes.Error, "request rejected")
		return 0, nil, scraper.WrapErr(c.Platform(), "practiceScore", handle,
			fmt.Errorf("unexpected response: status %s", res.Status()))
	}

	var score float64
	if body.Data.Score != nil {
		score = *body.Data.Score
	}
	return score, res.Body(), nil
}

// fetchPage retrieves one weekly contest leaderboard page. A zero or
// missing score anywhere on the page marks it as the last meaningful
// one.
func (c *Client) fetchPage(ctx context.Context, page int) ([]leaderboard.Row, bool, error) {
	ctx, span := tracer.Start(ctx, "fetchPage")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page))

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"leaderboard_type": "0",
			"page":             strconv.Itoa(page),
		}).
		Get(c.opts.ContestURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, false, scraper.WrapErr(c.Platform(), "fetchPage", "", err)
	}
	if err := scraper.CheckStatus(res); err != nil {
		span.SetStatus(codes.Error, "request rejected")
		return nil, false, scraper.WrapErr(c.Platform(), "fetchPage", "", err)
	}

	var body struct {
		Results []struct {
			UserHandle string   `json:"user_handle"`
			UserScore  *float64 `json:"user_score"`
		} `json:"results"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse leaderboard")
		return nil, false, scraper.WrapErr(c.Platform(), "fetchPage", "", err)
	}

	var rows []leaderboard.Row
	last := false
	for _, result := range body.Results {
		var score float64
		if result.UserScore != nil {
			score = *result.UserScore
		}
		if result.UserScore == nil || score == 0 {
			last = true
		}
		rows = append(rows, leaderboard.Row{Handle: result.UserHandle, Score: score})
	}
	return rows, last, nil
}

// InitializeCache walks weekly contest leaderboard pages until scores
// run out, persisting progress as it goes.
func (c *Client) InitializeCache(ctx context.Context) error {
	return c.cache.InitializePaged(ctx, c.fetchPage, false)
}

func (c *Client) weeklyScore(ctx context.Context, handle string) float64 {
	return c.cache.TotalScore(ctx, handle)
}

// CombinedRating applies the weekly/practice weighting.
func (c *Client) CombinedRating(weekly, practice float64) float64 {
	return weekly*c.weight + practice*(1-c.weight)
}

func (c *Client) FetchParticipant(ctx context.Context, participant *tracker.Participant) (tracker.PlatformStatus, error) {
	ctx, span := tracer.Start(ctx, "FetchParticipant")
	defer span.End()

	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	practice, raw, err := c.practiceScore(ctx, handle)
	if errors.Is(err, scraper.ErrUserNotFound) {
		slog.ErrorContext(ctx, "user not found",
			"platform", c.Platform(), "handle", handle, "participant", participant.ID)
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch participant")
		return tracker.PlatformStatus{}, err
	}

	if !c.cache.Initialized() {
		err := c.InitializeCache(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to initialize cache")
			return tracker.PlatformStatus{}, err
		}
	}
	weekly := c.weeklyScore(ctx, handle)

	return tracker.PlatformStatus{
		Handle:      handle,
		Rating:      tracker.Float(c.CombinedRating(weekly, practice)),
		Exists:      true,
		LastUpdated: c.now(),
		Raw:         raw,
	}, nil
}

func (c *Client) VerifyParticipant(ctx context.Context, participant *tracker.Participant) (bool, error) {
	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return false, nil
	}

	// the contest cache answers without a network round-trip
	if c.cache.Initialized() && len(c.cache.Lookup(ctx, handle)) > 0 {
		return true, nil
	}

	_, _, err := c.practiceScore(ctx, handle)
	if errors.Is(err, scraper.ErrUserNotFound) {
		return false, nil
	}
	// assume the user exists on any other failure
	return true, nil
}
