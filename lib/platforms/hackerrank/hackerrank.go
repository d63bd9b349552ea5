package hackerrank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cptracker/lib/htmlutil"
	"cptracker/lib/leaderboard"
	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("platforms/hackerrank")

// Profile pages are classified by markers rather than status codes:
// hackerrank serves 200s for missing profiles. Kept as package vars so
// a site layout change is a one-line fix.
var (
	existsMarker      = "community-content"
	notFoundTitle     = "HTTP 404: Page Not Found | HackerRank"
	notFoundSelectors = []string{
		".error-title",
		".e404-view",
		".page-not-found-container.container",
	}
)

const leaderboardPageSize = 100

// CohortContests maps a college's batches to their contest lists, with
// a college-wide fallback.
type CohortContests struct {
	Batches map[string][]string `json:"batches"`
	Common  []string            `json:"common"`
}

type Options struct {
	// BaseURL is the profile host.
	BaseURL string `json:"base_url"`
	// APIBaseURL is the contest REST base, e.g. ".../rest/contests".
	APIBaseURL string `json:"api_base_url"`
	// Contests is keyed by college name; Common is the global fallback.
	Contests map[string]CohortContests `json:"contests"`
	Common   []string                  `json:"common"`
	Bypass   bool                      `json:"bypass_rate_limit"`
}

// ContestsFor resolves the contest list for a cohort: batch-specific
// first, then the college-wide list, then the global fallback.
func (o Options) ContestsFor(college, batch string) []string {
	cohort, ok := o.Contests[college]
	if ok {
		if urls, ok := cohort.Batches[batch]; ok {
			return urls
		}
		if len(cohort.Common) > 0 {
			return cohort.Common
		}
	}
	return o.Common
}

// AllContests returns every configured contest across cohorts,
// de-duplicated while keeping order.
func (o Options) AllContests() []string {
	seen := map[string]bool{}
	var out []string
	add := func(urls []string) {
		for _, url := range urls {
			if !seen[url] {
				seen[url] = true
				out = append(out, url)
			}
		}
	}
	for _, cohort := range o.Contests {
		for _, urls := range cohort.Batches {
			add(urls)
		}
		add(cohort.Common)
	}
	add(o.Common)
	return out
}

// ContestID is the last path segment of a contest URL.
func ContestID(url string) string {
	url = strings.TrimRight(url, "/")
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return url
	}
	return url[idx+1:]
}

// Client scrapes hackerrank profile pages and contest leaderboards.
// Contest scores come from the shared leaderboard cache; the profile
// host sits behind cloudflare, hence the bypass transport.
type Client struct {
	http  *resty.Client
	opts  Options
	cache *leaderboard.Cache
	now   func() time.Time
}

func NewClient(opts Options, store leaderboard.Store) (*Client, error) {
	limiter := scraper.NewLimiter(1, scraper.PerSecond)
	limiter.SetBypass(opts.Bypass)

	http, err := scraper.NewClient(scraper.ClientOptions{
		BaseURL:          opts.BaseURL,
		Limiter:          limiter,
		CloudflareBypass: true,
		TracerName:       "platforms/hackerrank/http",
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		http: http,
		opts: opts,
		cache: leaderboard.NewCache(leaderboard.Options{
			Platform:  tracker.PlatformHackerrank,
			Store:     store,
			BatchSize: 5,
		}),
		now: time.Now,
	}, nil
}

func (c *Client) Platform() tracker.Platform {
	return tracker.PlatformHackerrank
}

func (c *Client) Close() {}

func (c *Client) Cache() *leaderboard.Cache {
	return c.cache
}

// verifyProfile reports whether a profile page exists. The page markers
// are checked structurally first, then as raw substrings; an
// unclassifiable page is assumed to exist.
func (c *Client) verifyProfile(ctx context.Context, handle string) (bool, error) {
	ctx, span := tracer.Start(ctx, "verifyProfile")
	defer span.End()
	span.SetAttributes(attribute.String("handle", handle))

	res, err := c.http.R().
		SetContext(ctx).
		Get("/profile/" + handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return false, scraper.WrapErr(c.Platform(), "verifyProfile", handle, err)
	}
	body := res.Body()
	if err := scraper.CheckStatus(res); err != nil {
		// missing profiles sometimes come back as a plain 404 page
		if res.StatusCode() == 404 || pageIsNotFound(body) {
			return false, nil
		}
		span.SetStatus(codes.Error, "request rejected")
		return false, scraper.WrapErr(c.Platform(), "verifyProfile", handle, err)
	}

	if bytes.Contains(body, []byte(existsMarker)) {
		return true, nil
	}
	if pageIsNotFound(body) {
		return false, nil
	}
	// no marker matched either way; assume the profile exists
	return true, nil
}

func pageIsNotFound(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// fall back to raw marker checks on unparseable html
		return bytes.Contains(body, []byte(notFoundTitle))
	}
	for _, selector := range notFoundSelectors {
		if doc.Find(selector).Length() > 0 {
			return true
		}
	}
	for _, node := range doc.Find("title").Nodes {
		if strings.Contains(htmlutil.NormalizeSpace(htmlutil.GetText(node)), notFoundTitle) {
			return true
		}
	}
	return bytes.Contains(body, []byte(notFoundTitle))
}

// fetchContest walks a contest leaderboard page by page until an empty
// page, aggregating duplicate handles.
func (c *Client) fetchContest(ctx context.Context, contestID string) ([]leaderboard.Row, error) {
	ctx, span := tracer.Start(ctx, "fetchContest")
	defer span.End()
	span.SetAttributes(attribute.String("contest", contestID))

	var rows []leaderboard.Row
	offset := 1
	for {
		res, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"offset": strconv.Itoa(offset),
				"limit":  strconv.Itoa(leaderboardPageSize),
			}).
			Get(fmt.Sprintf("%s/%s/leaderboard", c.opts.APIBaseURL, contestID))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			return nil, scraper.WrapErr(c.Platform(), "fetchContest", contestID, err)
		}
		if err := scraper.CheckStatus(res); err != nil {
			span.SetStatus(codes.Error, "request rejected")
			return nil, scraper.WrapErr(c.Platform(), "fetchContest", contestID, err)
		}

		var body struct {
			Models []struct {
				Hacker string  `json:"hacker"`
				Score  float64 `json:"score"`
			} `json:"models"`
		}
		err = json.Unmarshal(res.Body(), &body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to parse leaderboard")
			return nil, scraper.WrapErr(c.Platform(), "fetchContest", contestID, err)
		}
		if len(body.Models) == 0 {
			break
		}

		for _, model := range body.Models {
			rows = append(rows, leaderboard.Row{Handle: model.Hacker, Score: model.Score})
		}
		offset += leaderboardPageSize
	}

	slog.DebugContext(ctx, "fetched contest leaderboard",
		"contest", contestID, "rows", len(rows))
	return rows, nil
}

// InitializeCache warms the leaderboard cache for every configured
// contest. Fresh persisted entries are reused; the rest are fetched.
func (c *Client) InitializeCache(ctx context.Context) error {
	contests := c.opts.AllContests()
	ids := make([]string, 0, len(contests))
	for _, url := range contests {
		ids = append(ids, ContestID(url))
	}
	if len(ids) == 0 {
		slog.WarnContext(ctx, "no hackerrank contests configured")
		return nil
	}
	return c.cache.Initialize(ctx, ids, c.fetchContest, false)
}

// contestScore sums the handle's cached scores over the cohort's
// configured contests.
func (c *Client) contestScore(ctx context.Context, handle string, contests []string) (float64, map[string]float64) {
	configured := map[string]bool{}
	for _, url := range contests {
		configured[ContestID(url)] = true
	}

	scores := map[string]float64{}
	var total float64
	for contestID, row := range c.cache.Lookup(ctx, handle) {
		if !configured[contestID] {
			continue
		}
		scores[contestID] = row.Score
		total += row.Score
	}
	return total, scores
}

func (c *Client) FetchParticipant(ctx context.Context, participant *tracker.Participant) (tracker.PlatformStatus, error) {
	ctx, span := tracer.Start(ctx, "FetchParticipant")
	defer span.End()

	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	exists, err := c.verifyProfile(ctx, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to verify profile")
		return tracker.PlatformStatus{}, err
	}
	if !exists {
		slog.ErrorContext(ctx, "user profile does not exist",
			"platform", c.Platform(), "handle", handle, "participant", participant.ID)
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	contests := c.opts.ContestsFor(participant.College, participant.Batch)
	if len(contests) == 0 {
		slog.WarnContext(ctx, "no contests configured for cohort",
			"college", participant.College, "batch", participant.Batch)
		return tracker.PlatformStatus{
			Handle:      handle,
			Rating:      tracker.Float(0),
			Exists:      true,
			LastUpdated: c.now(),
		}, nil
	}

	if !c.cache.Initialized() {
		err := c.InitializeCache(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to initialize cache")
			return tracker.PlatformStatus{}, err
		}
	}

	total, scores := c.contestScore(ctx, handle, contests)
	raw, _ := json.Marshal(scores)
	return tracker.PlatformStatus{
		Handle:      handle,
		Rating:      tracker.Float(total),
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
	exists, err := c.verifyProfile(ctx, handle)
	if err != nil {
		return false, nil
	}
	return exists, nil
}
