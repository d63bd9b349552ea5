package codechef

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("platforms/codechef")

// the api reports missing users with a 200 and one of these messages
var notFoundMessages = []string{
	"user does not exists",
	"no user found for this search",
}

const tokenTTL = 3000 * time.Second

type Options struct {
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Bypass       bool   `json:"bypass_rate_limit"`
}

// Client talks to the CodeChef public API with client-credential OAuth
// and a 30 requests/minute budget.
type Client struct {
	http *resty.Client
	opts Options

	mu         sync.Mutex
	token      string
	tokenFetch time.Time

	now func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	limiter := scraper.NewLimiter(30, scraper.PerMinute)
	limiter.SetBypass(opts.Bypass)

	http, err := scraper.NewClient(scraper.ClientOptions{
		BaseURL:    opts.BaseURL,
		Limiter:    limiter,
		TracerName: "platforms/codechef/http",
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		http: http,
		opts: opts,
		now:  time.Now,
	}, nil
}

func (c *Client) Platform() tracker.Platform {
	return tracker.PlatformCodechef
}

func (c *Client) Close() {}

// accessToken returns the cached bearer token, refreshing it lazily
// once it is older than tokenTTL.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Sub(c.tokenFetch) < tokenTTL {
		return c.token, nil
	}

	ctx, span := tracer.Start(ctx, "accessToken")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "client_credentials",
			"scope":         "public",
			"client_id":     c.opts.ClientID,
			"client_secret": c.opts.ClientSecret,
			"redirect_uri":  "",
		}).
		Post("/oauth/token")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token request failed")
		return "", fmt.Errorf("%w: %s", scraper.ErrAuthentication, err)
	}
	if err := scraper.CheckStatus(res); err != nil {
		span.SetStatus(codes.Error, "token request rejected")
		return "", fmt.Errorf("%w: %s", scraper.ErrAuthentication, err)
	}

	var body struct {
		Result struct {
			Data struct {
				AccessToken string `json:"access_token"`
			} `json:"data"`
		} `json:"result"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil || body.Result.Data.AccessToken == "" {
		span.SetStatus(codes.Error, "token missing from response")
		return "", scraper.ErrAuthentication
	}

	c.token = body.Result.Data.AccessToken
	c.tokenFetch = c.now()
	slog.InfoContext(ctx, "refreshed codechef access token")
	return c.token, nil
}

type userContent struct {
	Ratings struct {
		AllContest float64 `json:"allContest"`
	} `json:"ratings"`
}

// getUserRatings fetches the ratings block for a handle. Returns
// scraper.ErrUserNotFound for handles the api does not know.
func (c *Client) getUserRatings(ctx context.Context, handle string) (userContent, json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "getUserRatings")
	defer span.End()

	token, err := c.accessToken(ctx)
	if err != nil {
		return userContent{}, nil, err
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("fields", "ratings").
		Get("/users/" + handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return userContent{}, nil, scraper.WrapErr(c.Platform(), "getUserRatings", handle, err)
	}
	if err := scraper.CheckStatus(res); err != nil {
		span.SetStatus(codes.Error, "request rejected")
		return userContent{}, nil, scraper.WrapErr(c.Platform(), "getUserRatings", handle, err)
	}

	var body struct {
		Result struct {
			Data struct {
				Message string          `json:"message"`
				Content json.RawMessage `json:"content"`
			} `json:"data"`
		} `json:"result"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse response")
		return userContent{}, nil, scraper.WrapErr(c.Platform(), "getUserRatings", handle, err)
	}

	for _, message := range notFoundMessages {
		if body.Result.Data.Message == message {
			return userContent{}, nil, scraper.ErrUserNotFound
		}
	}

	var content userContent
	if len(body.Result.Data.Content) > 0 {
		err = json.Unmarshal(body.Result.Data.Content, &content)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to parse ratings")
			return userContent{}, nil, scraper.WrapErr(c.Platform(), "getUserRatings", handle, err)
		}
	}
	return content, body.Result.Data.Content, nil
}

func (c *Client) FetchParticipant(ctx context.Context, participant *tracker.Participant) (tracker.PlatformStatus, error) {
	ctx, span := tracer.Start(ctx, "FetchParticipant")
	defer span.End()

	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	content, raw, err := c.getUserRatings(ctx, handle)
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

	return tracker.PlatformStatus{
		Handle:      handle,
		Rating:      tracker.Float(content.Ratings.AllContest),
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
	_, _, err := c.getUserRatings(ctx, handle)
	if err != nil {
		return false, nil
	}
	return true, nil
}
