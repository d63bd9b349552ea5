package codeforces

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cptracker/lib/scraper"
	"cptracker/lib/tracker"

	"github.com/go-resty/resty/v2"
	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("platforms/codeforces")

type Options struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Secret  string `json:"secret"`
	Bypass  bool   `json:"bypass_rate_limit"`
}

// Client talks to the Codeforces REST API. Authenticated methods carry
// an apiSig; the documented budget is 1 request per second.
type Client struct {
	http *resty.Client
	opts Options
	now  func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	limiter := scraper.NewLimiter(1, scraper.PerSecond)
	limiter.SetBypass(opts.Bypass)

	http, err := scraper.NewClient(scraper.ClientOptions{
		BaseURL:    opts.BaseURL,
		Limiter:    limiter,
		TracerName: "platforms/codeforces/http",
	})
	if err != nil {
		return nil, err
	}

	return &Client{http: http, opts: opts, now: time.Now}, nil
}

func (c *Client) Platform() tracker.Platform {
	return tracker.PlatformCodeforces
}

func (c *Client) Close() {}

// apiSig is the 6-char nonce followed by
// SHA512("{nonce}/user.info?apiKey={key}&handles={csv}&time={t}#{secret}").
func (c *Client) apiSig(handlesCsv string, unixTime int64) (string, error) {
	nonce, err := random.String(6)
	if err != nil {
		return "", err
	}
	nonce = strings.ToLower(nonce)

	payload := fmt.Sprintf(
		"%s/user.info?apiKey=%s&handles=%s&time=%d#%s",
		nonce, c.opts.APIKey, handlesCsv, unixTime, c.opts.Secret,
	)
	digest := sha512.Sum512([]byte(payload))
	return nonce + hex.EncodeToString(digest[:]), nil
}

// User is one element of a user.info response.
type User struct {
	Handle string          `json:"handle"`
	Rating float64         `json:"rating"`
	Raw    json.RawMessage `json:"-"`
}

// GetUsersInfo resolves a batch of handles in one user.info call,
// joining them with semicolons. Sentinel handles are dropped before the
// request is signed.
func (c *Client) GetUsersInfo(ctx context.Context, handles []string) ([]User, error) {
	ctx, span := tracer.Start(ctx, "GetUsersInfo")
	defer span.End()

	var valid []string
	for _, handle := range handles {
		if !tracker.IsSentinelHandle(handle) {
			valid = append(valid, handle)
		}
	}
	if len(valid) == 0 {
		return nil, scraper.ErrUserNotFound
	}

	handlesCsv := strings.Join(valid, ";")
	unixTime := c.now().Unix()
	sig, err := c.apiSig(handlesCsv, unixTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to sign request")
		return nil, scraper.WrapErr(c.Platform(), "GetUsersInfo", handlesCsv, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"handles": handlesCsv,
			"apiKey":  c.opts.APIKey,
			"time":    strconv.FormatInt(unixTime, 10),
			"apiSig":  sig,
		}).
		Get("/user.info")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, scraper.WrapErr(c.Platform(), "GetUsersInfo", handlesCsv, err)
	}
	if err := scraper.CheckStatus(res); err != nil {
		span.SetStatus(codes.Error, "request rejected")
		return nil, scraper.WrapErr(c.Platform(), "GetUsersInfo", handlesCsv, err)
	}

	var body struct {
		Status  string            `json:"status"`
		Comment string            `json:"comment"`
		Result  []json.RawMessage `json:"result"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse response")
		return nil, scraper.WrapErr(c.Platform(), "GetUsersInfo", handlesCsv, err)
	}

	if body.Status != "OK" {
		if strings.Contains(strings.ToLower(body.Comment), "not found") {
			slog.ErrorContext(ctx, "user not found",
				"platform", c.Platform(), "handles", handlesCsv)
			return nil, scraper.ErrUserNotFound
		}
		span.SetStatus(codes.Error, body.Comment)
		return nil, scraper.WrapErr(c.Platform(), "GetUsersInfo", handlesCsv,
			fmt.Errorf("api error: %s", body.Comment))
	}

	users := make([]User, 0, len(body.Result))
	for _, raw := range body.Result {
		var user User
		err := json.Unmarshal(raw, &user)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to parse user")
			return nil, scraper.WrapErr(c.Platform(), "GetUsersInfo", handlesCsv, err)
		}
		user.Raw = raw
		users = append(users, user)
	}
	return users, nil
}

func (c *Client) FetchParticipant(ctx context.Context, participant *tracker.Participant) (tracker.PlatformStatus, error) {
	ctx, span := tracer.Start(ctx, "FetchParticipant")
	defer span.End()

	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	users, err := c.GetUsersInfo(ctx, []string{handle})
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
	if len(users) == 0 {
		return tracker.PlatformStatus{Handle: handle, Exists: false, LastUpdated: c.now()}, nil
	}

	user := users[0]
	return tracker.PlatformStatus{
		Handle:      handle,
		Rating:      tracker.Float(user.Rating),
		Exists:      true,
		LastUpdated: c.now(),
		Raw:         user.Raw,
	}, nil
}

func (c *Client) VerifyParticipant(ctx context.Context, participant *tracker.Participant) (bool, error) {
	handle := participant.Handle(c.Platform())
	if tracker.IsSentinelHandle(handle) {
		return false, nil
	}
	users, err := c.GetUsersInfo(ctx, []string{handle})
	if err != nil {
		return false, nil
	}
	return len(users) > 0, nil
}
