package scraper

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"cptracker/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

type ClientOptions struct {
	BaseURL string
	// Limiter paces every outgoing request. Optional.
	Limiter *Limiter
	// CloudflareBypass swaps in a transport that passes bot checks on
	// scrape-hostile hosts.
	CloudflareBypass bool
	TracerName       string
	Headers          map[string]string
}

// NewClient builds a resty client with the shared acquisition policy:
// cookie jar, browser user agent, 30s timeout, rate limiter middleware
// and up to 3 attempts with exponential backoff on transport errors and
// 5xx responses. HTTP 429 is never retried here; it surfaces as
// ErrRateLimited through CheckStatus so callers can apply their own
// cool-down.
func NewClient(opts ClientOptions) (*resty.Client, error) {
	client := resty.New()
	client.SetBaseURL(opts.BaseURL)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)

	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}

	client.SetHeader("user-agent", browserUserAgent)
	for k, v := range opts.Headers {
		client.SetHeader(k, v)
	}
	client.SetTimeout(time.Second * 30)

	client.SetRetryCount(2)
	client.SetRetryWaitTime(time.Second * 4)
	client.SetRetryMaxWaitTime(time.Second * 10)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		if res != nil && res.StatusCode() == http.StatusTooManyRequests {
			return false
		}
		return err != nil || res.StatusCode() >= 500
	})

	if opts.Limiter != nil {
		limiter := opts.Limiter
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Await(req.Context())
		})
	}

	tracerName := opts.TracerName
	if tracerName == "" {
		tracerName = "scraper/http"
	}
	telemetry.InstrumentResty(client, tracerName)

	return client, nil
}

// CheckStatus classifies a non-2xx response. resty does not turn bad
// statuses into errors, so every call site runs the response through
// here first.
func CheckStatus(res *resty.Response) error {
	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		return ErrRateLimited
	case res.StatusCode() == http.StatusUnauthorized, res.StatusCode() == http.StatusForbidden:
		return ErrAuthentication
	case res.IsError():
		return &statusError{status: res.Status()}
	}
	return nil
}

type statusError struct {
	status string
}

func (e *statusError) Error() string {
	return "unexpected status " + e.status
}
