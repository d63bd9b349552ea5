package scraper

import (
	"errors"
	"fmt"

	"cptracker/lib/tracker"
)

// ErrUserNotFound marks a handle that does not exist on the platform.
// It is terminal for that participant/platform pair and is never retried.
var ErrUserNotFound = errors.New("user not found")

// ErrRateLimited is surfaced immediately on HTTP 429, bypassing the
// transient retry policy. Callers decide how long to cool down.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrAuthentication marks a failed credential exchange. The client is
// unusable until it re-authenticates.
var ErrAuthentication = errors.New("authentication failed")

// Error wraps any other acquisition failure with the platform, handle
// and operation it occurred in.
type Error struct {
	Platform tracker.Platform
	Handle   string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("%s: %s: %s", e.Platform, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: handle %q: %s", e.Platform, e.Op, e.Handle, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func WrapErr(platform tracker.Platform, op, handle string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Platform: platform, Op: op, Handle: handle, Err: err}
}
