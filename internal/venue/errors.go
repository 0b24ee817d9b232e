package venue

import (
	"errors"
	"fmt"
	"time"
)

// The taxonomy the execution retry loop classifies against. Adapters wrap
// venue-specific failures with exactly one of these so placement code never
// inspects venue payloads.
var (
	// ErrRateLimited marks throttling. Usually carried by a RateLimitError
	// so the caller can honor the venue's advisory backoff.
	ErrRateLimited = errors.New("venue: rate limited")

	// ErrInsufficientBalance marks a rejection for lack of funds. Never
	// retried: the balance will not appear by itself.
	ErrInsufficientBalance = errors.New("venue: insufficient balance")

	// ErrOrderNotFound marks a lookup or cancel of an order the venue does
	// not know.
	ErrOrderNotFound = errors.New("venue: order not found")

	// ErrInvalidOrder marks a structurally rejected order: bad symbol, bad
	// quantity step, notional below the floor. Never retried.
	ErrInvalidOrder = errors.New("venue: invalid order")

	// ErrTransient marks network failures and 5xx responses. Retried with
	// backoff.
	ErrTransient = errors.New("venue: transient failure")

	// ErrPermanent marks failures retrying cannot fix: auth rejections,
	// endpoints gone.
	ErrPermanent = errors.New("venue: permanent failure")

	// ErrUnknownVenue marks a venue name with no registered adapter.
	ErrUnknownVenue = errors.New("venue: not configured")
)

// RateLimitError carries the venue's advisory backoff. errors.Is matches
// ErrRateLimited; errors.As recovers RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("venue: rate limited, retry after %s", e.RetryAfter)
	}
	return "venue: rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Retriable reports whether a placement failure is worth another attempt.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// RetryAfter extracts the venue's advisory backoff, if the error carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
