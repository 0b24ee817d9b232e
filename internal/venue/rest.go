package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"flowtrader/internal/config"
)

// Request is one venue REST call. Mutating requests draw from the order
// rate bucket, everything else from the query bucket.
type Request struct {
	Method   string
	Path     string
	Query    map[string]string
	Body     any
	Mutating bool
}

// ErrorHook lets an adapter refine non-2xx responses into the taxonomy from
// venue-specific body codes before the generic status mapping runs.
// Returning nil falls through to the generic mapping.
type ErrorHook func(status int, body []byte) error

// RESTClient is the transport base a live venue adapter builds on. It owns
// rate limiting, request signing, and mapping HTTP failures onto the error
// taxonomy. It does not retry: the execution placer owns retries, and a
// second retry layer underneath it would multiply attempts.
type RESTClient struct {
	name   string
	http   *resty.Client
	rl     *Limiter
	signer *Signer
	hook   ErrorHook
	logger *slog.Logger
}

// NewRESTClient builds the transport for one configured venue. Unsigned
// requests are sent when the config carries no API key.
func NewRESTClient(cfg config.VenueConfig, timeout time.Duration, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	var signer *Signer
	if cfg.APIKey != "" {
		signer = NewSigner(cfg.APIKey, cfg.APISecret)
	}

	return &RESTClient{
		name:   cfg.Name,
		http:   httpClient,
		rl:     NewLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		signer: signer,
		logger: logger.With("component", "venue", "venue", cfg.Name),
	}
}

// SetErrorHook installs the adapter's body-level error refinement.
func (c *RESTClient) SetErrorHook(hook ErrorHook) {
	c.hook = hook
}

// Do performs one call and decodes a 2xx body into out (when non-nil).
// Failures come back classified: network errors as ErrTransient, HTTP
// statuses via the hook and then the generic mapping.
func (c *RESTClient) Do(ctx context.Context, req Request, out any) error {
	bucket := c.rl.Query
	if req.Mutating {
		bucket = c.rl.Order
	}
	if err := bucket.Wait(ctx); err != nil {
		return err
	}

	r := c.http.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}

	body := ""
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", req.Method, req.Path, err)
		}
		body = string(raw)
		r.SetBody(json.RawMessage(raw))
	}
	if c.signer != nil {
		r.SetHeaders(c.signer.Headers(req.Method, req.Path, body))
	}
	if out != nil {
		r.SetResult(out)
	}

	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", req.Method, req.Path, ErrTransient, err)
	}
	return c.classify(req, resp)
}

func (c *RESTClient) classify(req Request, resp *resty.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	if c.hook != nil {
		if err := c.hook(status, resp.Body()); err != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
		}
	}

	var kind error
	switch {
	case status == http.StatusTooManyRequests:
		kind = &RateLimitError{RetryAfter: retryAfterOf(resp)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrPermanent
	case status >= 500:
		kind = ErrTransient
	default:
		kind = ErrPermanent
	}
	return fmt.Errorf("%s %s: status %d: %s: %w", req.Method, req.Path, status, resp.String(), kind)
}

// retryAfterOf reads the venue's advisory backoff in whole seconds; venues
// that send HTTP dates instead get no advisory and the caller's own backoff
// applies.
func retryAfterOf(resp *resty.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header().Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
