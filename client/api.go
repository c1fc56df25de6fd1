package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every platform call.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a token response is read.
const maxBodyBytes = 1 << 20

// Option configures a platform client.
type Option func(*httpClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *httpClient) { h.http = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *httpClient) {
		if d > 0 {
			h.http.Timeout = d
		}
	}
}

// WithRateLimiter makes the client wait on rl before every request.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(h *httpClient) { h.limiter = rl }
}

// httpClient is the transport shared by the platform clients.
type httpClient struct {
	platform Platform
	http     *http.Client
	limiter  *RateLimiter
}

func newHTTPClient(p Platform, opts ...Option) httpClient {
	h := httpClient{platform: p, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends req after waiting on the limiter and reads the body. Transport failures
// come back as ErrTransient; HTTP status codes are left to the caller.
func (h httpClient) do(ctx context.Context, req *http.Request) (*response, error) {
	if err := h.limiter.Wait(ctx, h.platform); err != nil {
		return nil, fmt.Errorf("%w: %s: waiting for rate limiter: %v", ErrTransient, h.platform, err)
	}

	log.Debug().Str("platform", string(h.platform)).Str("method", req.Method).Str("host", req.URL.Host).Msg("Sending token request")
	resp, err := h.http.Do(req.WithContext(ctx))
	if err != nil {
		log.Warn().Err(redact(err)).Str("platform", string(h.platform)).Msg("Token request failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, h.platform, redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading response body: %v", ErrTransient, h.platform, err)
	}
	log.Debug().Str("platform", string(h.platform)).Int("status", resp.StatusCode).Msg("Token request completed")
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// classifyStatus maps the HTTP status codes shared by every platform. It returns nil
// for 2xx and for statuses the caller handles itself.
func (h httpClient) classifyStatus(r *response) error {
	switch {
	case r.status >= 200 && r.status < 300:
		return nil
	case r.status == http.StatusTooManyRequests:
		return &RateLimitError{Platform: h.platform, RetryAfter: parseRetryAfter(r.header.Get("Retry-After"), time.Now())}
	case r.status >= 500:
		return fmt.Errorf("%w: %s: HTTP %d", ErrTransient, h.platform, r.status)
	default:
		return fmt.Errorf("%w: %s: HTTP %d", ErrRejected, h.platform, r.status)
	}
}

// parseRetryAfter accepts both forms of the Retry-After header.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// redact strips the request URL from transport errors so query-string tokens never reach logs.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err
	}
	return err
}
