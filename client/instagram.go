package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// InstagramRefreshURL is the production long-lived token refresh endpoint.
const InstagramRefreshURL = "https://graph.instagram.com/refresh_access_token"

// DefaultInstagramTTL applies when the refresh response omits expires_in.
const DefaultInstagramTTL = 60 * 24 * time.Hour

// Graph API error codes.
const (
	graphCodeInvalidToken  = 190
	graphCodeAppRateLimit  = 4
	graphCodeUserRateLimit = 17
	graphCodeAppRateLimit2 = 32
	graphCodeCallLimit     = 613
)

// InstagramClient refreshes long-lived Instagram tokens. Instagram issues no separate
// refresh token; the current access token is exchanged for a new one.
type InstagramClient struct {
	httpClient
	refreshURL string
}

// NewInstagramClient creates an Instagram refresher. An empty refreshURL selects the production endpoint.
func NewInstagramClient(refreshURL string, opts ...Option) *InstagramClient {
	if refreshURL == "" {
		refreshURL = InstagramRefreshURL
	}
	return &InstagramClient{httpClient: newHTTPClient(Instagram, opts...), refreshURL: refreshURL}
}

func (c *InstagramClient) Platform() Platform { return Instagram }

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type instagramRefreshResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	Error       *graphError `json:"error"`
}

// Refresh exchanges the long-lived access token for a new one.
func (c *InstagramClient) Refresh(ctx context.Context, cred Credential) (*Grant, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: instagram: no access token stored", ErrInvalidGrant)
	}

	u, err := url.Parse(c.refreshURL)
	if err != nil {
		return nil, fmt.Errorf("instagram: parse refresh url: %w", err)
	}
	q := u.Query()
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", cred.AccessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("instagram: build request: %w", err)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var body instagramRefreshResponse
	decodeErr := json.Unmarshal(resp.body, &body)

	if decodeErr == nil && body.Error != nil {
		return nil, c.mapGraphError(resp, body.Error)
	}
	if err := c.classifyStatus(resp); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: instagram: malformed refresh response: %v", ErrTransient, decodeErr)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: instagram: refresh response without access_token", ErrTransient)
	}

	ttl := DefaultInstagramTTL
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	log.Debug().Str("platform", "instagram").Dur("expires_in", ttl).Msg("Token refreshed")
	return &Grant{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
		ExpiresIn:   ttl,
	}, nil
}

// mapGraphError maps a Graph API error object onto the shared error set.
func (c *InstagramClient) mapGraphError(resp *response, gerr *graphError) error {
	switch gerr.Code {
	case graphCodeInvalidToken:
		return fmt.Errorf("%w: instagram: %s", ErrInvalidGrant, gerr.Message)
	case graphCodeAppRateLimit, graphCodeUserRateLimit, graphCodeAppRateLimit2, graphCodeCallLimit:
		return &RateLimitError{Platform: Instagram, RetryAfter: parseRetryAfter(resp.header.Get("Retry-After"), time.Now())}
	}
	if err := c.classifyStatus(resp); err != nil {
		return fmt.Errorf("%w (graph code %d)", err, gerr.Code)
	}
	return fmt.Errorf("%w: instagram: graph code %d: %s", ErrRejected, gerr.Code, gerr.Message)
}
