package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TikTokTokenURL is the production TikTok OAuth token endpoint.
const TikTokTokenURL = "https://open.tiktokapis.com/v2/oauth/token/"

// TikTokClient refreshes TikTok tokens with the refresh_token grant.
type TikTokClient struct {
	httpClient
	tokenURL     string
	clientKey    string
	clientSecret string
}

// NewTikTokClient creates a TikTok refresher. An empty tokenURL selects the production endpoint.
func NewTikTokClient(clientKey, clientSecret, tokenURL string, opts ...Option) *TikTokClient {
	if tokenURL == "" {
		tokenURL = TikTokTokenURL
	}
	return &TikTokClient{
		httpClient:   newHTTPClient(TikTok, opts...),
		tokenURL:     tokenURL,
		clientKey:    clientKey,
		clientSecret: clientSecret,
	}
}

func (c *TikTokClient) Platform() Platform { return TikTok }

type tiktokTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	OpenID           string `json:"open_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges cred.RefreshToken for a new token pair.
func (c *TikTokClient) Refresh(ctx context.Context, cred Credential) (*Grant, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("tiktok: %w", ErrNoRefreshToken)
	}

	form := url.Values{
		"client_key":    {c.clientKey},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tiktok: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var body tiktokTokenResponse
	decodeErr := json.Unmarshal(resp.body, &body)

	if decodeErr == nil && body.Error != "" {
		return nil, c.platformError(resp, body)
	}
	if resp.status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: tiktok: HTTP 401", ErrInvalidGrant)
	}
	if err := c.classifyStatus(resp); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: tiktok: malformed token response: %v", ErrTransient, decodeErr)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: tiktok: token response without access_token", ErrTransient)
	}

	log.Debug().Str("platform", "tiktok").Int64("expires_in", body.ExpiresIn).Msg("Token refreshed")
	return &Grant{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		Scope:        body.Scope,
		ExpiresIn:    time.Duration(body.ExpiresIn) * time.Second,
	}, nil
}

// platformError maps a TikTok OAuth error body onto the shared error set.
func (c *TikTokClient) platformError(resp *response, body tiktokTokenResponse) error {
	switch body.Error {
	case "invalid_grant", "access_token_invalid", "refresh_token_invalid":
		return fmt.Errorf("%w: tiktok: %s", ErrInvalidGrant, body.ErrorDescription)
	case "rate_limit_exceeded":
		return &RateLimitError{Platform: TikTok, RetryAfter: parseRetryAfter(resp.header.Get("Retry-After"), time.Now())}
	}
	if err := c.classifyStatus(resp); err != nil {
		return fmt.Errorf("%w (%s)", err, body.Error)
	}
	return fmt.Errorf("%w: tiktok: %s: %s", ErrRejected, body.Error, body.ErrorDescription)
}
