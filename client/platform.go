package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Platform identifies a social media platform.
type Platform string

const (
	TikTok    Platform = "tiktok"
	Instagram Platform = "instagram"
)

// Platforms lists every supported platform.
var Platforms = []Platform{TikTok, Instagram}

// ParsePlatform converts a user supplied name into a Platform.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

var (
	// ErrInvalidGrant means the platform revoked or rejected the credential; the user must reconnect.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrTransient covers network failures, timeouts, 5xx responses and unreadable bodies.
	ErrTransient = errors.New("transient platform error")
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrRejected covers other 4xx responses such as bad client credentials.
	ErrRejected = errors.New("request rejected by platform")
	// ErrNoRefreshToken means the platform needs a refresh token but none is stored.
	// The current token stays usable until it expires.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// RateLimitError is returned when the platform asks the caller to slow down.
// RetryAfter is zero when the platform gave no hint.
type RateLimitError struct {
	Platform   Platform
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Platform, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Platform)
}

// Is makes errors.Is(err, ErrRateLimited) hold for rate limit errors.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Credential is the plaintext material needed to refresh an account's token.
type Credential struct {
	AccessToken  string
	RefreshToken string
}

// Grant is a freshly issued token. An empty RefreshToken means the platform did not rotate it.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
}

// Refresher exchanges a credential for a new grant on one platform.
type Refresher interface {
	Platform() Platform
	Refresh(ctx context.Context, cred Credential) (*Grant, error)
}
