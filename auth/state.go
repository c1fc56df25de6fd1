package auth

import (
	"time"

	"github.com/habedi/tokenkeeper/db"
)

// State is the lifecycle state of an account's token.
type State string

const (
	StateValid        State = "VALID"
	StateExpiringSoon State = "EXPIRING_SOON"
	StateExpired      State = "EXPIRED"
	StateInvalid      State = "INVALID"
)

// Classify derives the token state at now. An inactive or missing account, or a
// missing token, is INVALID. A token without an expiry never expires.
func Classify(account *db.SocialAccount, token *db.OAuthToken, now time.Time, threshold time.Duration) State {
	if account == nil || !account.IsActive || token == nil {
		return StateInvalid
	}
	if token.ExpiresAt == nil {
		return StateValid
	}
	exp := *token.ExpiresAt
	switch {
	case !now.Before(exp):
		return StateExpired
	case !now.Add(threshold).Before(exp):
		return StateExpiringSoon
	default:
		return StateValid
	}
}

// NeedsRefresh reports whether a refresh should be attempted in state s.
func (s State) NeedsRefresh() bool {
	return s == StateExpiringSoon || s == StateExpired
}
