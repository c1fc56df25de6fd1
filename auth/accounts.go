package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/validation"
	"github.com/rs/zerolog/log"
)

// ConnectRequest carries the result of a completed platform authorization.
type ConnectRequest struct {
	UserID         uint
	Platform       string
	ExternalID     string
	Username       string
	DisplayName    string
	ProfilePicture string
	AccessToken    string
	RefreshToken   string
	TokenType      string
	Scope          string
	// ExpiresIn of zero stores a token without expiry.
	ExpiresIn time.Duration
}

// Connect stores a newly authorized account and its token in one transaction. Connecting
// an account that already exists refreshes its profile, reactivates it and replaces its token.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*db.SocialAccount, error) {
	if _, err := client.ParsePlatform(req.Platform); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	if err := validation.ValidateNonEmptyString("account id", req.ExternalID); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonEmptyString("access token", req.AccessToken); err != nil {
		return nil, err
	}
	user, err := m.users.Get(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", req.UserID, err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("user %d: %w", req.UserID, ErrUserInactive)
	}

	acc := &db.SocialAccount{
		UserID:         req.UserID,
		Platform:       req.Platform,
		ExternalID:     req.ExternalID,
		Username:       req.Username,
		DisplayName:    req.DisplayName,
		ProfilePicture: req.ProfilePicture,
	}
	// The account is not stored yet, so failures are reported against account id 0.
	access, err := m.encrypt(ctx, acc, req.AccessToken)
	if err != nil {
		return nil, err
	}
	var refresh string
	if req.RefreshToken != "" {
		if refresh, err = m.encrypt(ctx, acc, req.RefreshToken); err != nil {
			return nil, err
		}
	}
	tok := &db.OAuthToken{
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		TokenType:             req.TokenType,
		Scope:                 req.Scope,
	}
	if req.ExpiresIn > 0 {
		exp := m.now().Add(req.ExpiresIn)
		tok.ExpiresAt = &exp
	}
	if err := m.accounts.Connect(ctx, acc, tok); err != nil {
		return nil, fmt.Errorf("store %s account %q: %w", acc.Platform, acc.ExternalID, err)
	}

	log.Info().Uint("account_id", acc.ID).Uint("user_id", acc.UserID).Str("platform", acc.Platform).Msg("Account connected")
	return acc, nil
}

// Disconnect deletes the account's token and deactivates the account. The account row is kept.
func (m *Manager) Disconnect(ctx context.Context, accountID uint) error {
	if _, err := m.accounts.Get(ctx, accountID); err != nil {
		return fmt.Errorf("account %d: %w", accountID, err)
	}
	if err := m.tokens.Delete(ctx, accountID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("delete token for account %d: %w", accountID, err)
	}
	if err := m.accounts.SetActive(ctx, accountID, false); err != nil {
		return fmt.Errorf("deactivate account %d: %w", accountID, err)
	}
	log.Info().Uint("account_id", accountID).Msg("Account disconnected")
	return nil
}

// RemoveAccount deletes the account and its token.
func (m *Manager) RemoveAccount(ctx context.Context, accountID uint) error {
	if err := m.accounts.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("remove account %d: %w", accountID, err)
	}
	return nil
}

// ActiveAccounts lists the user's active accounts, optionally restricted to one platform.
func (m *Manager) ActiveAccounts(ctx context.Context, userID uint, platform string) ([]db.SocialAccount, error) {
	if platform != "" {
		if err := validation.ValidatePlatform(platform); err != nil {
			return nil, err
		}
	}
	return m.accounts.ListByUser(ctx, userID, platform, true)
}

// Accounts lists every account, active or not.
func (m *Manager) Accounts(ctx context.Context) ([]db.SocialAccount, error) {
	return m.accounts.List(ctx)
}
