package db

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OAuthToken stores the encrypted credential pair for one social account.
// Version increases by one on every write and backs CompareAndSwap.
type OAuthToken struct {
	ID                    uint          `gorm:"primaryKey" json:"id"`
	AccountID             uint          `gorm:"not null;uniqueIndex" json:"account_id"`
	Account               SocialAccount `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	AccessTokenEncrypted  string        `gorm:"type:text;not null" json:"-"`
	RefreshTokenEncrypted string        `gorm:"type:text" json:"-"`
	TokenType             string        `gorm:"size:20;not null;default:Bearer" json:"token_type"`
	Scope                 string        `gorm:"size:500" json:"scope"`
	ExpiresAt             *time.Time    `gorm:"index" json:"expires_at,omitempty"`
	Version               int64         `gorm:"not null;default:0" json:"version"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// TableName pins the table name independent of the naming strategy.
func (OAuthToken) TableName() string { return "oauth_tokens" }

type gormTokenRepo struct{ db *gorm.DB }

func (r *gormTokenRepo) Get(ctx context.Context, accountID uint) (*OAuthToken, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	var tok OAuthToken
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&tok).Error; err != nil {
		return nil, translate(err)
	}
	return &tok, nil
}

// Put creates or replaces the token of token.AccountID unconditionally.
// On return token carries the stored ID, Version and timestamps.
func (r *gormTokenRepo) Put(ctx context.Context, token *OAuthToken) error {
	if r.db == nil {
		return errNotInitialized
	}
	normalize(token)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return putToken(tx, token)
	})
}

func putToken(tx *gorm.DB, token *OAuthToken) error {
	var existing OAuthToken
	err := tx.Where("account_id = ?", token.AccountID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		token.ID = 0
		token.Version = 1
		if err := tx.Omit("Account").Create(token).Error; err != nil {
			return translate(err)
		}
		log.Debug().Uint("account_id", token.AccountID).Msg("Token stored")
		return nil
	}
	if err != nil {
		return err
	}
	return write(tx, &existing, token)
}

// CompareAndSwap replaces the stored token only if its version still equals prevVersion.
// It returns ErrStaleWrite otherwise and ErrNotFound when no token exists.
func (r *gormTokenRepo) CompareAndSwap(ctx context.Context, token *OAuthToken, prevVersion int64) error {
	if r.db == nil {
		return errNotInitialized
	}
	normalize(token)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing OAuthToken
		if err := tx.Where("account_id = ?", token.AccountID).First(&existing).Error; err != nil {
			return translate(err)
		}
		if existing.Version != prevVersion {
			log.Debug().
				Uint("account_id", token.AccountID).
				Int64("expected", prevVersion).
				Int64("actual", existing.Version).
				Msg("Discarding stale token write")
			return ErrStaleWrite
		}
		return write(tx, &existing, token)
	})
}

// write updates existing in place with the fields of token, guarded on the version read.
func write(tx *gorm.DB, existing, token *OAuthToken) error {
	now := time.Now().UTC()
	if now.Before(existing.UpdatedAt) {
		now = existing.UpdatedAt
	}
	updates := map[string]interface{}{
		"access_token_encrypted":  token.AccessTokenEncrypted,
		"refresh_token_encrypted": token.RefreshTokenEncrypted,
		"token_type":              token.TokenType,
		"scope":                   token.Scope,
		"expires_at":              token.ExpiresAt,
		"version":                 existing.Version + 1,
		"updated_at":              now,
	}
	res := tx.Model(&OAuthToken{}).
		Where("id = ? AND version = ?", existing.ID, existing.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleWrite
	}
	token.ID = existing.ID
	token.CreatedAt = existing.CreatedAt
	token.Version = existing.Version + 1
	token.UpdatedAt = now
	log.Debug().Uint("account_id", token.AccountID).Int64("version", token.Version).Msg("Token updated")
	return nil
}

func normalize(token *OAuthToken) {
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if token.ExpiresAt != nil {
		t := token.ExpiresAt.UTC().Truncate(time.Second)
		token.ExpiresAt = &t
	}
}

// ListExpiringBefore returns the tokens of active accounts that expire before t,
// soonest first, with Account preloaded. Tokens without an expiry are never listed.
func (r *gormTokenRepo) ListExpiringBefore(ctx context.Context, t time.Time) ([]OAuthToken, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	var tokens []OAuthToken
	err := r.db.WithContext(ctx).
		Joins("JOIN social_accounts ON social_accounts.id = oauth_tokens.account_id").
		Where("social_accounts.is_active = ?", true).
		Where("oauth_tokens.expires_at IS NOT NULL AND oauth_tokens.expires_at < ?", t.UTC()).
		Order("oauth_tokens.expires_at ASC").
		Preload("Account").
		Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *gormTokenRepo) Delete(ctx context.Context, accountID uint) error {
	if r.db == nil {
		return errNotInitialized
	}
	res := r.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&OAuthToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
