package db

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SocialAccount is a platform account connected by a user.
// (Platform, ExternalID) is unique across the table.
type SocialAccount struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	User           User       `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Platform       string     `gorm:"size:20;not null;index;uniqueIndex:idx_platform_account,priority:1" json:"platform"`
	ExternalID     string     `gorm:"column:account_id;size:100;not null;uniqueIndex:idx_platform_account,priority:2" json:"account_id"`
	Username       string     `gorm:"size:100" json:"username"`
	DisplayName    string     `gorm:"size:200" json:"display_name"`
	ProfilePicture string     `gorm:"size:500" json:"profile_picture"`
	IsActive       bool       `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// TableName pins the table name independent of the naming strategy.
func (SocialAccount) TableName() string { return "social_accounts" }

type gormAccountRepo struct{ db *gorm.DB }

func (r *gormAccountRepo) Get(ctx context.Context, id uint) (*SocialAccount, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	var acc SocialAccount
	if err := r.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

// Upsert creates the account, or refreshes the profile fields of the existing
// (platform, account_id) row and reactivates it. account.ID is set on return.
func (r *gormAccountRepo) Upsert(ctx context.Context, account *SocialAccount) error {
	if r.db == nil {
		return errNotInitialized
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertAccount(tx, account)
	})
}

// Connect upserts the account and replaces its token in one transaction, so a failed
// token write leaves the account as it was. token.AccountID is set from the account.
func (r *gormAccountRepo) Connect(ctx context.Context, account *SocialAccount, token *OAuthToken) error {
	if r.db == nil {
		return errNotInitialized
	}
	normalize(token)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertAccount(tx, account); err != nil {
			return err
		}
		token.AccountID = account.ID
		return putToken(tx, token)
	})
}

func upsertAccount(tx *gorm.DB, account *SocialAccount) error {
	var existing SocialAccount
	err := tx.Where("platform = ? AND account_id = ?", account.Platform, account.ExternalID).First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"user_id":         account.UserID,
			"username":        account.Username,
			"display_name":    account.DisplayName,
			"profile_picture": account.ProfilePicture,
			"is_active":       true,
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return translate(err)
		}
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
		account.LastUsedAt = existing.LastUsedAt
		account.IsActive = true
		log.Debug().Uint("account_id", account.ID).Str("platform", account.Platform).Msg("Social account updated")
		return nil
	case translate(err) == ErrNotFound:
		account.IsActive = true
		if err := tx.Omit("User").Create(account).Error; err != nil {
			return translate(err)
		}
		log.Info().Uint("account_id", account.ID).Str("platform", account.Platform).Msg("Social account created")
		return nil
	default:
		return err
	}
}

func (r *gormAccountRepo) List(ctx context.Context) ([]SocialAccount, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	var accounts []SocialAccount
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListByUser returns the user's accounts; an empty platform matches all platforms.
func (r *gormAccountRepo) ListByUser(ctx context.Context, userID uint, platform string, activeOnly bool) ([]SocialAccount, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if platform != "" {
		q = q.Where("platform = ?", platform)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var accounts []SocialAccount
	if err := q.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *gormAccountRepo) SetActive(ctx context.Context, id uint, active bool) error {
	if r.db == nil {
		return errNotInitialized
	}
	res := r.db.WithContext(ctx).Model(&SocialAccount{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAccountRepo) TouchLastUsed(ctx context.Context, id uint, at time.Time) error {
	if r.db == nil {
		return errNotInitialized
	}
	res := r.db.WithContext(ctx).Model(&SocialAccount{}).Where("id = ?", id).Update("last_used_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the account together with its token.
func (r *gormAccountRepo) Delete(ctx context.Context, id uint) error {
	if r.db == nil {
		return errNotInitialized
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&OAuthToken{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&SocialAccount{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		log.Info().Uint("account_id", id).Msg("Social account removed")
		return nil
	})
}
