package db

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// User is an administrator who owns connected social accounts.
// Users are never hard-deleted; Deactivate clears IsActive instead.
type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"size:64;not null;uniqueIndex" json:"username"`
	Email        string     `gorm:"size:120;not null;uniqueIndex" json:"email"`
	PasswordHash string     `gorm:"size:256;not null" json:"-"`
	IsAdmin      bool       `gorm:"not null;default:false" json:"is_admin"`
	IsActive     bool       `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// TableName pins the table name independent of the naming strategy.
func (User) TableName() string { return "users" }

type gormUserRepo struct{ db *gorm.DB }

func (r *gormUserRepo) Create(ctx context.Context, user *User) error {
	if r.db == nil {
		return errNotInitialized
	}
	user.IsActive = true
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return translate(err)
	}
	log.Info().Uint("user_id", user.ID).Str("username", user.Username).Msg("User created")
	return nil
}

func (r *gormUserRepo) Get(ctx context.Context, id uint) (*User, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	var user User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *gormUserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	if r.db == nil {
		return nil, errNotInitialized
	}
	var user User
	if err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *gormUserRepo) TouchLastLogin(ctx context.Context, id uint, at time.Time) error {
	if r.db == nil {
		return errNotInitialized
	}
	res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("last_login_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes the user and deactivates every account they own.
func (r *gormUserRepo) Deactivate(ctx context.Context, id uint) error {
	if r.db == nil {
		return errNotInitialized
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).Where("id = ?", id).Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&SocialAccount{}).Where("user_id = ?", id).Update("is_active", false).Error; err != nil {
			return err
		}
		log.Info().Uint("user_id", id).Msg("User deactivated")
		return nil
	})
}
