package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleWrite is returned by CompareAndSwap when a newer write already landed.
	ErrStaleWrite = errors.New("stale write: token was updated concurrently")
	// ErrConflict is returned when a uniqueness constraint is violated.
	ErrConflict = errors.New("record already exists")

	errNotInitialized = errors.New("repository not initialized")
)

// TokenRepository persists encrypted OAuth tokens, one current token per social account.
// It never sees plaintext token material.
type TokenRepository interface {
	Get(ctx context.Context, accountID uint) (*OAuthToken, error)
	Put(ctx context.Context, token *OAuthToken) error
	CompareAndSwap(ctx context.Context, token *OAuthToken, prevVersion int64) error
	ListExpiringBefore(ctx context.Context, t time.Time) ([]OAuthToken, error)
	Delete(ctx context.Context, accountID uint) error
}

// AccountRepository persists connected social accounts.
type AccountRepository interface {
	Get(ctx context.Context, id uint) (*SocialAccount, error)
	Upsert(ctx context.Context, account *SocialAccount) error
	Connect(ctx context.Context, account *SocialAccount, token *OAuthToken) error
	List(ctx context.Context) ([]SocialAccount, error)
	ListByUser(ctx context.Context, userID uint, platform string, activeOnly bool) ([]SocialAccount, error)
	SetActive(ctx context.Context, id uint, active bool) error
	TouchLastUsed(ctx context.Context, id uint, at time.Time) error
	Delete(ctx context.Context, id uint) error
}

// UserRepository persists administrator users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id uint) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	TouchLastLogin(ctx context.Context, id uint, at time.Time) error
	Deactivate(ctx context.Context, id uint) error
}

// NewTokenRepository creates a TokenRepository. Accepts *gorm.DB to avoid global access.
func NewTokenRepository(db *gorm.DB) TokenRepository { return &gormTokenRepo{db: db} }

// NewAccountRepository creates an AccountRepository backed by GORM.
func NewAccountRepository(db *gorm.DB) AccountRepository { return &gormAccountRepo{db: db} }

// NewUserRepository creates a UserRepository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository { return &gormUserRepo{db: db} }

// translate maps GORM errors onto the package's sentinel errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return err
	}
}
