package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/validation"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// RegisterUser creates an active user with a bcrypt password hash.
func (m *Manager) RegisterUser(ctx context.Context, username, email, password string, admin bool) (*db.User, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := validation.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &db.User{Username: username, Email: email, PasswordHash: string(hash), IsAdmin: admin}
	if err := m.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	return user, nil
}

// Authenticate checks the password and records the login time.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*db.User, error) {
	user, err := m.users.GetByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Warn().Str("username", username).Msg("Failed login attempt")
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	now := m.now().UTC()
	if err := m.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now
	return user, nil
}

// DeactivateUser soft-deletes the user and deactivates all of their accounts.
func (m *Manager) DeactivateUser(ctx context.Context, userID uint) error {
	if err := m.users.Deactivate(ctx, userID); err != nil {
		return fmt.Errorf("deactivate user %d: %w", userID, err)
	}
	return nil
}

// UserByName looks a user up by username.
func (m *Manager) UserByName(ctx context.Context, username string) (*db.User, error) {
	return m.users.GetByUsername(ctx, username)
}
