package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_StoresEncryptedToken(t *testing.T) {
	env := setup(t)
	acc := env.connect(t, client.TikTok, "tt-1", 24*time.Hour, "tiktok-refresh-0")

	assert.True(t, acc.IsActive)
	tok := env.token(t, acc.ID)
	assert.NotContains(t, tok.AccessTokenEncrypted, "tiktok-access-0", "token is never stored in plaintext")
	assert.Equal(t, "tiktok-access-0", env.decrypt(t, tok.AccessTokenEncrypted))
	assert.Equal(t, "tiktok-refresh-0", env.decrypt(t, tok.RefreshTokenEncrypted))
	assert.Equal(t, "Bearer", tok.TokenType)
	require.NotNil(t, tok.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *tok.ExpiresAt, 5*time.Second)
}

func TestConnect_ReconnectReactivatesAndReplaces(t *testing.T) {
	env := setup(t)
	first := env.connect(t, client.TikTok, "tt-1", time.Hour, "r0")
	require.NoError(t, env.mgr.Disconnect(context.Background(), first.ID))

	again, err := env.mgr.Connect(context.Background(), auth.ConnectRequest{
		UserID: env.user.ID, Platform: "tiktok", ExternalID: "tt-1", Username: "renamed",
		AccessToken: "fresh", RefreshToken: "fresh-r", ExpiresIn: 48 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	acc := env.account(t, first.ID)
	assert.True(t, acc.IsActive)
	assert.Equal(t, "renamed", acc.Username)
	assert.Equal(t, "fresh", env.decrypt(t, env.token(t, first.ID).AccessTokenEncrypted))

	state, _, err := env.mgr.Status(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.StateValid, state)
}

func TestConnect_FailedTokenWriteKeepsAccountDisconnected(t *testing.T) {
	env := setup(t)
	first := env.connect(t, client.TikTok, "tt-1", time.Hour, "r0")
	require.NoError(t, env.mgr.Disconnect(context.Background(), first.ID))
	require.NoError(t, env.gdb.Migrator().DropTable(&db.OAuthToken{}))

	_, err := env.mgr.Connect(context.Background(), auth.ConnectRequest{
		UserID: env.user.ID, Platform: "tiktok", ExternalID: "tt-1", Username: "renamed",
		AccessToken: "fresh", RefreshToken: "fresh-r", ExpiresIn: 48 * time.Hour,
	})
	require.Error(t, err)

	acc := env.account(t, first.ID)
	assert.False(t, acc.IsActive, "account is not reactivated without its token")
	assert.Equal(t, "tt-1", acc.Username)
}

func TestConnect_Validation(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	_, err := env.mgr.Connect(ctx, auth.ConnectRequest{UserID: env.user.ID, Platform: "myspace", ExternalID: "x", AccessToken: "a"})
	assert.ErrorIs(t, err, auth.ErrUnsupportedPlatform)

	_, err = env.mgr.Connect(ctx, auth.ConnectRequest{UserID: env.user.ID, Platform: "tiktok", AccessToken: "a"})
	assert.Error(t, err)

	_, err = env.mgr.Connect(ctx, auth.ConnectRequest{UserID: env.user.ID, Platform: "tiktok", ExternalID: "x"})
	assert.Error(t, err)

	_, err = env.mgr.Connect(ctx, auth.ConnectRequest{UserID: 999, Platform: "tiktok", ExternalID: "x", AccessToken: "a"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	acc := env.connect(t, client.Instagram, "ig-1", time.Hour, "")

	require.NoError(t, env.mgr.Disconnect(ctx, acc.ID))
	assert.False(t, env.account(t, acc.ID).IsActive)
	_, err := env.tokens.Get(ctx, acc.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	// Disconnecting twice is harmless.
	require.NoError(t, env.mgr.Disconnect(ctx, acc.ID))
	assert.ErrorIs(t, env.mgr.Disconnect(ctx, 999), db.ErrNotFound)

	state, tok, err := env.mgr.Status(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.StateInvalid, state)
	assert.Nil(t, tok)
}

func TestRemoveAccount(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	acc := env.connect(t, client.TikTok, "tt-1", time.Hour, "r")

	require.NoError(t, env.mgr.RemoveAccount(ctx, acc.ID))
	_, err := env.accounts.Get(ctx, acc.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = env.tokens.Get(ctx, acc.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.ErrorIs(t, env.mgr.RemoveAccount(ctx, acc.ID), db.ErrNotFound)
}

func TestActiveAccounts(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	tt := env.connect(t, client.TikTok, "tt-1", time.Hour, "r")
	ig := env.connect(t, client.Instagram, "ig-1", time.Hour, "")
	gone := env.connect(t, client.TikTok, "tt-2", time.Hour, "r")
	require.NoError(t, env.mgr.Disconnect(ctx, gone.ID))

	all, err := env.mgr.ActiveAccounts(ctx, env.user.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, tt.ID, all[0].ID)
	assert.Equal(t, ig.ID, all[1].ID)

	onlyTikTok, err := env.mgr.ActiveAccounts(ctx, env.user.ID, "tiktok")
	require.NoError(t, err)
	require.Len(t, onlyTikTok, 1)
	assert.Equal(t, tt.ID, onlyTikTok[0].ID)

	_, err = env.mgr.ActiveAccounts(ctx, env.user.ID, "friendster")
	assert.Error(t, err)

	everything, err := env.mgr.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, everything, 3)
}

func TestRegisterUser(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	u, err := env.mgr.RegisterUser(ctx, "alice", "alice@example.com", "correct-horse", false)
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", u.PasswordHash)
	assert.True(t, u.IsActive)
	assert.False(t, u.IsAdmin)

	_, err = env.mgr.RegisterUser(ctx, "alice", "other@example.com", "correct-horse", false)
	assert.ErrorIs(t, err, db.ErrConflict)

	_, err = env.mgr.RegisterUser(ctx, "bad name", "b@example.com", "correct-horse", false)
	assert.Error(t, err)
	_, err = env.mgr.RegisterUser(ctx, "bob", "not-an-email", "correct-horse", false)
	assert.Error(t, err)
	_, err = env.mgr.RegisterUser(ctx, "bob", "bob@example.com", "short", false)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	u, err := env.mgr.Authenticate(ctx, "owner", "password123")
	require.NoError(t, err)
	require.NotNil(t, u.LastLoginAt)

	stored, err := env.mgr.UserByName(ctx, "owner")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)

	_, err = env.mgr.Authenticate(ctx, "owner", "wrong-password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = env.mgr.Authenticate(ctx, "nobody", "password123")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestDeactivateUser(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	acc := env.connect(t, client.TikTok, "tt-1", 48*time.Hour, "r")

	require.NoError(t, env.mgr.DeactivateUser(ctx, env.user.ID))

	_, err := env.mgr.Authenticate(ctx, "owner", "password123")
	assert.ErrorIs(t, err, auth.ErrUserInactive)

	_, err = env.mgr.GetUsableToken(ctx, acc.ID)
	assert.ErrorIs(t, err, auth.ErrReconnectRequired, "accounts of a deactivated user are unusable")

	_, err = env.mgr.Connect(ctx, auth.ConnectRequest{UserID: env.user.ID, Platform: "tiktok", ExternalID: "tt-9", AccessToken: "a"})
	assert.ErrorIs(t, err, auth.ErrUserInactive)

	assert.ErrorIs(t, env.mgr.DeactivateUser(ctx, 999), db.ErrNotFound)
}
