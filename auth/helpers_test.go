package auth_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/secret"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// fakeRefresher returns the queued errors in order, then succeeds.
type fakeRefresher struct {
	platform client.Platform

	mu       sync.Mutex
	calls    int
	errs     []error
	lastCred client.Credential
	gate     chan struct{}
	onCall   func(n int)
	noRotate bool
}

func (f *fakeRefresher) Platform() client.Platform { return f.platform }

func (f *fakeRefresher) Refresh(ctx context.Context, cred client.Credential) (*client.Grant, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.lastCred = cred
	gate, onCall := f.gate, f.onCall
	var err error
	if n <= len(f.errs) {
		err = f.errs[n-1]
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if onCall != nil {
		onCall(n)
	}
	if err != nil {
		return nil, err
	}
	g := &client.Grant{
		AccessToken: fmt.Sprintf("%s-access-%d", f.platform, n),
		TokenType:   "Bearer",
		ExpiresIn:   48 * time.Hour,
	}
	if !f.noRotate {
		g.RefreshToken = fmt.Sprintf("%s-refresh-%d", f.platform, n)
	}
	return g, nil
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRefresher) LastCred() client.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCred
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []error
}

func (a *recordingAlerter) Alert(_ context.Context, err error, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, err)
}

func (a *recordingAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type testEnv struct {
	mgr       *auth.Manager
	gdb       *gorm.DB
	tokens    db.TokenRepository
	accounts  db.AccountRepository
	cipher    *secret.Gateway
	tiktok    *fakeRefresher
	instagram *fakeRefresher
	alerter   *recordingAlerter
	user      *db.User
}

func newGateway(t *testing.T, id, passphrase string) *secret.Gateway {
	t.Helper()
	key, err := secret.DeriveKey(passphrase)
	require.NoError(t, err)
	g, err := secret.New(secret.Keyring{ActiveID: id, Keys: map[string][]byte{id: key}})
	require.NoError(t, err)
	return g
}

func setup(t *testing.T, opts ...auth.Option) *testEnv {
	t.Helper()
	db.Driver = "sqlite"
	db.Path = filepath.Join(t.TempDir(), "tokens.db")
	require.NoError(t, db.InitDB())
	t.Cleanup(func() { _ = db.CloseDB() })
	gdb := db.GetDB()

	env := &testEnv{
		gdb:       gdb,
		tokens:    db.NewTokenRepository(gdb),
		accounts:  db.NewAccountRepository(gdb),
		cipher:    newGateway(t, "v1", "test-passphrase"),
		tiktok:    &fakeRefresher{platform: client.TikTok},
		instagram: &fakeRefresher{platform: client.Instagram, noRotate: true},
		alerter:   &recordingAlerter{},
	}
	base := []auth.Option{
		auth.WithRetry(3, time.Millisecond),
		auth.WithAlerter(env.alerter),
		auth.WithBcryptCost(bcrypt.MinCost),
	}
	env.mgr = auth.NewManager(env.tokens, env.accounts, db.NewUserRepository(gdb), env.cipher,
		[]client.Refresher{env.tiktok, env.instagram}, append(base, opts...)...)

	user, err := env.mgr.RegisterUser(context.Background(), "owner", "owner@example.com", "password123", true)
	require.NoError(t, err)
	env.user = user
	return env
}

// connect stores an account whose token expires after expiresIn.
func (e *testEnv) connect(t *testing.T, platform client.Platform, externalID string, expiresIn time.Duration, refreshToken string) *db.SocialAccount {
	t.Helper()
	acc, err := e.mgr.Connect(context.Background(), auth.ConnectRequest{
		UserID:       e.user.ID,
		Platform:     string(platform),
		ExternalID:   externalID,
		Username:     externalID,
		AccessToken:  string(platform) + "-access-0",
		RefreshToken: refreshToken,
		Scope:        "basic",
		ExpiresIn:    expiresIn,
	})
	require.NoError(t, err)
	return acc
}

// setExpiry moves the stored expiry without touching the version.
func (e *testEnv) setExpiry(t *testing.T, accountID uint, at time.Time) {
	t.Helper()
	require.NoError(t, e.gdb.Model(&db.OAuthToken{}).
		Where("account_id = ?", accountID).
		Update("expires_at", at.UTC().Truncate(time.Second)).Error)
}

func (e *testEnv) token(t *testing.T, accountID uint) *db.OAuthToken {
	t.Helper()
	tok, err := e.tokens.Get(context.Background(), accountID)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) account(t *testing.T, accountID uint) *db.SocialAccount {
	t.Helper()
	acc, err := e.accounts.Get(context.Background(), accountID)
	require.NoError(t, err)
	return acc
}

func (e *testEnv) decrypt(t *testing.T, ciphertext string) string {
	t.Helper()
	plain, err := e.cipher.Decrypt(ciphertext)
	require.NoError(t, err)
	return plain
}
