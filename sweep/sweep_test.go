package sweep_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db.Driver = "sqlite"
	db.Path = filepath.Join(t.TempDir(), "tokens.db")
	require.NoError(t, db.InitDB())
	t.Cleanup(func() { _ = db.CloseDB() })
	return db.GetDB()
}

// seed creates an account with a token expiring after expiresIn and returns its id.
func seed(t *testing.T, gdb *gorm.DB, platform, externalID string, expiresIn time.Duration) uint {
	t.Helper()
	ctx := context.Background()
	var owner db.User
	if err := gdb.First(&owner).Error; err != nil {
		owner = db.User{Username: "owner", Email: "owner@example.com", PasswordHash: "x"}
		require.NoError(t, db.NewUserRepository(gdb).Create(ctx, &owner))
	}
	acc := &db.SocialAccount{UserID: owner.ID, Platform: platform, ExternalID: externalID}
	require.NoError(t, db.NewAccountRepository(gdb).Upsert(ctx, acc))
	exp := time.Now().Add(expiresIn)
	require.NoError(t, db.NewTokenRepository(gdb).Put(ctx, &db.OAuthToken{
		AccountID: acc.ID, AccessTokenEncrypted: "v1:x", ExpiresAt: &exp,
	}))
	return acc.ID
}

type scriptedRefresher struct {
	mu      sync.Mutex
	calls   []uint
	results map[uint]error
	delay   time.Duration

	inFlight atomic.Int64
	peak     atomic.Int64
}

func (r *scriptedRefresher) RefreshAccount(ctx context.Context, id uint) error {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.results[id]
}

func (r *scriptedRefresher) Called() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.calls...)
}

func TestRunOnce_RefreshesOnlyDueTokens(t *testing.T) {
	gdb := setupTestDB(t)
	soon := seed(t, gdb, "tiktok", "soon", time.Hour)
	expired := seed(t, gdb, "instagram", "expired", -time.Hour)
	seed(t, gdb, "tiktok", "later", 72*time.Hour)

	ref := &scriptedRefresher{}
	s := sweep.New(db.NewTokenRepository(gdb), ref, sweep.Config{Threshold: 24 * time.Hour})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Refreshed)
	assert.ElementsMatch(t, []uint{soon, expired}, ref.Called())
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRunOnce_FailuresDoNotStopTheSweep(t *testing.T) {
	gdb := setupTestDB(t)
	ok := seed(t, gdb, "tiktok", "ok", time.Hour)
	revoked := seed(t, gdb, "tiktok", "revoked", time.Hour)
	flaky := seed(t, gdb, "instagram", "flaky", time.Hour)
	broken := seed(t, gdb, "instagram", "broken", time.Hour)
	noRefresh := seed(t, gdb, "tiktok", "norefresh", time.Hour)

	ref := &scriptedRefresher{results: map[uint]error{
		revoked:   &auth.ReconnectError{AccountID: revoked, Platform: "tiktok", Reason: "revoked"},
		flaky:     fmt.Errorf("giving up: %w", client.ErrTransient),
		broken:    errors.New("disk on fire"),
		noRefresh: fmt.Errorf("refresh account %d: tiktok: %w", noRefresh, client.ErrNoRefreshToken),
	}}
	s := sweep.New(db.NewTokenRepository(gdb), ref, sweep.Config{})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Invalidated)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, ref.Called(), 5)

	byID := map[uint]sweep.Outcome{}
	for _, r := range report.Results {
		byID[r.AccountID] = r.Outcome
	}
	assert.Equal(t, sweep.OutcomeRefreshed, byID[ok])
	assert.Equal(t, sweep.OutcomeInvalidated, byID[revoked])
	assert.Equal(t, sweep.OutcomeDeferred, byID[flaky])
	assert.Equal(t, sweep.OutcomeFailed, byID[broken])
	assert.Equal(t, sweep.OutcomeDeferred, byID[noRefresh])
}

func TestRunOnce_BoundsWorkersPerPlatform(t *testing.T) {
	gdb := setupTestDB(t)
	for i := 0; i < 8; i++ {
		seed(t, gdb, "tiktok", fmt.Sprintf("tt-%d", i), time.Hour)
	}

	ref := &scriptedRefresher{delay: 20 * time.Millisecond}
	s := sweep.New(db.NewTokenRepository(gdb), ref, sweep.Config{WorkersPerPlatform: 2})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, ref.peak.Load(), int64(2))
	assert.Len(t, ref.Called(), 8)
}

func TestRunOnce_ReportsProgress(t *testing.T) {
	gdb := setupTestDB(t)
	for i := 0; i < 5; i++ {
		seed(t, gdb, []string{"tiktok", "instagram"}[i%2], fmt.Sprintf("a-%d", i), time.Hour)
	}

	var last, calls int
	s := sweep.New(db.NewTokenRepository(gdb), &scriptedRefresher{}, sweep.Config{})
	s.OnProgress = func(done, total int) {
		calls++
		last = done
		assert.Equal(t, 5, total)
	}

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, last)
}

func TestRunOnce_EmptyStore(t *testing.T) {
	gdb := setupTestDB(t)
	ref := &scriptedRefresher{}
	report, err := sweep.New(db.NewTokenRepository(gdb), ref, sweep.Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Empty(t, ref.Called())
}

func TestRunOnce_ListFailure(t *testing.T) {
	s := sweep.New(db.NewTokenRepository(nil), &scriptedRefresher{}, sweep.Config{})
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRun_SweepsImmediatelyAndOnTicks(t *testing.T) {
	gdb := setupTestDB(t)
	seed(t, gdb, "tiktok", "a", time.Hour)

	var runs atomic.Int64
	s := sweep.New(db.NewTokenRepository(gdb), &scriptedRefresher{}, sweep.Config{Interval: 30 * time.Millisecond})
	s.OnReport = func(sweep.Report) { runs.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond, "first run is immediate")
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
