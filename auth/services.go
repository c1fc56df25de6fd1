package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/secret"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultThreshold   = 24 * time.Hour
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultMaxBackoff  = time.Minute
	// DefaultFlightTimeout bounds one refresh attempt once it is detached from its callers.
	DefaultFlightTimeout = time.Minute
)

// Manager owns the token lifecycle: it decides when a token needs refreshing, performs
// the refresh against the platform, and is the only writer of refreshed tokens.
type Manager struct {
	tokens     db.TokenRepository
	accounts   db.AccountRepository
	users      db.UserRepository
	cipher     Cipher
	refreshers map[client.Platform]client.Refresher

	threshold     time.Duration
	maxAttempts   int
	backoff       time.Duration
	maxBackoff    time.Duration
	flightTimeout time.Duration
	bcryptCost    int
	now           func() time.Time
	alerter       Alerter

	group    singleflight.Group
	inflight sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold sets how long before expiry a token counts as EXPIRING_SOON.
func WithThreshold(d time.Duration) Option { return func(m *Manager) { m.threshold = d } }

// WithRetry sets the attempt budget and the base delay of the exponential backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
		if backoff >= 0 {
			m.backoff = backoff
		}
	}
}

// WithMaxBackoff caps a single backoff delay.
func WithMaxBackoff(d time.Duration) Option { return func(m *Manager) { m.maxBackoff = d } }

// WithFlightTimeout bounds a single detached refresh attempt.
func WithFlightTimeout(d time.Duration) Option { return func(m *Manager) { m.flightTimeout = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithAlerter registers the operator alert sink.
func WithAlerter(a Alerter) Option {
	return func(m *Manager) {
		if a != nil {
			m.alerter = a
		}
	}
}

// WithBcryptCost sets the cost used to hash user passwords.
func WithBcryptCost(cost int) Option { return func(m *Manager) { m.bcryptCost = cost } }

// NewManager is the constructor for the lifecycle manager.
func NewManager(tokens db.TokenRepository, accounts db.AccountRepository, users db.UserRepository,
	cipher Cipher, refreshers []client.Refresher, opts ...Option) *Manager {
	m := &Manager{
		tokens:        tokens,
		accounts:      accounts,
		users:         users,
		cipher:        cipher,
		refreshers:    make(map[client.Platform]client.Refresher, len(refreshers)),
		threshold:     DefaultThreshold,
		maxAttempts:   DefaultMaxAttempts,
		backoff:       DefaultBackoff,
		maxBackoff:    DefaultMaxBackoff,
		flightTimeout: DefaultFlightTimeout,
		bcryptCost:    bcrypt.DefaultCost,
		now:           time.Now,
		alerter:       nopAlerter{},
	}
	for _, r := range refreshers {
		m.refreshers[r.Platform()] = r
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the EXPIRING_SOON window.
func (m *Manager) Threshold() time.Duration { return m.threshold }

// Status reports the current state of an account's token. The token is nil when none is stored.
func (m *Manager) Status(ctx context.Context, accountID uint) (State, *db.OAuthToken, error) {
	acc, tok, err := m.load(ctx, accountID)
	if err != nil {
		return "", nil, err
	}
	return Classify(acc, tok, m.now(), m.threshold), tok, nil
}

// GetUsableToken returns a plaintext access token for the account, refreshing it first
// when it is expiring or expired. At most one refresh attempt is made; if that attempt
// fails without invalidating the token and the token has not expired yet, the current
// token is returned.
func (m *Manager) GetUsableToken(ctx context.Context, accountID uint) (string, error) {
	acc, tok, err := m.load(ctx, accountID)
	if err != nil {
		return "", err
	}

	state := Classify(acc, tok, m.now(), m.threshold)
	if state == StateInvalid {
		return "", m.reconnectError(acc, tok)
	}
	if !state.NeedsRefresh() {
		return m.use(ctx, acc, tok)
	}

	if err := m.refreshOnce(ctx, accountID); err != nil {
		if state == StateExpiringSoon && keepsCurrentToken(err) {
			log.Warn().Err(err).Uint("account_id", accountID).Msg("Refresh failed, serving current token until it expires")
			return m.use(ctx, acc, tok)
		}
		return "", err
	}

	acc, tok, err = m.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if Classify(acc, tok, m.now(), m.threshold) == StateInvalid {
		return "", m.reconnectError(acc, tok)
	}
	return m.use(ctx, acc, tok)
}

// RefreshAccount refreshes the account's token if it is expiring or expired, retrying
// transient failures with exponential backoff. Every attempt is shared with concurrent
// callers for the same account; the backoff between attempts is not. An attempt keeps
// running if ctx is cancelled; only the wait is abandoned.
func (m *Manager) RefreshAccount(ctx context.Context, accountID uint) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.refreshOnce(ctx, accountID)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == m.maxAttempts {
			break
		}
		wait := m.backoffFor(attempt, err)
		log.Warn().Err(err).Uint("account_id", accountID).Int("attempt", attempt).Dur("retry_in", wait).Msg("Token refresh failed, retrying")
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("refresh account %d: %w", accountID, err)
		}
	}

	log.Warn().Err(err).Uint("account_id", accountID).Int("attempts", m.maxAttempts).Msg("Token refresh gave up, leaving it for the next sweep")
	return fmt.Errorf("giving up after %d attempts: %w", m.maxAttempts, err)
}

// refreshOnce runs one refresh attempt for the account. Concurrent callers join the
// attempt already in flight. The attempt is detached from ctx and bounded by the
// flight timeout, so a cancelled caller never leaves a rotated token unsaved.
func (m *Manager) refreshOnce(ctx context.Context, accountID uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strconv.FormatUint(uint64(accountID), 10)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		m.inflight.Add(1)
		defer m.inflight.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.flightTimeout)
		defer cancel()
		return nil, m.attempt(fctx, accountID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits until every refresh attempt in flight has been stored or has failed,
// or until ctx ends. Callers should stop issuing refreshes before draining.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt runs inside a flight. It re-reads the token so that a refresh finished by an
// earlier flight is not repeated.
func (m *Manager) attempt(ctx context.Context, accountID uint) error {
	acc, tok, err := m.load(ctx, accountID)
	if err != nil {
		return err
	}

	state := Classify(acc, tok, m.now(), m.threshold)
	logger := log.With().Uint("account_id", accountID).Str("platform", acc.Platform).Str("state", string(state)).Logger()
	if state == StateInvalid {
		return m.reconnectError(acc, tok)
	}
	if !state.NeedsRefresh() {
		logger.Debug().Msg("Token already fresh, skipping refresh")
		return nil
	}

	refresher, ok := m.refreshers[client.Platform(acc.Platform)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, acc.Platform)
	}

	cred, err := m.credential(ctx, acc, tok)
	if err != nil {
		return err
	}
	if state == StateExpired && cred.RefreshToken == "" {
		return m.invalidate(ctx, acc, "token expired and no refresh token is stored", nil)
	}

	grant, err := refresher.Refresh(ctx, cred)
	switch {
	case err == nil:
		return m.store(ctx, acc, tok, grant)
	case errors.Is(err, client.ErrInvalidGrant):
		return m.invalidate(ctx, acc, "platform rejected the credential", err)
	case errors.Is(err, client.ErrNoRefreshToken):
		logger.Warn().Msg("No refresh token stored, token stays usable until it expires")
	case isRetryable(err):
		logger.Debug().Err(err).Msg("Token refresh attempt failed")
	default:
		logger.Error().Err(err).Msg("Token refresh failed")
	}
	return fmt.Errorf("refresh account %d: %w", accountID, err)
}

// backoffFor returns base*2^(attempt-1), capped, or the platform's Retry-After hint.
func (m *Manager) backoffFor(attempt int, err error) time.Duration {
	var rle *client.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}
	d := m.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if m.maxBackoff > 0 && d >= m.maxBackoff {
			return m.maxBackoff
		}
	}
	if m.maxBackoff > 0 && d > m.maxBackoff {
		return m.maxBackoff
	}
	return d
}

// store encrypts the grant and swaps it in, conditioned on the version that was refreshed.
func (m *Manager) store(ctx context.Context, acc *db.SocialAccount, prev *db.OAuthToken, grant *client.Grant) error {
	access, err := m.encrypt(ctx, acc, grant.AccessToken)
	if err != nil {
		return err
	}
	refresh := prev.RefreshTokenEncrypted
	if grant.RefreshToken != "" {
		if refresh, err = m.encrypt(ctx, acc, grant.RefreshToken); err != nil {
			return err
		}
	}

	next := &db.OAuthToken{
		AccountID:             acc.ID,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		TokenType:             firstNonEmpty(grant.TokenType, prev.TokenType),
		Scope:                 firstNonEmpty(grant.Scope, prev.Scope),
	}
	if grant.ExpiresIn > 0 {
		exp := m.now().Add(grant.ExpiresIn)
		next.ExpiresAt = &exp
	}

	err = m.tokens.CompareAndSwap(ctx, next, prev.Version)
	if errors.Is(err, db.ErrStaleWrite) {
		log.Info().Uint("account_id", acc.ID).Msg("A newer token was stored concurrently, discarding this refresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("store refreshed token for account %d: %w", acc.ID, err)
	}
	log.Info().Uint("account_id", acc.ID).Str("platform", acc.Platform).Int64("version", next.Version).Msg("Token refreshed and saved")
	return nil
}

// invalidate deactivates the account and returns the matching ReconnectError.
func (m *Manager) invalidate(ctx context.Context, acc *db.SocialAccount, reason string, cause error) error {
	if err := m.accounts.SetActive(ctx, acc.ID, false); err != nil {
		return fmt.Errorf("deactivate account %d: %w", acc.ID, err)
	}
	acc.IsActive = false
	log.Error().Err(cause).
		Uint("account_id", acc.ID).
		Uint("user_id", acc.UserID).
		Str("platform", acc.Platform).
		Str("username", acc.Username).
		Msgf("Account deactivated, user must reconnect: %s", reason)
	return &ReconnectError{AccountID: acc.ID, Platform: acc.Platform, Reason: reason, Err: cause}
}

func (m *Manager) reconnectError(acc *db.SocialAccount, tok *db.OAuthToken) error {
	reason := "account is inactive"
	if tok == nil {
		reason = "no token is stored"
	}
	return &ReconnectError{AccountID: acc.ID, Platform: acc.Platform, Reason: reason}
}

// use decrypts the access token and records the account as used.
func (m *Manager) use(ctx context.Context, acc *db.SocialAccount, tok *db.OAuthToken) (string, error) {
	access, err := m.decrypt(ctx, acc, tok.AccessTokenEncrypted)
	if err != nil {
		return "", err
	}
	if err := m.accounts.TouchLastUsed(ctx, acc.ID, m.now()); err != nil {
		log.Warn().Err(err).Uint("account_id", acc.ID).Msg("Failed to record account usage")
	}
	return access, nil
}

func (m *Manager) credential(ctx context.Context, acc *db.SocialAccount, tok *db.OAuthToken) (client.Credential, error) {
	access, err := m.decrypt(ctx, acc, tok.AccessTokenEncrypted)
	if err != nil {
		return client.Credential{}, err
	}
	var refresh string
	if tok.RefreshTokenEncrypted != "" {
		if refresh, err = m.decrypt(ctx, acc, tok.RefreshTokenEncrypted); err != nil {
			return client.Credential{}, err
		}
	}
	return client.Credential{AccessToken: access, RefreshToken: refresh}, nil
}

func (m *Manager) decrypt(ctx context.Context, acc *db.SocialAccount, ciphertext string) (string, error) {
	plain, err := m.cipher.Decrypt(ciphertext)
	if err != nil {
		log.Error().Err(err).Uint("account_id", acc.ID).Msg("Failed to decrypt token")
		m.alerter.Alert(ctx, err, map[string]string{"account_id": strconv.FormatUint(uint64(acc.ID), 10), "platform": acc.Platform})
		return "", fmt.Errorf("account %d: %w", acc.ID, err)
	}
	return plain, nil
}

func (m *Manager) encrypt(ctx context.Context, acc *db.SocialAccount, plaintext string) (string, error) {
	ct, err := m.cipher.Encrypt(plaintext)
	if err != nil {
		log.Error().Err(err).Uint("account_id", acc.ID).Msg("Failed to encrypt token")
		m.alerter.Alert(ctx, err, map[string]string{"account_id": strconv.FormatUint(uint64(acc.ID), 10), "platform": acc.Platform})
		return "", fmt.Errorf("account %d: %w", acc.ID, err)
	}
	return ct, nil
}

// load returns the account and its token; the token is nil when none is stored.
func (m *Manager) load(ctx context.Context, accountID uint) (*db.SocialAccount, *db.OAuthToken, error) {
	acc, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("account %d: %w", accountID, err)
	}
	tok, err := m.tokens.Get(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return acc, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("token for account %d: %w", accountID, err)
	}
	return acc, tok, nil
}

// isRetryable reports whether err leaves the token state unchanged and may succeed later.
func isRetryable(err error) bool {
	return errors.Is(err, client.ErrTransient) || errors.Is(err, client.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// keepsCurrentToken reports whether a failed refresh leaves an unexpired token usable.
func keepsCurrentToken(err error) bool {
	return isRetryable(err) || errors.Is(err, client.ErrNoRefreshToken)
}

// IsDecryptionFailure reports whether err came from a ciphertext that could not be opened.
func IsDecryptionFailure(err error) bool { return errors.Is(err, secret.ErrDecryption) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
