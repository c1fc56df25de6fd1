package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/config"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/clierr"
	"github.com/habedi/tokenkeeper/pkg/secret"
	"github.com/habedi/tokenkeeper/sweep"
	"github.com/rs/zerolog/log"
)

// services holds everything a command needs once the configuration is loaded.
type services struct {
	cfg      config.Config
	manager  *auth.Manager
	tokens   db.TokenRepository
	sentryOn bool
}

var svc *services

// initializeServices loads the configuration, opens the database and builds the lifecycle manager.
func initializeServices() error {
	if svc != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return clierr.New(clierr.Validation, "Error: invalid configuration: "+err.Error(), err)
	}
	if err := cfg.Validate(); err != nil {
		return clierr.New(clierr.Validation, "Error: "+err.Error(), err)
	}

	gateway, err := newGateway(cfg)
	if err != nil {
		return clierr.New(clierr.Validation, "Error: unusable encryption key configuration.", err)
	}

	db.Driver = cfg.DBDriver
	db.Path = cfg.DBDSN
	if err := db.InitDB(); err != nil {
		return clierr.New(clierr.Internal, "Error: failed to open the token database.", err)
	}

	s := &services{cfg: cfg, tokens: db.NewTokenRepository(db.GetDB())}
	opts := []auth.Option{
		auth.WithThreshold(cfg.RefreshThreshold),
		auth.WithRetry(cfg.RetryAttempts, cfg.RetryBackoff),
		// One platform call, its rate limiter wait and the store.
		auth.WithFlightTimeout(2 * cfg.HTTPTimeout),
	}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Release: "tokenkeeper@" + version}); err != nil {
			log.Error().Err(err).Msg("Sentry init failed, operator alerts are disabled")
		} else {
			s.sentryOn = true
			opts = append(opts, auth.WithAlerter(sentryAlerter{}))
		}
	}

	s.manager = auth.NewManager(
		s.tokens,
		db.NewAccountRepository(db.GetDB()),
		db.NewUserRepository(db.GetDB()),
		gateway,
		newRefreshers(cfg),
		opts...,
	)
	svc = s
	return nil
}

// closeServices releases the database and flushes pending alerts.
func closeServices() {
	if svc == nil {
		return
	}
	if svc.manager != nil {
		// Refreshes in flight store their rotated tokens before the database closes.
		ctx, cancel := context.WithTimeout(context.Background(), 2*svc.cfg.HTTPTimeout)
		if err := svc.manager.Drain(ctx); err != nil {
			log.Warn().Err(err).Msg("Refreshes still in flight at shutdown were abandoned.")
		}
		cancel()
	}
	if svc.sentryOn {
		sentry.Flush(2 * time.Second)
	}
	if err := db.CloseDB(); err != nil {
		log.Error().Err(err).Msg("Failed to close the database.")
	}
	svc = nil
}

// newGateway derives the active and previous keys and builds the encryption gateway.
func newGateway(cfg config.Config) (*secret.Gateway, error) {
	specs := append([]config.KeySpec{cfg.EncryptionKey}, cfg.PreviousKeys...)
	keys := make(map[string][]byte, len(specs))
	for _, spec := range specs {
		if _, dup := keys[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate encryption key id %q", spec.ID)
		}
		key, err := secret.DeriveKey(spec.Passphrase)
		if err != nil {
			return nil, err
		}
		keys[spec.ID] = key
	}
	return secret.New(secret.Keyring{ActiveID: cfg.EncryptionKey.ID, Keys: keys})
}

func newRefreshers(cfg config.Config) []client.Refresher {
	limiter := client.NewRateLimiter(cfg.PlatformRPS)
	opts := []client.Option{client.WithTimeout(cfg.HTTPTimeout), client.WithRateLimiter(limiter)}
	return []client.Refresher{
		client.NewTikTokClient(cfg.TikTokClientKey, cfg.TikTokSecret, cfg.TikTokTokenURL, opts...),
		client.NewInstagramClient(cfg.InstagramURL, opts...),
	}
}

func newSweeper(s *services) *sweep.Sweeper {
	return sweep.New(s.tokens, s.manager, sweep.Config{
		Threshold:          s.manager.Threshold(),
		Interval:           s.cfg.SweepInterval,
		WorkersPerPlatform: s.cfg.SweepWorkers,
	})
}
