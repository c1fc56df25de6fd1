package sweep

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/pool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 24 * time.Hour
	DefaultWorkers  = 3
)

// AccountRefresher is the part of auth.Manager the sweep drives.
type AccountRefresher interface {
	RefreshAccount(ctx context.Context, accountID uint) error
}

// Config tunes a Sweeper. Zero values select the defaults.
type Config struct {
	// Threshold selects tokens expiring within this window.
	Threshold time.Duration
	// Interval is the pause between runs in Run.
	Interval time.Duration
	// WorkersPerPlatform bounds concurrent refreshes against one platform.
	WorkersPerPlatform int
}

// Outcome is the result of refreshing one account during a sweep.
type Outcome string

const (
	OutcomeRefreshed   Outcome = "refreshed"
	OutcomeInvalidated Outcome = "invalidated"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeFailed      Outcome = "failed"
)

// Result describes one account handled by a sweep.
type Result struct {
	AccountID uint
	Platform  string
	Outcome   Outcome
	Err       error
}

// Report summarizes one sweep run.
type Report struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Checked     int
	Refreshed   int
	Invalidated int
	Deferred    int
	Failed      int
	Results     []Result
}

// Sweeper periodically refreshes every token that is close to expiry.
type Sweeper struct {
	tokens    db.TokenRepository
	refresher AccountRefresher
	cfg       Config
	now       func() time.Time

	// OnProgress, when set, is called after each account with the running count.
	// Calls are serialized.
	OnProgress func(done, total int)
	// OnReport, when set, receives the report of every run started by Run.
	OnReport func(Report)
	// Metrics, when set, records every run.
	Metrics *Metrics
}

// New creates a Sweeper over the token store and the lifecycle manager.
func New(tokens db.TokenRepository, refresher AccountRefresher, cfg Config) *Sweeper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = auth.DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WorkersPerPlatform <= 0 {
		cfg.WorkersPerPlatform = DefaultWorkers
	}
	return &Sweeper{tokens: tokens, refresher: refresher, cfg: cfg, now: time.Now}
}

// RunOnce refreshes every active account whose token expires within the threshold.
// Individual failures are recorded in the report and never stop the sweep; the error
// is non-nil only when the candidate list cannot be loaded.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	logger := log.With().Str("run_id", report.RunID).Logger()

	due, err := s.tokens.ListExpiringBefore(ctx, s.now().Add(s.cfg.Threshold))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list expiring tokens")
		s.Metrics.observeFailure()
		return report, err
	}
	report.Checked = len(due)
	logger.Info().Int("due", len(due)).Dur("threshold", s.cfg.Threshold).Msg("Refresh sweep started")

	groups := make(map[string][]db.OAuthToken)
	for _, tok := range due {
		groups[tok.Account.Platform] = append(groups[tok.Account.Platform], tok)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		done     int
		progress sync.Mutex
	)
	for platform, toks := range groups {
		wg.Add(1)
		go func(platform string, toks []db.OAuthToken) {
			defer wg.Done()
			results := pool.Run(ctx, toks, s.cfg.WorkersPerPlatform, func(ctx context.Context, tok db.OAuthToken) (Outcome, error) {
				err := s.refresher.RefreshAccount(ctx, tok.AccountID)
				if s.OnProgress != nil {
					progress.Lock()
					done++
					s.OnProgress(done, len(due))
					progress.Unlock()
				}
				return classify(err), err
			})

			if errs := pool.Errors(results); len(errs) > 0 {
				log.Debug().Str("platform", platform).Int("errors", len(errs)).Int("accounts", len(toks)).Msg("Platform sweep finished with errors")
			}

			mu.Lock()
			defer mu.Unlock()
			for _, r := range results {
				outcome := r.Value
				if outcome == "" {
					// Never started because ctx was cancelled.
					outcome = OutcomeDeferred
				}
				report.Results = append(report.Results, Result{
					AccountID: r.Item.AccountID,
					Platform:  platform,
					Outcome:   outcome,
					Err:       r.Err,
				})
			}
		}(platform, toks)
	}
	wg.Wait()

	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].AccountID < report.Results[j].AccountID })
	for _, r := range report.Results {
		level := zerolog.DebugLevel
		switch r.Outcome {
		case OutcomeRefreshed:
			report.Refreshed++
		case OutcomeInvalidated:
			report.Invalidated++
			level = zerolog.WarnLevel
		case OutcomeDeferred:
			report.Deferred++
			level = zerolog.WarnLevel
		case OutcomeFailed:
			report.Failed++
			level = zerolog.ErrorLevel
		}
		logger.WithLevel(level).Err(r.Err).Uint("account_id", r.AccountID).Str("platform", r.Platform).Str("outcome", string(r.Outcome)).Msg("Account swept")
	}

	report.FinishedAt = s.now().UTC()
	s.Metrics.observe(report)
	logger.Info().
		Int("checked", report.Checked).
		Int("refreshed", report.Refreshed).
		Int("invalidated", report.Invalidated).
		Int("deferred", report.Deferred).
		Int("failed", report.Failed).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Refresh sweep finished")
	return report, nil
}

// Run sweeps immediately and then on every interval tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		report, err := s.RunOnce(ctx)
		if err == nil && s.OnReport != nil {
			s.OnReport(report)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Info().Msg("Refresh sweep stopped")
			return nil
		}
	}
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeRefreshed
	case errors.Is(err, auth.ErrReconnectRequired):
		return OutcomeInvalidated
	case errors.Is(err, client.ErrTransient), errors.Is(err, client.ErrRateLimited),
		errors.Is(err, client.ErrNoRefreshToken),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeDeferred
	default:
		return OutcomeFailed
	}
}
