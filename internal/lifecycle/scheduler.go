package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/token-keeper/internal/authflow"
	"github.com/alexjbarnes/token-keeper/internal/state"
	"github.com/alexjbarnes/token-keeper/internal/token"
)

//go:generate mockgen -source=scheduler.go -destination=mock_authenticator_test.go -package=lifecycle

// Authenticator is the authorization-server surface the scheduler
// drives: refresh the credential while possible, run the full device
// flow when it is not.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (*token.Record, error)
	Authenticate(ctx context.Context, notify authflow.Notify) (*token.Record, error)
}

const (
	// defaultRefreshLead is how long before expiry a renewal fires.
	defaultRefreshLead = 10 * time.Second

	// defaultRestartBackoff is the pause between a failed renewal and
	// the device-flow restart.
	defaultRestartBackoff = 5 * time.Second
)

// Scheduler renews the managed credential ahead of expiry. Each cycle
// arms a timer for expires_at minus the lead; when it fires, one
// refresh is attempted. A failed refresh is not retried: the credential
// is cleared, and after a short backoff the full device flow runs
// again. Only a failed device flow, or context cancellation, stops the
// loop.
type Scheduler struct {
	manager *Manager
	auth    Authenticator
	history *state.State
	notify  authflow.Notify
	lead    time.Duration
	backoff time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// SchedulerConfig carries the scheduler's wiring. Lead and Backoff
// default when zero.
type SchedulerConfig struct {
	Manager *Manager
	Auth    Authenticator

	// History records renewal outcomes. Optional.
	History *state.State

	// Notify presents the user code when a device-flow restart needs
	// re-authorization.
	Notify authflow.Notify

	Lead    time.Duration
	Backoff time.Duration
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	lead := cfg.Lead
	if lead <= 0 {
		lead = defaultRefreshLead
	}

	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultRestartBackoff
	}

	return &Scheduler{
		manager: cfg.Manager,
		auth:    cfg.Auth,
		history: cfg.History,
		notify:  cfg.Notify,
		lead:    lead,
		backoff: backoff,
		logger:  logger,
		now:     time.Now,
	}
}

// Run blocks, renewing the credential until ctx is cancelled or a
// device-flow restart fails. The manager must already hold a
// credential when Run starts.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		rec, err := s.manager.CurrentToken()
		if err != nil {
			return fmt.Errorf("scheduler requires a credential to watch: %w", err)
		}

		fireIn := max(rec.ExpiresAt.Sub(s.now())-s.lead, 0)
		s.logger.Info("renewal armed",
			slog.Duration("fire_in", fireIn),
			slog.Time("expires_at", rec.ExpiresAt))

		timer := time.NewTimer(fireIn)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-timer.C:
		}

		if err := s.renewOnce(ctx, rec.RefreshToken); err != nil {
			return err
		}
	}
}

// renewOnce attempts one refresh and falls back to the device flow on
// failure. It returns nil when the manager holds a fresh credential
// again, or the fatal error that should stop the loop.
func (s *Scheduler) renewOnce(ctx context.Context, refreshToken string) error {
	rec, err := s.auth.Refresh(ctx, refreshToken)
	if err == nil {
		if setErr := s.manager.SetToken(rec); setErr != nil {
			s.logger.Error("renewed credential not persisted",
				slog.String("error", setErr.Error()))
		}

		s.recordRenewal(state.RenewalOutcome{
			At:        s.now().UnixMilli(),
			OK:        true,
			ExpiresAt: rec.ExpiresAt.UnixMilli(),
		})

		s.logger.Info("credential renewed", slog.Time("expires_at", rec.ExpiresAt))

		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.Warn("renewal failed, restarting device flow",
		slog.String("error", err.Error()))

	s.recordRenewal(state.RenewalOutcome{
		At:    s.now().UnixMilli(),
		Error: err.Error(),
	})

	// The old credential is unusable; drop it before re-authorizing so
	// a crash mid-restart never resurrects it.
	if clearErr := s.manager.Clear(); clearErr != nil {
		s.logger.Error("clearing rejected credential",
			slog.String("error", clearErr.Error()))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.backoff):
	}

	rec, err = s.auth.Authenticate(ctx, s.notify)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("re-authorization after failed renewal: %w", err)
	}

	if s.history != nil {
		if recErr := s.history.RecordDeviceFlow(); recErr != nil {
			s.logger.Warn("recording device flow", slog.String("error", recErr.Error()))
		}
	}

	if err := s.manager.SetToken(rec); err != nil {
		s.logger.Error("re-authorized credential not persisted",
			slog.String("error", err.Error()))
	}

	s.logger.Info("device flow completed", slog.Time("expires_at", rec.ExpiresAt))

	return nil
}

func (s *Scheduler) recordRenewal(outcome state.RenewalOutcome) {
	if s.history == nil {
		return
	}

	if err := s.history.RecordRenewal(outcome); err != nil {
		s.logger.Warn("recording renewal outcome", slog.String("error", err.Error()))
	}
}
