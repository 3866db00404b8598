package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/token-keeper/internal/authflow"
	"github.com/alexjbarnes/token-keeper/internal/config"
	apperrors "github.com/alexjbarnes/token-keeper/internal/errors"
	"github.com/alexjbarnes/token-keeper/internal/lifecycle"
	"github.com/alexjbarnes/token-keeper/internal/logging"
	"github.com/alexjbarnes/token-keeper/internal/state"
	"github.com/alexjbarnes/token-keeper/internal/token"
	"github.com/alexjbarnes/token-keeper/internal/tokenstore"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("token-keeper starting",
		slog.String("version", Version),
		slog.String("auth_url", cfg.AuthURL),
		slog.String("token_file", cfg.TokenFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := tokenstore.DeriveKey(cfg.Passphrase, cfg.ClientID)
	if err != nil {
		return fmt.Errorf("deriving encryption key: %w", err)
	}

	cipher, err := tokenstore.NewCipher(key)
	tokenstore.ZeroKey(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	store := tokenstore.New(cfg.TokenFile, cipher)

	history, err := state.LoadAt(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer history.Close()

	if counters, err := history.Counters(); err == nil {
		logger.Info("lifetime totals",
			slog.Uint64("renewals_ok", counters.RenewalsOK),
			slog.Uint64("renewals_failed", counters.RenewalsFailed),
			slog.Uint64("device_flows", counters.DeviceFlows),
		)
	}

	manager := lifecycle.NewManager(store, logger, cfg.SafetyMargin)

	auth, err := authflow.New(authflow.Config{
		BaseURL:         cfg.AuthURL,
		ClientID:        cfg.ClientID,
		Scopes:          cfg.Scopes,
		MaxPollAttempts: cfg.MaxPollAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating auth client: %w", err)
	}

	if err := bootstrap(ctx, cfg, manager, auth, history, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	scheduler := lifecycle.NewScheduler(lifecycle.SchedulerConfig{
		Manager: manager,
		Auth:    auth,
		History: history,
		Notify:  printUserCode,
		Lead:    cfg.RefreshLead,
		Backoff: cfg.RestartBackoff,
	}, logger)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	watcher := tokenstore.NewWatcher(store, logger,
		manager.AdoptExternal,
		func() {
			// An external delete is not an order to drop the in-memory
			// credential; the scheduler will replace the blob on the
			// next renewal.
			logger.Warn("token file deleted externally, keeping in-memory credential")
		},
	)

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("token-keeper stopped")
		return nil
	}

	return err
}

// bootstrap brings the manager to a usable credential: adopt a fresh
// stored one, refresh a stale one, or run the device flow when nothing
// usable is on disk.
func bootstrap(ctx context.Context, cfg *config.Config, manager *lifecycle.Manager, auth *authflow.Client, history *state.State, logger *slog.Logger) error {
	if err := manager.Initialize(); err != nil {
		if errors.Is(err, apperrors.ErrDecrypt) {
			return fmt.Errorf("stored credential cannot be decrypted; "+
				"TOKEN_PASSPHRASE or CLIENT_ID changed, or the file is corrupt; "+
				"delete %s to re-authorize: %w", cfg.TokenFile, err)
		}

		return err
	}

	if !manager.NeedsRefresh() {
		logger.Info("stored credential is fresh")
		return nil
	}

	rec, err := manager.CurrentToken()
	if err == nil && rec.RefreshToken != "" {
		logger.Info("stored credential is stale, refreshing")

		renewed, refreshErr := auth.Refresh(ctx, rec.RefreshToken)
		if refreshErr == nil {
			return manager.SetToken(renewed)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("startup refresh failed, falling back to device flow",
			slog.String("error", refreshErr.Error()))

		if clearErr := manager.Clear(); clearErr != nil {
			logger.Error("clearing stale credential", slog.String("error", clearErr.Error()))
		}
	} else {
		logger.Info("no usable stored credential, starting device flow")
	}

	fresh, err := auth.Authenticate(ctx, printUserCode)
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}

	if err := history.RecordDeviceFlow(); err != nil {
		logger.Warn("recording device flow", slog.String("error", err.Error()))
	}

	return manager.SetToken(fresh)
}

// printUserCode writes the activation instructions to stdout, the one
// place a human is guaranteed to be looking. Logs go to stderr.
func printUserCode(grant *token.DeviceGrant) {
	fmt.Println()
	fmt.Println("To authorize this device, visit:")
	fmt.Printf("    %s\n", grant.VerificationURI)
	fmt.Println()
	fmt.Printf("and enter the code: %s\n", grant.UserCode)
	fmt.Println()
	fmt.Printf("The code expires in %d minutes.\n", grant.ExpiresIn/60)
	fmt.Println()
}
