package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/token-keeper/internal/errors"
	"github.com/alexjbarnes/token-keeper/internal/token"
	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDebounceInterval is how often the watcher checks for pending
	// filesystem events, batching an external temp-write-then-rename
	// sequence into a single reload.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettleDelay is how long an event must sit before the blob is
	// re-read, so a reload never races a half-finished replacement.
	watcherSettleDelay = 300 * time.Millisecond
)

// Watcher monitors the token blob for external replacement, letting
// another process rotate the credential underneath this one. Reloaded
// records go to onReload; external deletion goes to onRemove.
type Watcher struct {
	store    *Store
	logger   *slog.Logger
	onReload func(*token.Record)
	onRemove func()
}

// NewWatcher creates a watcher over the store's blob file.
func NewWatcher(store *Store, logger *slog.Logger, onReload func(*token.Record), onRemove func()) *Watcher {
	return &Watcher{
		store:    store,
		logger:   logger,
		onReload: onReload,
		onRemove: onRemove,
	}
}

// Watch blocks until the context is cancelled, reloading the blob after
// external changes. The parent directory is watched rather than the
// file itself because atomic replacement (rename over the path) drops
// an inotify watch held on the old inode.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.store.Path())

	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching token directory: %w", err)
	}

	w.logger.Debug("token file watcher started", slog.String("path", w.store.Path()))

	var pendingAt time.Time

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Name != w.store.Path() {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				pendingAt = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pendingAt.IsZero() || time.Since(pendingAt) < watcherSettleDelay {
				continue
			}

			pendingAt = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rec, err := w.store.Load()
	if err != nil {
		if errors.Is(err, apperrors.ErrDecrypt) {
			w.logger.Warn("token file was replaced with an undecryptable blob, keeping current credential")
			return
		}

		w.logger.Warn("reloading token file", slog.String("error", err.Error()))

		return
	}

	if rec == nil {
		w.logger.Info("token file removed externally")

		if w.onRemove != nil {
			w.onRemove()
		}

		return
	}

	w.logger.Info("token file replaced externally, adopting new credential",
		slog.Time("expires_at", rec.ExpiresAt))

	if w.onReload != nil {
		w.onReload(rec)
	}
}
