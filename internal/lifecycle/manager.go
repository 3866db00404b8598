// Package lifecycle owns the in-memory credential and keeps it fresh:
// the Manager is the single source of truth consumers read from, and
// the Scheduler renews it ahead of expiry, falling back to a full
// device flow when renewal is no longer possible.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/token-keeper/internal/errors"
	"github.com/alexjbarnes/token-keeper/internal/token"
	"github.com/alexjbarnes/token-keeper/internal/tokenstore"
)

// Manager holds the current credential in memory and mirrors every
// change to the encrypted store. Reads never touch disk after
// Initialize; replacement is atomic under the lock, so a reader sees
// either the old record or the new one, never a mix.
type Manager struct {
	store  *tokenstore.Store
	logger *slog.Logger
	margin time.Duration

	now func() time.Time

	initOnce sync.Once
	initErr  error

	mu      sync.RWMutex
	current *token.Record
}

// NewManager creates a Manager over the given store. margin is the
// freshness window used by NeedsRefresh.
func NewManager(store *tokenstore.Store, logger *slog.Logger, margin time.Duration) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		margin: margin,
		now:    time.Now,
	}
}

// Initialize loads the persisted credential into memory. It runs the
// load exactly once; later calls return the first outcome without
// touching the store again. An undecryptable blob surfaces as
// ErrDecrypt so startup can distinguish it from an absent one.
func (m *Manager) Initialize() error {
	m.initOnce.Do(func() {
		rec, err := m.store.Load()
		if err != nil {
			m.initErr = fmt.Errorf("loading stored credential: %w", err)
			return
		}

		m.mu.Lock()
		m.current = rec
		m.mu.Unlock()

		if rec == nil {
			m.logger.Info("no stored credential")
			return
		}

		m.logger.Info("stored credential loaded",
			slog.Time("expires_at", rec.ExpiresAt))
	})

	return m.initErr
}

// CurrentToken returns the credential in memory, or ErrNoToken when
// none is held.
func (m *Manager) CurrentToken() (*token.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil, apperrors.ErrNoToken
	}

	return m.current, nil
}

// NeedsRefresh reports whether the held credential is absent or will
// expire within the freshness margin.
func (m *Manager) NeedsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current.NeedsRefresh(m.now(), m.margin)
}

// SetToken replaces the in-memory credential and persists it. The
// memory swap happens first, so a persistence failure leaves consumers
// with the new credential; the error tells the caller the next restart
// will not have it.
func (m *Manager) SetToken(rec *token.Record) error {
	if rec == nil {
		return fmt.Errorf("refusing to set a nil credential")
	}

	m.mu.Lock()
	m.current = rec
	m.mu.Unlock()

	if err := m.store.Save(rec); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}

	return nil
}

// Clear drops the in-memory credential and deletes the persisted blob.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if err := m.store.Delete(); err != nil {
		return fmt.Errorf("deleting stored credential: %w", err)
	}

	return nil
}

// AdoptExternal takes a credential that is already persisted, written
// by another process, into memory without re-persisting it. A record
// identical to the one held is ignored.
func (m *Manager) AdoptExternal(rec *token.Record) {
	if rec == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A blob rewrite of the credential already held, as happens when
	// the watcher observes this process's own save, is not a rotation.
	if m.current != nil && m.current.AccessToken == rec.AccessToken {
		return
	}

	m.current = rec
	m.logger.Info("adopted externally rotated credential",
		slog.Time("expires_at", rec.ExpiresAt))
}
