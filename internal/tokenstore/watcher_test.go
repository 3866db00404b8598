package tokenstore

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/token-keeper/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestWatcher_ExternalReplaceTriggersReload(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	require.NoError(t, s.Save(testRecord(now)))

	var reloaded atomic.Pointer[token.Record]
	w := NewWatcher(s, testLogger(), func(rec *token.Record) {
		reloaded.Store(rec)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to arm before replacing the blob.
	time.Sleep(200 * time.Millisecond)

	rotated := testRecord(now)
	rotated.AccessToken = "access-rotated"
	require.NoError(t, s.Save(rotated))

	assert.Eventually(t, func() bool {
		rec := reloaded.Load()
		return rec != nil && rec.AccessToken == "access-rotated"
	}, 5*time.Second, 50*time.Millisecond, "watcher must reload the rotated credential")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcher_ExternalRemoveTriggersOnRemove(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(testRecord(time.Now())))

	var removed atomic.Bool
	w := NewWatcher(s, testLogger(), nil, func() {
		removed.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, s.Delete())

	assert.Eventually(t, func() bool {
		return removed.Load()
	}, 5*time.Second, 50*time.Millisecond, "watcher must report external deletion")

	cancel()
	<-done
}

func TestWatcher_UndecryptableReplacementIgnored(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(testRecord(time.Now())))

	var reloaded, removed atomic.Bool
	w := NewWatcher(s, testLogger(),
		func(*token.Record) { reloaded.Store(true) },
		func() { removed.Store(true) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	time.Sleep(200 * time.Millisecond)

	// Corrupt the blob in place, as a misbehaving sibling process would.
	require.NoError(t, writeCorruptBlob(s.Path()))

	// The watcher must notice, decline to adopt, and keep running.
	time.Sleep(1500 * time.Millisecond)
	assert.False(t, reloaded.Load(), "corrupt blob must not be adopted")
	assert.False(t, removed.Load(), "corrupt blob is not a removal")

	cancel()
	<-done
}

func writeCorruptBlob(path string) error {
	return os.WriteFile(path, []byte("deadbeef:deadbeef"), 0o600)
}
