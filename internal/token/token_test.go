package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const margin = 5 * time.Minute

func TestNeedsRefresh_InsideMargin(t *testing.T) {
	now := time.Now()
	r := &Record{ExpiresAt: now.Add(4 * time.Minute)}
	assert.True(t, r.NeedsRefresh(now, margin), "4 minutes to expiry is inside a 5-minute margin")
}

func TestNeedsRefresh_OutsideMargin(t *testing.T) {
	now := time.Now()
	r := &Record{ExpiresAt: now.Add(10 * time.Minute)}
	assert.False(t, r.NeedsRefresh(now, margin), "10 minutes to expiry is outside a 5-minute margin")
}

func TestNeedsRefresh_ExactBoundary(t *testing.T) {
	// expires_at == now+margin counts as needing refresh.
	now := time.Now()
	r := &Record{ExpiresAt: now.Add(margin)}
	assert.True(t, r.NeedsRefresh(now, margin))
}

func TestNeedsRefresh_UnknownExpiry(t *testing.T) {
	r := &Record{}
	assert.True(t, r.NeedsRefresh(time.Now(), margin), "unknown expiry must be treated as stale")
}

func TestNeedsRefresh_NilRecord(t *testing.T) {
	var r *Record
	assert.True(t, r.NeedsRefresh(time.Now(), margin))
}

func TestExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, (&Record{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&Record{ExpiresAt: now}).Expired(now))
	assert.True(t, (&Record{ExpiresAt: now.Add(-time.Second)}).Expired(now))
	assert.True(t, (&Record{}).Expired(now))
}

func TestTTL(t *testing.T) {
	now := time.Now()
	r := &Record{ExpiresAt: now.Add(90 * time.Second)}
	assert.Equal(t, 90*time.Second, r.TTL(now))
}

func TestDeviceGrantExpired(t *testing.T) {
	now := time.Now()
	g := &DeviceGrant{IssuedAt: now, ExpiresIn: 600}

	assert.False(t, g.Expired(now))
	assert.False(t, g.Expired(now.Add(599*time.Second)))
	assert.True(t, g.Expired(now.Add(600*time.Second)))
	assert.True(t, g.Expired(now.Add(time.Hour)))
}
