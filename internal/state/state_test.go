package state

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func okOutcome(at time.Time) RenewalOutcome {
	return RenewalOutcome{
		At:        at.UnixMilli(),
		OK:        true,
		ExpiresAt: at.Add(time.Hour).UnixMilli(),
	}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.RecordDeviceFlow())
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	c, err := s2.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.DeviceFlows)
}

// --- Counters ---

func TestCounters_ZeroByDefault(t *testing.T) {
	s := testDB(t)

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Zero(t, c.RenewalsOK)
	assert.Zero(t, c.RenewalsFailed)
	assert.Zero(t, c.DeviceFlows)
}

func TestRecordRenewal_BumpsMatchingCounter(t *testing.T) {
	s := testDB(t)
	now := time.Now()

	require.NoError(t, s.RecordRenewal(okOutcome(now)))
	require.NoError(t, s.RecordRenewal(okOutcome(now)))
	require.NoError(t, s.RecordRenewal(RenewalOutcome{
		At:    now.UnixMilli(),
		Error: "refresh rejected",
	}))

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.RenewalsOK)
	assert.Equal(t, uint64(1), c.RenewalsFailed)
}

func TestRecordDeviceFlow_Accumulates(t *testing.T) {
	s := testDB(t)

	for range 3 {
		require.NoError(t, s.RecordDeviceFlow())
	}

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.DeviceFlows)
}

// --- Renewal history ---

func TestRecentRenewals_NewestFirst(t *testing.T) {
	s := testDB(t)
	base := time.Now()

	for i := range 3 {
		require.NoError(t, s.RecordRenewal(RenewalOutcome{
			At: base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			OK: true,
		}))
	}

	outcomes, err := s.RecentRenewals(10)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, base.Add(2*time.Minute).UnixMilli(), outcomes[0].At)
	assert.Equal(t, base.UnixMilli(), outcomes[2].At)
}

func TestRecentRenewals_HonorsLimit(t *testing.T) {
	s := testDB(t)

	for i := range 5 {
		require.NoError(t, s.RecordRenewal(RenewalOutcome{At: int64(i), OK: true}))
	}

	outcomes, err := s.RecentRenewals(2)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

func TestRecordRenewal_PrunesOldHistory(t *testing.T) {
	s := testDB(t)

	for i := range maxRenewalHistory + 10 {
		require.NoError(t, s.RecordRenewal(RenewalOutcome{
			At:    int64(i),
			Error: fmt.Sprintf("attempt %d", i),
		}))
	}

	outcomes, err := s.RecentRenewals(0)
	require.NoError(t, err)
	require.Len(t, outcomes, maxRenewalHistory)

	// The survivors are the newest entries.
	assert.Equal(t, int64(maxRenewalHistory+9), outcomes[0].At)
	assert.Equal(t, int64(10), outcomes[len(outcomes)-1].At)

	// Counters are unaffected by pruning.
	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(maxRenewalHistory+10), c.RenewalsFailed)
}

func TestRecordRenewal_PreservesErrorMessage(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.RecordRenewal(RenewalOutcome{
		At:    time.Now().UnixMilli(),
		Error: "authorization server unreachable",
	}))

	outcomes, err := s.RecentRenewals(1)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	assert.Equal(t, "authorization server unreachable", outcomes[0].Error)
}
