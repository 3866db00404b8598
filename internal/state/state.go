// Package state persists operational history for the credential
// lifecycle: how many renewals succeeded or failed, how many full
// device flows were run, and a capped log of recent renewal outcomes.
// None of it is required for correctness; it survives restarts so an
// operator can tell a flapping authorization server from a one-off.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// maxRenewalHistory caps the renewals bucket; older entries are
	// pruned as new ones arrive.
	maxRenewalHistory = 100
)

var (
	appBucket      = []byte("app")
	renewalsBucket = []byte("renewals")

	renewalsOKKey     = []byte("renewals_ok")
	renewalsFailedKey = []byte("renewals_failed")
	deviceFlowsKey    = []byte("device_flows")
)

// RenewalOutcome is one attempt to refresh the credential.
type RenewalOutcome struct {
	// At is when the attempt finished, in epoch milliseconds.
	At int64 `json:"at"`

	// OK reports whether the refresh succeeded.
	OK bool `json:"ok"`

	// Error holds the failure message when OK is false.
	Error string `json:"error,omitempty"`

	// ExpiresAt is the new credential's expiry in epoch milliseconds,
	// set only when OK is true.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Counters summarizes lifetime totals.
type Counters struct {
	RenewalsOK     uint64
	RenewalsFailed uint64
	DeviceFlows    uint64
}

// State wraps a bbolt database for all persistent operational history.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. The buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(renewalsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// RecordRenewal appends a renewal outcome to the history and bumps the
// matching counter. History beyond maxRenewalHistory entries is pruned
// oldest-first in the same transaction.
func (s *State) RecordRenewal(outcome RenewalOutcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(renewalsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(outcome)
		if err != nil {
			return err
		}

		if err := b.Put(sequenceKey(seq), data); err != nil {
			return err
		}

		if err := pruneOldest(b, maxRenewalHistory); err != nil {
			return err
		}

		key := renewalsFailedKey
		if outcome.OK {
			key = renewalsOKKey
		}

		return bumpCounter(tx.Bucket(appBucket), key)
	})
}

// RecordDeviceFlow bumps the lifetime count of completed device flows.
func (s *State) RecordDeviceFlow() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return bumpCounter(tx.Bucket(appBucket), deviceFlowsKey)
	})
}

// Counters returns the lifetime totals.
func (s *State) Counters() (Counters, error) {
	var c Counters

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		c.RenewalsOK = readCounter(b, renewalsOKKey)
		c.RenewalsFailed = readCounter(b, renewalsFailedKey)
		c.DeviceFlows = readCounter(b, deviceFlowsKey)

		return nil
	})

	return c, err
}

// RecentRenewals returns up to limit renewal outcomes, newest first.
func (s *State) RecentRenewals(limit int) ([]RenewalOutcome, error) {
	if limit <= 0 {
		limit = maxRenewalHistory
	}

	var outcomes []RenewalOutcome

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(renewalsBucket).Cursor()

		for k, v := c.Last(); k != nil && len(outcomes) < limit; k, v = c.Prev() {
			var o RenewalOutcome
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}

			outcomes = append(outcomes, o)
		}

		return nil
	})

	return outcomes, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

// pruneOldest deletes entries from the front of the bucket until at
// most keep remain. Sequence keys are big-endian, so cursor order is
// insertion order. Stats().KeyN lags within a write transaction, so
// the count is taken by walking the cursor.
func pruneOldest(b *bolt.Bucket, keep int) error {
	count := 0

	cur := b.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		count++
	}

	excess := count - keep
	if excess <= 0 {
		return nil
	}

	c := b.Cursor()
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return err
		}

		excess--
	}

	return nil
}

func bumpCounter(b *bolt.Bucket, key []byte) error {
	return b.Put(key, sequenceKey(readCounter(b, key)+1))
}

func readCounter(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}

	return binary.BigEndian.Uint64(v)
}
