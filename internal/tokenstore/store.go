// Package tokenstore persists a single credential record encrypted at
// rest. Plaintext credentials never touch durable storage.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/token-keeper/internal/token"
)

const (
	// storeDirPerm is the permission mode for the token file directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the token blob file.
	storeFilePerm = fs.FileMode(0o600)

	// storageVersion identifies the serialized layout. Bumped when the
	// plaintext structure changes incompatibly.
	storageVersion = 1
)

// storedToken is the versioned plaintext structure inside the blob.
// Timestamps are epoch milliseconds.
type storedToken struct {
	Version      int      `json:"version"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type,omitempty"`
	Scopes       []string `json:"scopes"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	IssuedAt     int64    `json:"issued_at"`
	SavedAt      int64    `json:"saved_at"`
}

// Store encrypts and durably persists one credential record.
type Store struct {
	path   string
	cipher *Cipher
	now    func() time.Time
}

// New creates a store writing to the given path with the given cipher.
func New(path string, cipher *Cipher) *Store {
	return &Store{
		path:   path,
		cipher: cipher,
		now:    time.Now,
	}
}

// Path returns the location of the blob on disk.
func (s *Store) Path() string {
	return s.path
}

// Save serializes, encrypts and atomically persists the record. The
// write goes to a temp file first and is renamed into place, so a
// failed write never corrupts the previously valid copy.
func (s *Store) Save(rec *token.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}

	now := s.now()

	st := storedToken{
		Version:      storageVersion,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Scopes:       rec.Scopes,
		ExpiresIn:    int64(rec.ExpiresAt.Sub(rec.IssuedAt) / time.Second),
		ExpiresAt:    rec.ExpiresAt.UnixMilli(),
		IssuedAt:     rec.IssuedAt.UnixMilli(),
		SavedAt:      now.UnixMilli(),
	}

	plaintext, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("serializing token: %w", err)
	}

	blob, err := s.cipher.EncryptBlob(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), storeDirPerm); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(blob), storeFilePerm); err != nil {
		return fmt.Errorf("writing temp token file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming token file: %w", err)
	}

	return nil
}

// Load reads, decrypts and deserializes the persisted record. An absent
// blob returns (nil, nil). A record that has already expired is treated
// as absent and its blob is deleted. An undecryptable blob returns an
// error wrapping ErrDecrypt, never (nil, nil).
func (s *Store) Load() (*token.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading token file: %w", err)
	}

	plaintext, err := s.cipher.DecryptBlob(string(data))
	if err != nil {
		return nil, err
	}

	var st storedToken
	if err := json.Unmarshal(plaintext, &st); err != nil {
		return nil, fmt.Errorf("deserializing token: %w", err)
	}

	if st.Version != storageVersion {
		return nil, fmt.Errorf("unsupported token blob version %d", st.Version)
	}

	rec := &token.Record{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
		Scopes:       st.Scopes,
		IssuedAt:     time.UnixMilli(st.IssuedAt),
		ExpiresAt:    time.UnixMilli(st.ExpiresAt),
		SavedAt:      time.UnixMilli(st.SavedAt),
	}

	// Lazy reaping: an expired record is treated as absent and its
	// blob removed so the next save starts clean.
	if rec.Expired(s.now()) {
		_ = s.Delete()
		return nil, nil
	}

	return rec, nil
}

// Delete removes the persisted blob. Absence is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting token file: %w", err)
	}

	return nil
}
