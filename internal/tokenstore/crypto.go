package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/token-keeper/internal/errors"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32
)

// DeriveKey derives a 32-byte encryption key from the passphrase and a
// salt (the client ID, a stable non-secret identifier) using scrypt.
// Parameters: N=32768, r=8, p=1. Both inputs are normalized to NFKC
// before hashing so visually identical passphrases derive the same key.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after passing the key to NewCipher to limit the window
// during which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher seals and opens token blobs with AES-256-GCM. The at-rest
// encoding is "ivHex:cipherHex"; the IV that is serialized is the same
// IV bound into the GCM seal, so a blob whose halves disagree fails
// authentication instead of decrypting to garbage.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a blob cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != scryptKeyLen {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), scryptKeyLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// EncryptBlob encrypts plaintext with a fresh random IV and returns
// the at-rest encoding "ivHex:cipherHex".
func (c *Cipher) EncryptBlob(plaintext []byte) (string, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := c.gcm.Seal(nil, iv, plaintext, nil)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptBlob decodes and decrypts an "ivHex:cipherHex" blob. Every
// failure mode (malformed encoding, wrong key, tampering) wraps
// ErrDecrypt so callers can distinguish a bad blob from an absent one.
func (c *Cipher) DecryptBlob(blob string) ([]byte, error) {
	ivHex, cipherHex, ok := strings.Cut(strings.TrimSpace(blob), ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing iv separator", apperrors.ErrDecrypt)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iv: %v", apperrors.ErrDecrypt, err)
	}

	if len(iv) != c.gcm.NonceSize() {
		return nil, fmt.Errorf("%w: iv is %d bytes, expected %d", apperrors.ErrDecrypt, len(iv), c.gcm.NonceSize())
	}

	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", apperrors.ErrDecrypt, err)
	}

	plaintext, err := c.gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecrypt, err)
	}

	return plaintext, nil
}
