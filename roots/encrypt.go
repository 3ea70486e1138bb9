package roots

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// AuthenticationFailedError is returned by Encryption.Decode when the
// AEAD tag does not verify: a tamper-or-corruption signal, distinct
// from a config problem (MissingRootError), per §4.3/§7.
type AuthenticationFailedError struct{ Err error }

func (e *AuthenticationFailedError) Error() string {
	return "roots: encryption: authentication failed: " + e.Err.Error()
}
func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

const (
	pbkdf2Iterations = 210_000
	keySize          = chacha20poly1305.KeySize // 32
)

// Encryption is the reference authenticated-encryption Root, backed by
// golang.org/x/crypto/chacha20poly1305 (an AEAD) with a random nonce
// generated per record by the root itself, not the caller.
type Encryption struct {
	sequence uint32
	aead     aeadCloser
}

type aeadCloser interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewEncryptionWithKey returns an Encryption root using a raw 32-byte
// key directly.
func NewEncryptionWithKey(sequence uint32, key []byte) (*Encryption, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("roots: encryption: key must be %d bytes, got %d", keySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("roots: encryption: %w", err)
	}
	return &Encryption{sequence: sequence, aead: aead}, nil
}

// NewEncryptionWithPassword derives a key from password+salt via
// PBKDF2-HMAC-SHA256 (§4.3: "Key derived from password+salt (PBKDF2) or
// provided raw").
func NewEncryptionWithPassword(sequence uint32, password, salt []byte) (*Encryption, error) {
	key := pbkdf2.Key(password, salt, pbkdf2Iterations, keySize, sha256.New)
	return NewEncryptionWithKey(sequence, key)
}

func (e *Encryption) Sequence() uint32 { return e.sequence }

func (e *Encryption) Encode(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("roots: encryption: nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+e.aead.Overhead())
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, plaintext, nil), nil
}

func (e *Encryption) Decode(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, &AuthenticationFailedError{Err: fmt.Errorf("ciphertext shorter than nonce")}
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &AuthenticationFailedError{Err: err}
	}
	return plaintext, nil
}
