// Package crypto provides the cryptographic primitives used by the archive
// container.
//
// # Primitives
//
//   - AES-256-GCM authenticated encryption with random 96-bit nonces
//   - Password-based key derivation behind the KDF interface
//     (Argon2id primary, PBKDF2-SHA256 fallback)
//   - HKDF-SHA256 subkey derivation
//   - Secure memory wiping for key material
//
// # Example Usage
//
//	kdf, _ := crypto.SelectKDF(crypto.KDFAuto, 0)
//	salt, _ := crypto.RandomBytes(crypto.SaltLength)
//	master := kdf.DeriveKey(passphrase, salt)
//	defer crypto.SecureWipe(master)
//
//	encKey, _ := crypto.DeriveSubkey(master, "credstore-archive-encryption")
//	sealed, _ := crypto.Seal(encKey, plaintext)
//	plaintext, err := crypto.Open(encKey, sealed)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 32
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than nonce plus tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(NonceLength)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	out := make([]byte, NonceLength, NonceLength+len(plaintext)+gcm.Overhead())
	copy(out, nonce)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any tampering yields ErrDecryptionFailed.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceLength+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceLength], sealed[NonceLength:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DeriveSubkey derives a 256-bit key from secret with HKDF-SHA256.
func DeriveSubkey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
