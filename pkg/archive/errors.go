// Package archive seals a plaintext repository tree into a single encrypted
// file and extracts it again.
//
// Features:
//   - AES-256-GCM over a deterministic tar stream
//   - Argon2id or PBKDF2-SHA256 key derivation, recorded in the header
//   - HMAC-SHA256 over header and ciphertext for tamper detection
//   - Atomic replace: temp file in the target directory, fsync, rename
//
// Security:
//   - Passphrases are NFKC-normalized before key derivation
//   - Extraction refuses absolute paths, parent references, links and
//     special files
//   - File permissions: 0600 for files, 0700 for directories
//   - Key material is cleared from memory with SecureWipe
package archive

import "errors"

// Archive errors
var (
	// ErrInvalidFormat indicates a bad magic number, version or layout.
	ErrInvalidFormat = errors.New("archive: invalid format")

	// ErrDecryptionFailed indicates a wrong passphrase or a modified file.
	ErrDecryptionFailed = errors.New("archive: decryption failed: invalid passphrase or corrupted data")

	// ErrNotFound indicates no archive exists at the given path.
	ErrNotFound = errors.New("archive: not found")

	// ErrEmptyPassphrase indicates an empty passphrase was provided.
	ErrEmptyPassphrase = errors.New("archive: passphrase cannot be empty")

	// ErrUnsafeEntry indicates a tar entry that would escape the destination.
	ErrUnsafeEntry = errors.New("archive: unsafe entry")

	// ErrDestinationNotEmpty indicates extraction into a populated directory.
	ErrDestinationNotEmpty = errors.New("archive: destination is not empty")
)
