package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF names as recorded in archive headers.
const (
	KDFArgon2id = "argon2id"
	KDFPBKDF2   = "pbkdf2-sha256"
	KDFAuto     = "auto"
)

// Argon2id parameters following OWASP recommendations.
const (
	Argon2Memory  = 64 * 1024 // KiB
	Argon2Time    = 3
	Argon2Threads = 4

	// PBKDF2Iterations follows the OWASP 2023 guidance for SHA-256.
	PBKDF2Iterations = 600_000
)

// ErrUnknownKDF is returned for a KDF name this build cannot construct.
var ErrUnknownKDF = errors.New("crypto: unknown key derivation function")

// KDFParams is the serializable description of a KDF instance.
type KDFParams struct {
	Name        string `json:"name"`
	Memory      uint32 `json:"memory,omitempty"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// KDF derives a 256-bit key from a passphrase and salt.
type KDF interface {
	Name() string
	DeriveKey(passphrase, salt []byte) []byte
	Params() KDFParams
}

// Argon2id is the primary KDF.
type Argon2id struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
}

// NewArgon2id returns Argon2id with the default parameters.
func NewArgon2id() *Argon2id {
	return &Argon2id{Memory: Argon2Memory, Time: Argon2Time, Parallelism: Argon2Threads}
}

func (a *Argon2id) Name() string { return KDFArgon2id }

func (a *Argon2id) DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, a.Time, a.Memory, a.Parallelism, KeyLength)
}

func (a *Argon2id) Params() KDFParams {
	return KDFParams{Name: KDFArgon2id, Memory: a.Memory, Iterations: a.Time, Parallelism: a.Parallelism}
}

// PBKDF2 is the fallback KDF for hosts that cannot spare Argon2id memory.
type PBKDF2 struct {
	Iterations uint32
}

// NewPBKDF2 returns PBKDF2-SHA256 with the default iteration count.
func NewPBKDF2() *PBKDF2 {
	return &PBKDF2{Iterations: PBKDF2Iterations}
}

func (p *PBKDF2) Name() string { return KDFPBKDF2 }

func (p *PBKDF2) DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, int(p.Iterations), KeyLength, sha256.New)
}

func (p *PBKDF2) Params() KDFParams {
	return KDFParams{Name: KDFPBKDF2, Iterations: p.Iterations}
}

// SelectKDF picks the KDF once at construction. With KDFAuto, Argon2id is
// used unless memLimitKiB is set and below its memory cost.
func SelectKDF(name string, memLimitKiB uint32) (KDF, error) {
	switch name {
	case KDFArgon2id:
		return NewArgon2id(), nil
	case KDFPBKDF2:
		return NewPBKDF2(), nil
	case KDFAuto, "":
		if memLimitKiB > 0 && memLimitKiB < Argon2Memory {
			return NewPBKDF2(), nil
		}
		return NewArgon2id(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKDF, name)
	}
}

// KDFFromParams rebuilds the KDF recorded in an archive header.
func KDFFromParams(p KDFParams) (KDF, error) {
	switch p.Name {
	case KDFArgon2id:
		if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
			return nil, fmt.Errorf("crypto: invalid argon2id parameters")
		}
		return &Argon2id{Memory: p.Memory, Time: p.Iterations, Parallelism: p.Parallelism}, nil
	case KDFPBKDF2:
		if p.Iterations == 0 {
			return nil, fmt.Errorf("crypto: invalid pbkdf2 parameters")
		}
		return &PBKDF2{Iterations: p.Iterations}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKDF, p.Name)
	}
}
