package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/forest6511/credstore/pkg/crypto"
)

// Unsealed describes an extracted archive.
type Unsealed struct {
	CreatedAt  time.Time
	EntryCount int
	KDF        crypto.KDFParams

	// AuditKey is derived from the archive master key. It stays the same
	// across saves with the same passphrase.
	AuditKey []byte
}

// Wipe clears the audit key.
func (u *Unsealed) Wipe() {
	crypto.SecureWipe(u.AuditKey)
	u.AuditKey = nil
}

// Archive seals and extracts archive files. The zero value is not usable;
// construct with New.
type Archive struct {
	kdf    crypto.KDF
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Option configures an Archive.
type Option func(*Archive)

// WithKDF sets the KDF used for new archives. Existing archives keep the
// KDF recorded in their header.
func WithKDF(kdf crypto.KDF) Option {
	return func(a *Archive) { a.kdf = kdf }
}

// WithClock sets the time source for header timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Archive) { a.logger = l }
}

// New returns an Archive using Argon2id unless configured otherwise.
func New(opts ...Option) *Archive {
	a := &Archive{
		kdf:    crypto.NewArgon2id(),
		now:    time.Now,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Exists reports whether an archive file is present at path.
func (a *Archive) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Inspect reads the unauthenticated header of the archive at path.
func (a *Archive) Inspect(path string) (*Header, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadHeader(f)
}

// Seal packs the tree at src and atomically replaces the archive at path.
// When an archive already exists there, its salt and KDF are reused so the
// derived audit key stays stable.
func (a *Archive) Seal(ctx context.Context, src, path string, passphrase []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}

	plain, count, err := pack(src)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(plain)

	kdf, kh, err := a.kdfFor(path)
	if err != nil {
		return err
	}
	keys, err := deriveKeys(kdf, passphrase, kh.Salt)
	if err != nil {
		return err
	}
	defer keys.wipe()

	ciphertext, err := crypto.Seal(keys.enc, plain)
	if err != nil {
		return fmt.Errorf("archive: encrypt: %w", err)
	}

	header := &Header{
		Version:    FormatVersion,
		CreatedAt:  a.now().UTC(),
		KDF:        kh,
		EntryCount: count,
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(ciphertext))); err != nil {
		return fmt.Errorf("archive: failed to write ciphertext length: %w", err)
	}
	buf.Write(ciphertext)
	buf.Write(computeHMAC(buf.Bytes(), keys.mac))

	if err := replaceFile(path, buf.Bytes()); err != nil {
		return err
	}
	a.logger.Debugw("archive sealed", "path", path, "entries", count, "kdf", kdf.Name())
	return nil
}

// kdfFor returns the KDF and salt for sealing path.
func (a *Archive) kdfFor(path string) (crypto.KDF, KDFHeader, error) {
	if h, err := a.Inspect(path); err == nil && len(h.KDF.Salt) == crypto.SaltLength {
		if kdf, err := crypto.KDFFromParams(h.KDF.KDFParams); err == nil {
			return kdf, h.KDF, nil
		}
	}
	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return nil, KDFHeader{}, fmt.Errorf("archive: failed to generate salt: %w", err)
	}
	return a.kdf, KDFHeader{KDFParams: a.kdf.Params(), Salt: salt}, nil
}

// Extract authenticates and decrypts the archive at path into dest, which
// must be empty or absent.
func (a *Archive) Extract(ctx context.Context, path string, passphrase []byte, dest string) (*Unsealed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", path, err)
	}

	r := bytes.NewReader(data)
	header, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	ctLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: missing ciphertext length", ErrInvalidFormat)
	}
	if int64(ctLen)+HMACLength != int64(r.Len()) {
		return nil, fmt.Errorf("%w: length mismatch", ErrInvalidFormat)
	}
	macStart := len(data) - HMACLength
	ciphertext := data[macStart-int(ctLen) : macStart]

	kdf, err := crypto.KDFFromParams(header.KDF.KDFParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	keys, err := deriveKeys(kdf, passphrase, header.KDF.Salt)
	if err != nil {
		return nil, err
	}
	defer keys.wipe()

	if !verifyHMAC(data[:macStart], data[macStart:], keys.mac) {
		return nil, ErrDecryptionFailed
	}
	plain, err := crypto.Open(keys.enc, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer crypto.SecureWipe(plain)

	if err := prepareDest(dest); err != nil {
		return nil, err
	}
	count, err := unpack(plain, dest)
	if err != nil {
		return nil, err
	}
	if count != header.EntryCount {
		return nil, fmt.Errorf("%w: header lists %d entries, found %d", ErrInvalidFormat, header.EntryCount, count)
	}

	audit := make([]byte, len(keys.audit))
	copy(audit, keys.audit)
	a.logger.Debugw("archive extracted", "path", path, "entries", count, "kdf", kdf.Name())
	return &Unsealed{
		CreatedAt:  header.CreatedAt,
		EntryCount: count,
		KDF:        kdf.Params(),
		AuditKey:   audit,
	}, nil
}

func prepareDest(dest string) error {
	entries, err := os.ReadDir(dest)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dest, 0700); err != nil {
			return fmt.Errorf("archive: create %s: %w", dest, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("archive: read %s: %w", dest, err)
	case len(entries) > 0:
		return fmt.Errorf("%w: %s", ErrDestinationNotEmpty, dest)
	}
	return nil
}

// replaceFile writes data to a temp file beside path, syncs it and renames
// it over path. The previous archive stays intact until the rename.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("archive: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("archive: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("archive: rename into %s: %w", path, err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes a directory entry change where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
