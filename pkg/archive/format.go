package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/credstore/pkg/crypto"
)

// MagicNumber opens every archive file: "CRED_ARC"
var MagicNumber = [8]byte{'C', 'R', 'E', 'D', '_', 'A', 'R', 'C'}

// FormatVersion is the current container version.
const FormatVersion = 1

// maxHeaderSize bounds the JSON header.
const maxHeaderSize = 1024 * 1024

// KDFHeader records how the master key was derived.
type KDFHeader struct {
	crypto.KDFParams
	Salt []byte `json:"salt"`
}

// Header contains archive metadata. It is authenticated by the trailing
// HMAC but not encrypted, so it carries no credential data.
type Header struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	KDF        KDFHeader `json:"kdf"`
	EntryCount int       `json:"entry_count"`
}

// WriteHeader writes the magic number and header to the writer.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("archive: failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("archive: failed to marshal header: %w", err)
	}

	if err := writeUint32(w, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("archive: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("archive: failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: short file", ErrInvalidFormat)
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("%w: magic number mismatch", ErrInvalidFormat)
	}

	headerLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: missing header length", ErrInvalidFormat)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("%w: header too large: %d bytes", ErrInvalidFormat, headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidFormat)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: unreadable header", ErrInvalidFormat)
	}
	if header.Version < 1 || header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d (max %d)",
			ErrInvalidFormat, header.Version, FormatVersion)
	}
	return &header, nil
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
