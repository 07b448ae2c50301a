package archive

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/credstore/pkg/crypto"
)

// HMACLength is the length of the trailing HMAC-SHA256.
const HMACLength = 32

// HKDF info strings for subkey derivation.
const (
	hkdfInfoEncryption = "credstore-archive-encryption"
	hkdfInfoMAC        = "credstore-archive-mac"
	hkdfInfoAudit      = "credstore-audit-log-v1"
)

type keySet struct {
	enc, mac, audit []byte
}

func (k *keySet) wipe() {
	crypto.SecureWipe(k.enc)
	crypto.SecureWipe(k.mac)
	crypto.SecureWipe(k.audit)
}

// normalizePassphrase maps compatibility-equivalent passphrases to the same
// bytes, so a passphrase typed on another keyboard layout still opens.
func normalizePassphrase(p []byte) []byte {
	return norm.NFKC.Bytes(p)
}

func deriveKeys(kdf crypto.KDF, passphrase, salt []byte) (*keySet, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	normalized := normalizePassphrase(passphrase)
	master := kdf.DeriveKey(normalized, salt)
	crypto.SecureWipe(normalized)
	defer crypto.SecureWipe(master)

	var ks keySet
	var err error
	if ks.enc, err = crypto.DeriveSubkey(master, hkdfInfoEncryption); err != nil {
		return nil, fmt.Errorf("archive: failed to derive encryption key: %w", err)
	}
	if ks.mac, err = crypto.DeriveSubkey(master, hkdfInfoMAC); err != nil {
		ks.wipe()
		return nil, fmt.Errorf("archive: failed to derive MAC key: %w", err)
	}
	if ks.audit, err = crypto.DeriveSubkey(master, hkdfInfoAudit); err != nil {
		ks.wipe()
		return nil, fmt.Errorf("archive: failed to derive audit key: %w", err)
	}
	return &ks, nil
}

func computeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func verifyHMAC(data, expected, key []byte) bool {
	return hmac.Equal(computeHMAC(data, key), expected)
}
