package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t testing.TB) []byte {
	t.Helper()
	key, err := RandomBytes(KeyLength)
	require.NoError(t, err)
	return key
}

// TestSealOpenRoundTrip tests AES-256-GCM sealing with the nonce prefix
func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("x")},
		{"text", []byte("metadata.yml\ncredentials/\n")},
		{"binary", bytes.Repeat([]byte{0, 1, 2, 255}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Seal(key, tt.plaintext)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(sealed), NonceLength+16)

			got, err := Open(key, sealed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(got, tt.plaintext), "Open() did not return the original plaintext")
		})
	}
}

// TestSealUniqueNonce verifies two seals of the same plaintext differ
func TestSealUniqueNonce(t *testing.T) {
	key := testKey(t)
	a, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a[:NonceLength], b[:NonceLength], "Seal() reused a nonce")
}

func TestOpenRejects(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name    string
		key     []byte
		data    []byte
		wantErr error
	}{
		{"wrong key", testKey(t), sealed, ErrDecryptionFailed},
		{"tampered", key, tampered, ErrDecryptionFailed},
		{"too short", key, sealed[:NonceLength+3], ErrCiphertextTooShort},
		{"bad key length", key[:16], sealed, ErrInvalidKeyLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.key, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSealInvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := Seal(make([]byte, n), []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKeyLength, "%d-byte key", n)
	}
}

// TestDeriveSubkey verifies HKDF separation by info string
func TestDeriveSubkey(t *testing.T) {
	master := testKey(t)

	enc, err := DeriveSubkey(master, "enc")
	require.NoError(t, err)
	mac, err := DeriveSubkey(master, "mac")
	require.NoError(t, err)
	again, err := DeriveSubkey(master, "enc")
	require.NoError(t, err)

	assert.Len(t, enc, KeyLength)
	assert.NotEqual(t, enc, mac, "subkeys with different info must differ")
	assert.Equal(t, enc, again, "DeriveSubkey() must be deterministic")
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive key material")
	SecureWipe(data)
	assert.Equal(t, make([]byte, len(data)), data)
	assert.NotPanics(t, func() { SecureWipe(nil) })
}
