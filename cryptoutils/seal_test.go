package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func sealTestKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	symmetricKey := make([]byte, 32)
	_, err = rand.Read(symmetricKey)
	require.NoError(t, err)

	return pub, priv, symmetricKey
}

// TestSealOpenRoundTrip tests that sealed payloads open back to the original
// plaintext and associated data
func TestSealOpenRoundTrip(t *testing.T) {
	pub, priv, symmetricKey := sealTestKeys(t)

	testCases := []struct {
		name           string
		plaintext      []byte
		associatedData []byte
	}{
		{
			name:           "Frame with channel and timestamp",
			plaintext:      []byte("frame payload bytes"),
			associatedData: []byte{0x01, 0x00, 0x00, 0x00, 0xEF, 0xBE, 0xAD, 0xDE, 0x00, 0x00, 0x00, 0x00},
		},
		{
			name:           "Empty associated data",
			plaintext:      []byte("just a payload"),
			associatedData: nil,
		},
		{
			name:           "Empty plaintext",
			plaintext:      nil,
			associatedData: []byte{0xAA, 0xBB},
		},
		{
			name:           "Large payload",
			plaintext:      make([]byte, 1024),
			associatedData: make([]byte, 12),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := SealPayload(priv, symmetricKey, tc.plaintext, tc.associatedData)
			require.NoError(t, err)
			require.Len(t, sealed, SealOverhead+len(tc.plaintext)+len(tc.associatedData))

			plaintext, associatedData, err := OpenPayload(pub, symmetricKey, sealed, len(tc.associatedData))
			require.NoError(t, err)
			require.Equal(t, len(tc.plaintext), len(plaintext))
			if len(tc.plaintext) > 0 {
				require.Equal(t, tc.plaintext, plaintext)
			}
			if len(tc.associatedData) > 0 {
				require.Equal(t, tc.associatedData, associatedData)
			}
		})
	}
}

// TestOpenPayloadRejectsTampering tests that any single-byte modification of
// a sealed payload is rejected
func TestOpenPayloadRejectsTampering(t *testing.T) {
	pub, priv, symmetricKey := sealTestKeys(t)

	plaintext := []byte("tamper target")
	associatedData := make([]byte, 12)
	binary.LittleEndian.PutUint32(associatedData[0:4], 7)
	binary.LittleEndian.PutUint64(associatedData[4:12], 1234)

	sealed, err := SealPayload(priv, symmetricKey, plaintext, associatedData)
	require.NoError(t, err)

	// Flipping any byte must fail: signature, nonce, tag, ciphertext or AD.
	for _, offset := range []int{0, 63, 64, 87, 88, 103, 104, len(sealed) - 1} {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[offset] ^= 0x01

		_, _, err := OpenPayload(pub, symmetricKey, tampered, len(associatedData))
		require.ErrorIs(t, err, ErrInvalidPayload, "offset %d", offset)
	}
}

// TestOpenPayloadRejectsWrongKeys tests that both wrong verification keys and
// wrong symmetric keys are rejected indistinguishably
func TestOpenPayloadRejectsWrongKeys(t *testing.T) {
	pub, priv, symmetricKey := sealTestKeys(t)
	wrongPub, _, wrongSymmetricKey := sealTestKeys(t)

	sealed, err := SealPayload(priv, symmetricKey, []byte("payload"), []byte{0x01})
	require.NoError(t, err)

	_, _, err = OpenPayload(wrongPub, symmetricKey, sealed, 1)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = OpenPayload(pub, wrongSymmetricKey, sealed, 1)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

// TestOpenPayloadRejectsTruncation tests length validation
func TestOpenPayloadRejectsTruncation(t *testing.T) {
	pub, priv, symmetricKey := sealTestKeys(t)

	sealed, err := SealPayload(priv, symmetricKey, []byte("abc"), []byte{0x01, 0x02})
	require.NoError(t, err)

	_, _, err = OpenPayload(pub, symmetricKey, sealed[:SealOverhead+1], 2)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = OpenPayload(pub, symmetricKey, nil, 0)
	require.ErrorIs(t, err, ErrInvalidPayload)

	// Declaring more associated data than the payload carries must fail too.
	_, _, err = OpenPayload(pub, symmetricKey, sealed, len(sealed))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

// TestPayloadAssociatedData tests the unverified associated data accessor
func TestPayloadAssociatedData(t *testing.T) {
	_, priv, symmetricKey := sealTestKeys(t)

	associatedData := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	sealed, err := SealPayload(priv, symmetricKey, []byte("payload"), associatedData)
	require.NoError(t, err)

	got, err := PayloadAssociatedData(sealed, len(associatedData))
	require.NoError(t, err)
	require.Equal(t, associatedData, got)

	_, err = PayloadAssociatedData(sealed[:SealOverhead], len(associatedData))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

// TestSealOverheadConstant pins the wire format header size
func TestSealOverheadConstant(t *testing.T) {
	require.Equal(t, 104, SealOverhead)
}
