package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncryptionDecryption tests the EncryptWithPublicKey and DecryptWithPrivateKey functions
func TestEncryptionDecryption(t *testing.T) {
	publicKeyPEM, privateKeyPEM, err := RandomP256Keypair()
	require.NoError(t, err)

	// Test cases
	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Simple string",
			data: []byte("This is a secret message"),
		},
		{
			name: "JSON data",
			data: []byte(`{"deployment":"sat-tv-west","secret":"c2VjcmV0"}`),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Long data",
			data: make([]byte, 1024), // 1KB of zeros
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Encrypt the data
			encryptedData, err := EncryptWithPublicKey(publicKeyPEM, tc.data)
			require.NoError(t, err)

			// Encrypted data should be longer than original
			require.Greater(t, len(encryptedData), len(tc.data))

			// Decrypt the data
			decryptedData, err := DecryptWithPrivateKey(privateKeyPEM, encryptedData)
			require.NoError(t, err)

			// Verify the decrypted data matches the original
			require.Equal(t, tc.data, decryptedData)
		})
	}
}

// TestDecryptionWithWrongKey tests that decryption fails with the wrong key
func TestDecryptionWithWrongKey(t *testing.T) {
	publicKeyPEM, _, err := RandomP256Keypair()
	require.NoError(t, err)

	// Generate different key pair for decryption
	_, wrongPrivateKeyPEM, err := RandomP256Keypair()
	require.NoError(t, err)

	// Encrypt with first public key
	data := []byte("Top secret data")
	encryptedData, err := EncryptWithPublicKey(publicKeyPEM, data)
	require.NoError(t, err)

	// Try to decrypt with wrong private key - should fail
	_, err = DecryptWithPrivateKey(wrongPrivateKeyPEM, encryptedData)
	require.Error(t, err)
}

// TestInvalidKeyFormats tests error handling for invalid key formats
func TestInvalidKeyFormats(t *testing.T) {
	// Test invalid public key
	_, err := EncryptWithPublicKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	// Test invalid private key
	_, err = DecryptWithPrivateKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	_, privateKeyPEM, err := RandomP256Keypair()
	require.NoError(t, err)

	// Test with too short data
	_, err = DecryptWithPrivateKey(privateKeyPEM, []byte{0x01})
	require.Error(t, err)

	// Test with invalid format
	_, err = DecryptWithPrivateKey(privateKeyPEM, make([]byte, 100))
	require.Error(t, err)
}
