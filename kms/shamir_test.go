package kms

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateAdminKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate admin key")

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err, "Failed to marshal public key")

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})
	return privateKey, pubKeyPEM
}

func TestShamirKMS_NewShamirKMS(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	adminPubKeyPEMs := make([][]byte, 5)
	for i := range adminPubKeyPEMs {
		_, adminPubKeyPEMs[i] = generateAdminKey(t)
	}

	kms, shares, err := NewShamirKMS(masterKey, ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err, "NewShamirKMS should succeed with valid parameters")
	assert.NotNil(t, kms, "KMS should not be nil")
	assert.Equal(t, 5, len(shares), "Should generate one share per admin")
	assert.True(t, kms.IsUnlocked(), "KMS should start in unlocked state when initiated with master key")

	// Threshold exceeding the number of admins
	_, _, err = NewShamirKMS(masterKey, ShamirConfig{Threshold: 6, AdminPubKeys: adminPubKeyPEMs})
	assert.Error(t, err, "Should fail when threshold > total shares")

	// Threshold below the minimum
	_, _, err = NewShamirKMS(masterKey, ShamirConfig{Threshold: 1, AdminPubKeys: adminPubKeyPEMs})
	assert.Error(t, err, "Should fail when threshold < 2")

	// Master key too short
	shortKey := make([]byte, 16)
	_, _, err = NewShamirKMS(shortKey, ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	assert.Error(t, err, "Should fail with master key < 32 bytes")

	// Invalid admin key material
	badKeys := [][]byte{[]byte("not-a-valid-pem"), adminPubKeyPEMs[0], adminPubKeyPEMs[1]}
	_, _, err = NewShamirKMS(masterKey, ShamirConfig{Threshold: 2, AdminPubKeys: badKeys})
	assert.Error(t, err, "Should fail with invalid admin pubkey")
}

func TestShamirKMS_NewShamirKMSRecovery(t *testing.T) {
	adminPubKeyPEMs := make([][]byte, 3)
	for i := range adminPubKeyPEMs {
		_, adminPubKeyPEMs[i] = generateAdminKey(t)
	}

	kms, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err)
	assert.NotNil(t, kms, "KMS should not be nil")
	assert.Equal(t, 3, kms.threshold, "Threshold should be set correctly")
	assert.False(t, kms.IsUnlocked(), "KMS should start in locked state")
}

func TestShamirKMS_ShareSubmission(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	adminKeys := make([]*ecdsa.PrivateKey, 5)
	adminPubKeyPEMs := make([][]byte, 5)
	for i := range adminKeys {
		adminKeys[i], adminPubKeyPEMs[i] = generateAdminKey(t)
	}

	config := ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs}

	_, shares, err := NewShamirKMS(masterKey, config)
	require.NoError(t, err, "Failed to create KMS")
	require.Equal(t, 5, len(shares), "Should generate 5 shares")

	recoveryKms, err := NewShamirKMSRecovery(config)
	require.NoError(t, err)

	// Sign and submit shares up to the threshold
	for i := 0; i < 3; i++ {
		signature, err := SignShare(shares[i], adminKeys[i])
		require.NoError(t, err, "Failed to sign share")

		err = recoveryKms.SubmitShare(i, shares[i], signature, adminPubKeyPEMs[i])
		require.NoError(t, err, "Share submission should succeed")
	}

	assert.True(t, recoveryKms.IsUnlocked(), "KMS should be unlocked after threshold shares")

	// Submissions after unlock are rejected
	signature, err := SignShare(shares[3], adminKeys[3])
	require.NoError(t, err)
	err = recoveryKms.SubmitShare(3, shares[3], signature, adminPubKeyPEMs[3])
	assert.Error(t, err, "Should reject shares once unlocked")

	// Invalid signature
	recoveryKms2, err := NewShamirKMSRecovery(config)
	require.NoError(t, err)

	err = recoveryKms2.SubmitShare(0, shares[0], []byte("invalid-signature"), adminPubKeyPEMs[0])
	assert.Error(t, err, "Should fail with invalid signature")

	// Unregistered admin
	unregisteredKey, unregPubKeyPEM := generateAdminKey(t)
	signature, err = SignShare(shares[0], unregisteredKey)
	require.NoError(t, err)

	err = recoveryKms2.SubmitShare(0, shares[0], signature, unregPubKeyPEM)
	assert.Error(t, err, "Should fail with unregistered admin")
}

func TestShamirKMS_Ed25519Admin(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	edPubBytes, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	edPubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: edPubBytes})

	ecKey, ecPubPEM := generateAdminKey(t)

	config := ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{edPubPEM, ecPubPEM}}

	_, shares, err := NewShamirKMS(masterKey, config)
	require.NoError(t, err)

	recoveryKms, err := NewShamirKMSRecovery(config)
	require.NoError(t, err)

	edSig, err := SignShare(shares[0], edPriv)
	require.NoError(t, err)
	require.NoError(t, recoveryKms.SubmitShare(0, shares[0], edSig, edPubPEM))

	ecSig, err := SignShare(shares[1], ecKey)
	require.NoError(t, err)
	require.NoError(t, recoveryKms.SubmitShare(1, shares[1], ecSig, ecPubPEM))

	assert.True(t, recoveryKms.IsUnlocked(), "KMS should unlock with mixed admin key types")
}

func TestShamirKMS_LockedOperations(t *testing.T) {
	adminPubKeyPEMs := make([][]byte, 3)
	for i := range adminPubKeyPEMs {
		_, adminPubKeyPEMs[i] = generateAdminKey(t)
	}

	kms, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err)

	deploymentID := interfaces.DeploymentID{}
	_, err = rand.Read(deploymentID[:])
	require.NoError(t, err)

	_, err = kms.GetPKI(deploymentID)
	assert.ErrorIs(t, err, ErrLocked, "GetPKI should report a locked KMS")

	_, err = kms.GetDevicePrivkey(deploymentID)
	assert.ErrorIs(t, err, ErrLocked, "GetDevicePrivkey should report a locked KMS")

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	_, err = kms.SignCSR(deploymentID, csr)
	assert.ErrorIs(t, err, ErrLocked, "SignCSR should report a locked KMS")

	_, err = kms.DeviceSecrets(deploymentID, csr)
	assert.ErrorIs(t, err, ErrLocked, "DeviceSecrets should report a locked KMS")
}

func TestShamirKMS_UnlockedOperations(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	adminKeys := make([]*ecdsa.PrivateKey, 5)
	adminPubKeyPEMs := make([][]byte, 5)
	for i := range adminKeys {
		adminKeys[i], adminPubKeyPEMs[i] = generateAdminKey(t)
	}

	config := ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs}

	_, shares, err := NewShamirKMS(masterKey, config)
	require.NoError(t, err, "Failed to create KMS")

	recoveryKms, err := NewShamirKMSRecovery(config)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		signature, err := SignShare(shares[i], adminKeys[i])
		require.NoError(t, err)

		err = recoveryKms.SubmitShare(i, shares[i], signature, adminPubKeyPEMs[i])
		require.NoError(t, err)
	}

	require.True(t, recoveryKms.IsUnlocked(), "KMS should be unlocked")

	deploymentID := interfaces.DeploymentID{}
	_, err = rand.Read(deploymentID[:])
	require.NoError(t, err, "Failed to generate deployment ID")

	pki, err := recoveryKms.GetPKI(deploymentID)
	assert.NoError(t, err, "GetPKI should succeed on unlocked KMS")
	assert.NotEmpty(t, pki.CA, "CA should not be empty")
	assert.NotEmpty(t, pki.Pubkey, "Public key should not be empty")

	privkey, err := recoveryKms.GetDevicePrivkey(deploymentID)
	assert.NoError(t, err, "GetDevicePrivkey should succeed on unlocked KMS")
	assert.NotEmpty(t, privkey, "Private key should not be empty")

	// The reconstructed master key must derive the same material as the
	// original.
	directKms, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)
	directPrivkey, err := directKms.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, directPrivkey, privkey, "Recovered KMS should derive identical keys")

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	cert, err := recoveryKms.SignCSR(deploymentID, csr)
	assert.NoError(t, err, "SignCSR should succeed on unlocked KMS")
	assert.NotEmpty(t, cert, "Certificate should not be empty")

	deviceSecrets, err := recoveryKms.DeviceSecrets(deploymentID, csr)
	assert.NoError(t, err, "DeviceSecrets should succeed on unlocked KMS")
	assert.NotEmpty(t, deviceSecrets.TLSCert, "Device certificate should not be empty")
}

func TestSignShare(t *testing.T) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate key")

	share := []byte("test-share-data")

	signature, err := SignShare(share, privateKey)
	assert.NoError(t, err, "Should sign share successfully")
	assert.NotEmpty(t, signature, "Signature should not be empty")

	_, err = SignShare(share, "not-a-key")
	assert.Error(t, err, "Should reject unsupported key types")
}
