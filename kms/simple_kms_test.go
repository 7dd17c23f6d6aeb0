package kms

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKMS(t *testing.T) *SimpleKMS {
	t.Helper()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	kms, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)
	return kms
}

func testDeploymentID(t *testing.T) interfaces.DeploymentID {
	t.Helper()

	deploymentID := interfaces.DeploymentID{}
	_, err := rand.Read(deploymentID[:])
	require.NoError(t, err)
	return deploymentID
}

func TestSimpleKMS_New(t *testing.T) {
	_, err := NewSimpleKMS(make([]byte, 16))
	assert.Error(t, err, "Should reject master keys shorter than 32 bytes")

	kms, err := NewSimpleKMS(make([]byte, 32))
	require.NoError(t, err)
	assert.NotNil(t, kms)
}

func TestSimpleKMS_Determinism(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	kms1, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)
	kms2, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)

	deploymentID := testDeploymentID(t)
	otherDeployment := testDeploymentID(t)

	privkey1, err := kms1.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	privkey2, err := kms2.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, privkey1, privkey2, "Same master key must derive the same device key")

	otherPrivkey, err := kms1.GetDevicePrivkey(otherDeployment)
	require.NoError(t, err)
	assert.NotEqual(t, privkey1, otherPrivkey, "Different deployments must not share keys")

	// A reseeded KMS derives an unrelated key space.
	reseeded := kms1.WithSeed(make([]byte, 32))
	reseededPrivkey, err := reseeded.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.NotEqual(t, privkey1, reseededPrivkey)
}

func TestSimpleKMS_GetPKI(t *testing.T) {
	kms := testKMS(t)
	deploymentID := testDeploymentID(t)

	pki, err := kms.GetPKI(deploymentID)
	require.NoError(t, err)

	require.NoError(t, pki.CA.Validate(), "CA certificate should be valid PEM")
	require.NoError(t, pki.Pubkey.Validate(), "Device pubkey should be valid PEM")
	assert.NotEmpty(t, pki.Attestation, "PKI bundle should carry an attestation")

	caCert, err := pki.CA.GetX509Cert()
	require.NoError(t, err)
	assert.True(t, caCert.IsCA, "CA certificate should be a CA")
	assert.Contains(t, caCert.Subject.CommonName, deploymentID.String())
}

func TestSimpleKMS_SignCSR(t *testing.T) {
	kms := testKMS(t)
	deploymentID := testDeploymentID(t)
	cn := interfaces.NewDeviceCommonName(deploymentID)

	keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey(cn.String())
	require.NoError(t, err)

	cert, err := kms.SignCSR(deploymentID, csr)
	require.NoError(t, err)

	pki, err := kms.GetPKI(deploymentID)
	require.NoError(t, err)
	require.NoError(t, pki.CA.VerifyCertificate(cert), "Certificate should chain to the deployment CA")
	require.NoError(t, cryptoutils.VerifyCertificate(keyPEM, cert, cn.String()))

	// Garbage CSRs are rejected.
	_, err = kms.SignCSR(deploymentID, interfaces.TLSCSR("not-a-csr"))
	assert.Error(t, err)
}

func TestSimpleKMS_DeviceSecrets(t *testing.T) {
	kms := testKMS(t)
	deploymentID := testDeploymentID(t)
	cn := interfaces.NewDeviceCommonName(deploymentID)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(cn.String())
	require.NoError(t, err)

	deviceSecrets, err := kms.DeviceSecrets(deploymentID, csr)
	require.NoError(t, err)

	assert.NotEmpty(t, deviceSecrets.DevicePrivkey)
	assert.NotEmpty(t, deviceSecrets.Attestation)
	assert.NotZero(t, deviceSecrets.DecoderID, "Decoder ID should be derived")

	pki, err := kms.GetPKI(deploymentID)
	require.NoError(t, err)
	require.NoError(t, pki.CA.VerifyCertificate(deviceSecrets.TLSCert))

	// The decoder ID is stable for the same device key.
	again, err := kms.DeviceSecrets(deploymentID, csr)
	require.NoError(t, err)
	assert.Equal(t, deviceSecrets.DecoderID, again.DecoderID)

	// A different device key gets a different decoder ID.
	_, otherCSR, err := cryptoutils.CreateCSRWithRandomKey(cn.String())
	require.NoError(t, err)
	other, err := kms.DeviceSecrets(deploymentID, otherCSR)
	require.NoError(t, err)
	assert.NotEqual(t, deviceSecrets.DecoderID, other.DecoderID)
}

func TestSimpleKMS_BroadcastDerivations(t *testing.T) {
	kms := testKMS(t)
	deploymentID := testDeploymentID(t)

	signer, err := kms.BroadcastSigningKey(deploymentID)
	require.NoError(t, err)

	signerAgain, err := kms.BroadcastSigningKey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, signer.Public, signerAgain.Public, "Signing key must be stable")

	message := []byte("frame payload")
	signature := ed25519.Sign(signer.Private, message)
	assert.True(t, ed25519.Verify(signer.Public, message, signature))

	rootA := kms.ChannelRootKey(deploymentID, 1)
	rootB := kms.ChannelRootKey(deploymentID, 2)
	assert.Len(t, rootA, 32)
	assert.NotEqual(t, rootA, rootB, "Channels must not share keytree roots")
	assert.Equal(t, rootA, kms.ChannelRootKey(deploymentID, 1))

	subscriptionKey := kms.SubscriptionKey(deploymentID)
	assert.Len(t, subscriptionKey, 32)
	assert.NotEqual(t, rootA, subscriptionKey)

	pinSalt := kms.GateSalt(deploymentID, "pin")
	tokenSalt := kms.GateSalt(deploymentID, "token")
	assert.NotEqual(t, pinSalt, tokenSalt, "Gates must use distinct salts")
}

func TestSimpleKMS_Onboard(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	kms, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)

	kmsID := testDeploymentID(t)
	pubkey, privkey, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	request, err := kms.RequestOnboard(kmsID, pubkey)
	require.NoError(t, err)
	assert.NotEmpty(t, request.Attestation, "Onboard request should be attested")
	assert.NotZero(t, request.Identity, "Onboard request should carry its identity")

	encryptedKey, err := kms.OnboardRemote(request.Pubkey)
	require.NoError(t, err)

	recovered, err := cryptoutils.DecryptWithPrivateKey(privkey, encryptedKey)
	require.NoError(t, err)
	assert.Equal(t, masterKey, recovered, "Onboarded instance must recover the master key")

	_, err = kms.RequestOnboard(kmsID, interfaces.DevicePubkey("garbage"))
	assert.Error(t, err, "Should reject invalid onboard pubkeys")
}
