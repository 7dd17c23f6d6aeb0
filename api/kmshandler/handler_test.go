package kmshandler

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/perimeterlabs/device-provisioning-backend/kmsgovernance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKMSID(t *testing.T) interfaces.DeploymentID {
	t.Helper()
	id, err := interfaces.NewDeploymentIDFromHex("fedcba9876543210fedcba9876543210fedcba98")
	require.NoError(t, err)
	return id
}

func testDeploymentID(t *testing.T) interfaces.DeploymentID {
	t.Helper()
	id, err := interfaces.NewDeploymentIDFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	return id
}

// zeroMeasurements is the measurement set an emulated quote verifies to.
func zeroMeasurements() map[int]string {
	zero := hex.EncodeToString(make([]byte, 48))
	return map[int]string{0: zero, 1: zero, 2: zero, 3: zero}
}

func setupKMSServer(t *testing.T) (*httptest.Server, *kms.SimpleKMS, *kmsgovernance.KMSGovernanceImpl, interfaces.DeploymentID) {
	t.Helper()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	simple, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	kmsID := testKMSID(t)
	governance := kmsgovernance.NewKMSGovernance(kmsID)

	handler := NewHandler(NewClusterKMS(simple, kmsID), governance, testLogger())
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, simple, governance, kmsID
}

// whitelistZeroIdentity allows the identity derived from an all-zero DCAP
// report, which is what emulated attestations verify to.
func whitelistZeroIdentity(t *testing.T, governance *kmsgovernance.KMSGovernanceImpl) interfaces.DeviceIdentity {
	t.Helper()
	report, err := interfaces.DCAPReportFromMeasurement(zeroMeasurements())
	require.NoError(t, err)
	identity, err := governance.WhitelistDCAP(*report)
	require.NoError(t, err)
	return identity
}

func attestedClient(t *testing.T, serverAddr string) *Client {
	t.Helper()
	measurementsJSON, err := json.Marshal(zeroMeasurements())
	require.NoError(t, err)
	return &Client{
		ServerAddr:                serverAddr,
		SetAttestationType:        "dummy",
		SetAttestationMeasurement: string(measurementsJSON),
	}
}

func TestHandleSecrets(t *testing.T) {
	srv, simple, governance, _ := setupKMSServer(t)
	whitelistZeroIdentity(t, governance)

	client := attestedClient(t, srv.URL)
	deploymentID := testDeploymentID(t)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	secrets, err := client.DeviceSecrets(deploymentID, csr)
	require.NoError(t, err)

	expectedPrivkey, err := simple.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, expectedPrivkey, secrets.DevicePrivkey)

	// The issued certificate chains to the deployment CA.
	pki, err := client.GetPKI(deploymentID)
	require.NoError(t, err)
	caCert, err := pki.CA.GetX509Cert()
	require.NoError(t, err)
	cert, err := secrets.TLSCert.GetX509Cert()
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.NoError(t, err)
}

func TestHandleSecretsUnknownIdentity(t *testing.T) {
	srv, _, _, _ := setupKMSServer(t)

	client := attestedClient(t, srv.URL)
	deploymentID := testDeploymentID(t)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	_, err = client.DeviceSecrets(deploymentID, csr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity not allowed")
}

func TestHandleSecretsRejectsBadCSR(t *testing.T) {
	srv, _, governance, _ := setupKMSServer(t)
	whitelistZeroIdentity(t, governance)

	client := attestedClient(t, srv.URL)

	_, err := client.DeviceSecrets(testDeploymentID(t), []byte("not a csr"))
	require.Error(t, err)
}

func TestHandlePKI(t *testing.T) {
	srv, _, _, _ := setupKMSServer(t)

	client := &Client{ServerAddr: srv.URL}
	deploymentID := testDeploymentID(t)

	pki, err := client.GetPKI(deploymentID)
	require.NoError(t, err)

	caCert, err := pki.CA.GetX509Cert()
	require.NoError(t, err)
	assert.True(t, caCert.IsCA)
	assert.NotEmpty(t, pki.Pubkey)

	// The attestation commits to the deployment and certificate material.
	reportData := pki.ReportData(deploymentID)
	assert.Equal(t, []byte(fmt.Sprintf("Attestation for %x", reportData)), []byte(pki.Attestation))
}

func TestHandleOnboard(t *testing.T) {
	srv, simple, governance, kmsID := setupKMSServer(t)

	// The joining instance has a transport keypair and its attestation
	// provider; the master key is what it is asking for.
	pubkey, privkey, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	throwaway := make([]byte, 32)
	_, err = rand.Read(throwaway)
	require.NoError(t, err)
	joining, err := kms.NewSimpleKMS(throwaway)
	require.NoError(t, err)

	onboardReq, err := joining.RequestOnboard(kmsID, pubkey)
	require.NoError(t, err)
	require.NoError(t, governance.RequestOnboard(onboardReq))

	client := &Client{ServerAddr: srv.URL}

	// Pending request alone is not enough without a whitelisted identity.
	_, err = client.FetchOnboardKey(onboardReq.Identity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity not allowed")

	whitelistZeroIdentity(t, governance)

	encryptedKey, err := client.FetchOnboardKey(onboardReq.Identity)
	require.NoError(t, err)

	masterKey, err := cryptoutils.DecryptWithPrivateKey(privkey, encryptedKey)
	require.NoError(t, err)

	// The onboarded key reproduces the cluster's derivations.
	onboarded, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	deploymentID := testDeploymentID(t)
	expectedKey, err := simple.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	onboardedKey, err := onboarded.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, expectedKey, onboardedKey)
}

func TestHandleOnboardUnknownRequest(t *testing.T) {
	srv, _, _, _ := setupKMSServer(t)

	client := &Client{ServerAddr: srv.URL}
	_, err := client.FetchOnboardKey(interfaces.DeviceIdentity{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not fetch onboard request")
}

func TestClusterKMSVerifyOnboardRequest(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	simple, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	kmsID := testKMSID(t)
	cluster := NewClusterKMS(simple, kmsID)

	pubkey, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	req, err := simple.RequestOnboard(kmsID, pubkey)
	require.NoError(t, err)

	measurements, err := cluster.VerifyOnboardRequest(req)
	require.NoError(t, err)
	assert.Equal(t, zeroMeasurements(), measurements)

	// A request attested for a different cluster does not verify here.
	otherID, err := interfaces.NewDeploymentIDFromHex(strings.Repeat("aa", 20))
	require.NoError(t, err)
	foreignReq, err := simple.RequestOnboard(otherID, pubkey)
	require.NoError(t, err)

	_, err = cluster.VerifyOnboardRequest(foreignReq)
	require.Error(t, err)
}
