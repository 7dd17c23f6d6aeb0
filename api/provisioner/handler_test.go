package provisioner

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/perimeterlabs/device-provisioning-backend/registry"
	"github.com/perimeterlabs/device-provisioning-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestEnvironment creates common test components
func setupTestEnvironment(t *testing.T) (*slog.Logger, *kms.SimpleKMS, interfaces.StorageBackendFactory, *storage.FileBackend) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	kmsInstance, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	storageFactory := storage.NewStorageBackendFactory(logger)

	fileBackend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	return logger, kmsInstance, storageFactory, fileBackend
}

func testDeploymentID(t *testing.T) interfaces.DeploymentID {
	t.Helper()
	id, err := interfaces.NewDeploymentIDFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	return id
}

func getTestMeasurements() string {
	var bytesPrefix [47]byte
	m, _ := json.Marshal(map[int]string{
		0: hex.EncodeToString(append(bytesPrefix[:], 0)),
		1: hex.EncodeToString(append(bytesPrefix[:], 1)),
		2: hex.EncodeToString(append(bytesPrefix[:], 2)),
		3: hex.EncodeToString(append(bytesPrefix[:], 3)),
	})
	return string(m)
}

// allowTestIdentity computes the identity the handler will derive from
// getTestMeasurements and adds it to the registry allowlist.
func allowTestIdentity(t *testing.T, reg interfaces.DeploymentRegistry) interfaces.DeviceIdentity {
	t.Helper()

	var measurements map[int]string
	require.NoError(t, json.Unmarshal([]byte(getTestMeasurements()), &measurements))

	identity, err := interfaces.AttestationToIdentity(cryptoutils.DCAPAttestation, measurements, api.NewDeploymentGovernance(reg))
	require.NoError(t, err)
	require.NoError(t, reg.AllowIdentity(identity))
	return identity
}

func registerRequest(t *testing.T, deploymentID interfaces.DeploymentID, csr []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(
		http.MethodPost,
		fmt.Sprintf("/api/attested/register/%s", deploymentID.String()),
		bytes.NewReader(csr),
	)
	req.Header.Set(cryptoutils.AttestationTypeHeader, cryptoutils.DCAPAttestation.StringID)
	req.Header.Set(cryptoutils.MeasurementHeader, getTestMeasurements())
	return req
}

func serveRequest(handler *Handler, req *http.Request) *http.Response {
	w := httptest.NewRecorder()
	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)
	mux.ServeHTTP(w, req)
	return w.Result()
}

func TestHandleRegister_Success(t *testing.T) {
	logger, kmsInstance, storageFactory, fileBackend := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	reg := provider.CreateRegistry(deploymentID)
	allowTestIdentity(t, reg)

	configTemplate := []byte(`{"decoder":"test","settings":{"timeout":30}}`)
	configID, err := fileBackend.Store(context.Background(), configTemplate, interfaces.ConfigType)
	require.NoError(t, err)
	require.NoError(t, reg.SetArtifact(interfaces.ArtifactRef{ID: configID, Type: interfaces.ConfigType}))
	require.NoError(t, reg.AddStorageBackend(fileBackend.LocationURI()))

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	resp := serveRequest(handler, registerRequest(t, deploymentID, csr))
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(respBody))

	var result api.RegistrationResponse
	require.NoError(t, json.Unmarshal(respBody, &result))

	assert.NotEmpty(t, result.DeviceSecrets.DevicePrivkey)
	assert.NotEmpty(t, result.DeviceSecrets.TLSCert)
	assert.NotEmpty(t, result.DeviceSecrets.Attestation)
	assert.Equal(t, string(configTemplate), string(result.Config))
	assert.Equal(t, []string{fileBackend.LocationURI()}, result.StorageBackends)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, configID, result.Artifacts[0].ID)

	// The certificate must chain to the deployment CA.
	pki, err := kmsInstance.GetPKI(deploymentID)
	require.NoError(t, err)
	assert.NoError(t, pki.CA.VerifyCertificate(result.DeviceSecrets.TLSCert))
}

func TestHandleRegister_NoConfigArtifact(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	reg := provider.CreateRegistry(deploymentID)
	allowTestIdentity(t, reg)

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	resp := serveRequest(handler, registerRequest(t, deploymentID, csr))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result api.RegistrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

	// Device still gets its secrets, just no configuration.
	assert.NotEmpty(t, result.DeviceSecrets.TLSCert)
	assert.Empty(t, result.Config)
	assert.Empty(t, result.Artifacts)
}

func TestHandleRegister_IdentityNotAllowed(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	provider.CreateRegistry(deploymentID)

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	resp := serveRequest(handler, registerRequest(t, deploymentID, csr))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "not allowed")
}

func TestHandleRegister_AdminSignatureAdmission(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	reg := provider.CreateRegistry(deploymentID)

	adminPub, adminPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, reg.AddAdminKey(adminPub))

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	csr := csrWithAdminSignature(t, deploymentID, adminPriv)

	resp := serveRequest(handler, registerRequest(t, deploymentID, csr))
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(respBody))
}

func TestHandleRegister_AdminSignatureUnknownKey(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	provider.CreateRegistry(deploymentID)

	// Key signs correctly but was never registered as a deployment admin.
	_, adminPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	csr := csrWithAdminSignature(t, deploymentID, adminPriv)

	resp := serveRequest(handler, registerRequest(t, deploymentID, csr))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "admin key not registered")
}

// csrWithAdminSignature builds a CSR carrying an admin signature extension
// over its own public key.
func csrWithAdminSignature(t *testing.T, deploymentID interfaces.DeploymentID, adminKey ed25519.PrivateKey) []byte {
	t.Helper()

	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: interfaces.NewDeviceCommonName(deploymentID).String()},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}

	// First pass to learn the DER public key, second pass with the
	// signature extension over it.
	plainDER, err := x509.CreateCertificateRequest(rand.Reader, &template, deviceKey)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificateRequest(plainDER)
	require.NoError(t, err)

	template.ExtraExtensions = []pkix.Extension{AdminSignatureExtension(adminKey, parsed)}
	signedDER, err := x509.CreateCertificateRequest(rand.Reader, &template, deviceKey)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: signedDER})
}

func TestHandleRegister_BadRequests(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	provider.CreateRegistry(deploymentID)

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	t.Run("invalid deployment id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/attested/register/nothex", bytes.NewReader(csr))
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown deployment", func(t *testing.T) {
		unknown, err := interfaces.NewDeploymentIDFromHex("ffffffffffffffffffffffffffffffffffffffff")
		require.NoError(t, err)
		resp := serveRequest(handler, registerRequest(t, unknown, csr))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/attested/register/%s", deploymentID.String()), bytes.NewReader(nil))
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing attestation headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/attested/register/%s", deploymentID.String()), bytes.NewReader(csr))
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleRegister_ResolvesTemplateReferences(t *testing.T) {
	logger, kmsInstance, storageFactory, fileBackend := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	reg := provider.CreateRegistry(deploymentID)
	allowTestIdentity(t, reg)

	ctx := context.Background()

	nestedConfig := []byte(`{"region":"eu-west"}`)
	nestedID, err := fileBackend.Store(ctx, nestedConfig, interfaces.ConfigType)
	require.NoError(t, err)

	pki, err := kmsInstance.GetPKI(deploymentID)
	require.NoError(t, err)

	secretValue := []byte("broadcast-uplink-password")
	encryptedSecret, err := cryptoutils.EncryptWithPublicKey(pki.Pubkey, secretValue)
	require.NoError(t, err)
	secretID, err := fileBackend.Store(ctx, encryptedSecret, interfaces.SecretType)
	require.NoError(t, err)

	configTemplate := []byte(fmt.Sprintf(
		`{"decoder":"test","network":"__CONFIG_REF_%s","password":"__SECRET_REF_%s"}`,
		nestedID.String(), secretID.String(),
	))
	configID, err := fileBackend.Store(ctx, configTemplate, interfaces.ConfigType)
	require.NoError(t, err)

	require.NoError(t, reg.SetArtifact(interfaces.ArtifactRef{ID: configID, Type: interfaces.ConfigType}))
	require.NoError(t, reg.AddStorageBackend(fileBackend.LocationURI()))

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	_, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deploymentID).String())
	require.NoError(t, err)

	resp := serveRequest(handler, registerRequest(t, deploymentID, csr))
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(respBody))

	var result api.RegistrationResponse
	require.NoError(t, json.Unmarshal(respBody, &result))

	config := string(result.Config)
	assert.Contains(t, config, `"region":"eu-west"`)
	assert.Contains(t, config, string(secretValue))
	assert.NotContains(t, config, "__CONFIG_REF_")
	assert.NotContains(t, config, "__SECRET_REF_")
}

func TestHandleMetadata(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	provider.CreateRegistry(deploymentID)

	domain, err := interfaces.NewServiceDomainName("provisioning.example.com")
	require.NoError(t, err)

	handler := NewHandler(kmsInstance, storageFactory, provider, logger).WithServiceDomains(domain)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/metadata/%s", deploymentID.String()), nil)
	resp := serveRequest(handler, req)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result api.MetadataResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

	assert.NoError(t, result.CACert.Validate())
	assert.NoError(t, result.DevicePubkey.Validate())
	assert.Equal(t, []interfaces.ServiceDomainName{domain}, result.DomainNames)
}

func TestHandleMetadata_UnknownDeployment(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	handler := NewHandler(kmsInstance, storageFactory, registry.NewMemoryProvider(), logger)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/metadata/%s", testDeploymentID(t).String()), nil)
	resp := serveRequest(handler, req)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleProvisioned(t *testing.T) {
	logger, kmsInstance, storageFactory, _ := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	reg := provider.CreateRegistry(deploymentID)
	require.NoError(t, reg.AddComponent(interfaces.ComponentID(0x20)))
	require.NoError(t, reg.AddComponent(interfaces.ComponentID(0x1234ab)))

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/provisioned/%s", deploymentID.String()), nil)
	resp := serveRequest(handler, req)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result api.ProvisionedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, []string{"0x00000020", "0x001234ab"}, result.Components)
}

func TestHandleArtifact(t *testing.T) {
	logger, kmsInstance, storageFactory, fileBackend := setupTestEnvironment(t)

	deploymentID := testDeploymentID(t)
	provider := registry.NewMemoryProvider()
	reg := provider.CreateRegistry(deploymentID)

	firmware := []byte("firmware image v2")
	firmwareID, err := fileBackend.Store(context.Background(), firmware, interfaces.FirmwareType)
	require.NoError(t, err)
	require.NoError(t, reg.SetArtifact(interfaces.ArtifactRef{ID: firmwareID, Type: interfaces.FirmwareType}))
	require.NoError(t, reg.AddStorageBackend(fileBackend.LocationURI()))

	handler := NewHandler(kmsInstance, storageFactory, provider, logger)

	t.Run("serves firmware", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/artifact/%s/firmware", deploymentID.String()), nil)
		resp := serveRequest(handler, req)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, firmware, body)
	})

	t.Run("refuses config namespace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/artifact/%s/config", deploymentID.String()), nil)
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("refuses secret namespace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/artifact/%s/secret", deploymentID.String()), nil)
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing artifact", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/artifact/%s/subscription", deploymentID.String()), nil)
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown namespace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/public/artifact/%s/bogus", deploymentID.String()), nil)
		resp := serveRequest(handler, req)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
