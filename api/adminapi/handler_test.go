package adminapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/audit"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/registry"
	"github.com/perimeterlabs/device-provisioning-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupHandler creates a handler backed by an in-memory registry provider
// and a root admin key authorized for every deployment.
func setupHandler(t *testing.T) (*Handler, *registry.MemoryProvider, ed25519.PrivateKey) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	provider := registry.NewMemoryProvider()
	storageFactory := storage.NewStorageBackendFactory(logger)
	handler := NewHandler(provider, storageFactory, []ed25519.PublicKey{rootPub}, logger)
	return handler, provider, rootPriv
}

func testDeploymentID(t *testing.T) interfaces.DeploymentID {
	t.Helper()
	id, err := interfaces.NewDeploymentIDFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	return id
}

// signedRequest builds a request carrying a valid admin signature over
// the path and body.
func signedRequest(t *testing.T, method, url string, body []byte, adminKey ed25519.PrivateKey) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	api.SignAdminRequest(req, adminKey, body)
	return req
}

func serveAdmin(handler *Handler, req *http.Request) *http.Response {
	w := httptest.NewRecorder()
	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)
	mux.ServeHTTP(w, req)
	return w.Result()
}

func decodeProvisioned(t *testing.T, resp *http.Response) api.ProvisionedResponse {
	t.Helper()
	defer resp.Body.Close()
	var result api.ProvisionedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestHandleCreateDeployment(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)

	req := signedRequest(t, http.MethodPost, "/api/admin/deployment/"+deploymentID.String(), nil, rootKey)
	resp := serveAdmin(handler, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, deploymentID.String(), result["deployment_id"])

	_, err := provider.RegistryFor(deploymentID)
	assert.NoError(t, err)
}

func TestHandleCreateDeployment_RequiresRootKey(t *testing.T) {
	handler, _, _ := setupHandler(t)
	deploymentID := testDeploymentID(t)

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	req := signedRequest(t, http.MethodPost, "/api/admin/deployment/"+deploymentID.String(), nil, otherKey)
	resp := serveAdmin(handler, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminRequest_Unsigned(t *testing.T) {
	handler, provider, _ := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/admin/component/%s/0x11111124", deploymentID.String()), nil)
	resp := serveAdmin(handler, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRequest_TamperedBody(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	body, err := json.Marshal(api.StorageBackendRequest{Location: "file:///tmp/a"})
	require.NoError(t, err)

	// Sign one body, send another.
	req := httptest.NewRequest(http.MethodPost, "/api/admin/backend/"+deploymentID.String(), bytes.NewReader(body))
	api.SignAdminRequest(req, rootKey, []byte(`{"location":"file:///tmp/b"}`))

	resp := serveAdmin(handler, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleAllowIdentity_Direct(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	reg := provider.CreateRegistry(deploymentID)

	identityHex := "1122334455667788112233445566778811223344556677881122334455667788"
	body, err := json.Marshal(api.AllowIdentityRequest{Identity: identityHex})
	require.NoError(t, err)

	req := signedRequest(t, http.MethodPost, "/api/admin/identity/"+deploymentID.String(), body, rootKey)
	resp := serveAdmin(handler, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var result api.IdentityResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, identityHex, result.Identity)

	raw, err := hex.DecodeString(identityHex)
	require.NoError(t, err)
	var identity interfaces.DeviceIdentity
	copy(identity[:], raw)
	allowed, err := reg.IdentityAllowed(identity)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHandleAllowIdentity_FromMeasurements(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	reg := provider.CreateRegistry(deploymentID)

	var pad [47]byte
	measurements := map[int]string{
		0: hex.EncodeToString(append(pad[:], 0)),
		1: hex.EncodeToString(append(pad[:], 1)),
	}
	body, err := json.Marshal(api.AllowIdentityRequest{
		AttestationType: cryptoutils.DCAPAttestation.StringID,
		Measurements:    measurements,
	})
	require.NoError(t, err)

	req := signedRequest(t, http.MethodPost, "/api/admin/identity/"+deploymentID.String(), body, rootKey)
	resp := serveAdmin(handler, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The endpoint must derive the same identity registration derives.
	expected, err := interfaces.AttestationToIdentity(cryptoutils.DCAPAttestation, measurements, api.NewDeploymentGovernance(reg))
	require.NoError(t, err)

	defer resp.Body.Close()
	var result api.IdentityResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, expected.String(), result.Identity)

	allowed, err := reg.IdentityAllowed(expected)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHandleAllowIdentity_InvalidIdentity(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	body, err := json.Marshal(api.AllowIdentityRequest{Identity: "not-hex"})
	require.NoError(t, err)

	req := signedRequest(t, http.MethodPost, "/api/admin/identity/"+deploymentID.String(), body, rootKey)
	resp := serveAdmin(handler, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRevokeIdentity(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	reg := provider.CreateRegistry(deploymentID)

	identity := interfaces.DeviceIdentity{1, 2, 3}
	require.NoError(t, reg.AllowIdentity(identity))

	url := fmt.Sprintf("/api/admin/identity/%s/%s", deploymentID.String(), identity.String())
	req := signedRequest(t, http.MethodDelete, url, nil, rootKey)
	resp := serveAdmin(handler, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	allowed, err := reg.IdentityAllowed(identity)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestComponentLifecycle(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	addURL := fmt.Sprintf("/api/admin/component/%s/0x11111124", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, addURL, nil, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"0x11111124"}, decodeProvisioned(t, resp).Components)

	// Provisioning the same component twice is a conflict.
	resp = serveAdmin(handler, signedRequest(t, http.MethodPost, addURL, nil, rootKey))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	replaceURL := fmt.Sprintf("/api/admin/component/%s/0x11111124/replace/0x11111125", deploymentID.String())
	resp = serveAdmin(handler, signedRequest(t, http.MethodPost, replaceURL, nil, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"0x11111125"}, decodeProvisioned(t, resp).Components)

	removeURL := fmt.Sprintf("/api/admin/component/%s/0x11111125", deploymentID.String())
	resp = serveAdmin(handler, signedRequest(t, http.MethodDelete, removeURL, nil, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeProvisioned(t, resp).Components)

	// Removing again is a 404, the component is no longer provisioned.
	resp = serveAdmin(handler, signedRequest(t, http.MethodDelete, removeURL, nil, rootKey))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleUploadArtifact(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deploymentID := testDeploymentID(t)
	reg := provider.CreateRegistry(deploymentID)

	fileBackend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	require.NoError(t, reg.AddStorageBackend(fileBackend.LocationURI()))

	firmware := []byte("firmware image bytes")
	url := fmt.Sprintf("/api/admin/artifact/%s/firmware", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, firmware, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var result api.UploadArtifactResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "firmware", result.Type)

	// The artifact must be fetchable from the backend under the returned ID.
	var contentID interfaces.ContentID
	raw, err := hex.DecodeString(result.ID)
	require.NoError(t, err)
	copy(contentID[:], raw)
	stored, err := fileBackend.Fetch(context.Background(), contentID, interfaces.FirmwareType)
	require.NoError(t, err)
	assert.Equal(t, firmware, stored)

	// And registered as the deployment's current firmware artifact.
	artifacts, err := reg.Artifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, interfaces.FirmwareType, artifacts[0].Type)
	assert.Equal(t, contentID, artifacts[0].ID)
}

func TestHandleUploadArtifact_NoBackends(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	url := fmt.Sprintf("/api/admin/artifact/%s/config", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, []byte("{}"), rootKey))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandleUploadArtifact_EmptyBody(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	url := fmt.Sprintf("/api/admin/artifact/%s/config", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, nil, rootKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStorageBackendEndpoints(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	location := "file:///var/lib/provisioning/artifacts"
	body, err := json.Marshal(api.StorageBackendRequest{Location: location})
	require.NoError(t, err)

	url := "/api/admin/backend/" + deploymentID.String()
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, body, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result api.StorageBackendsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, []string{location}, result.Backends)

	resp = serveAdmin(handler, signedRequest(t, http.MethodDelete, url, body, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Empty(t, result.Backends)
}

func TestHandleSetGate(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	reg := provider.CreateRegistry(deploymentID)

	body, err := json.Marshal(api.SetGateRequest{Secret: "123456"})
	require.NoError(t, err)

	url := fmt.Sprintf("/api/admin/gate/%s/pin", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, body, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The registry stores a salted digest, never the secret itself.
	record, err := reg.Gate(interfaces.GatePIN)
	require.NoError(t, err)
	assert.NotContains(t, string(record.Digest), "123456")
	assert.True(t, cryptoutils.VerifyGateSecret([]byte("123456"), record.Salt, record.Digest))
	assert.False(t, cryptoutils.VerifyGateSecret([]byte("654321"), record.Salt, record.Digest))
}

func TestHandleSetGate_Validation(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	cases := []struct {
		name   string
		gate   string
		secret string
		status int
	}{
		{"pin too short", "pin", "12345", http.StatusBadRequest},
		{"pin with letters", "pin", "12345a", http.StatusBadRequest},
		{"empty token", "token", "", http.StatusBadRequest},
		{"unknown gate", "fingerprint", "whatever", http.StatusBadRequest},
		{"valid token", "token", "0123456789abcdef", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(api.SetGateRequest{Secret: tc.secret})
			require.NoError(t, err)
			url := fmt.Sprintf("/api/admin/gate/%s/%s", deploymentID.String(), tc.gate)
			resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, body, rootKey))
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestHandleAddAdminKey(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	deploymentPub, deploymentPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body, err := json.Marshal(api.AddAdminKeyRequest{Pubkey: hex.EncodeToString(deploymentPub)})
	require.NoError(t, err)
	url := "/api/admin/adminkey/" + deploymentID.String()
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, body, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The registered key may now sign deployment mutations.
	addURL := fmt.Sprintf("/api/admin/component/%s/0x11111124", deploymentID.String())
	resp = serveAdmin(handler, signedRequest(t, http.MethodPost, addURL, nil, deploymentPriv))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// But not mutations for other deployments.
	otherID, err := interfaces.NewDeploymentIDFromHex("ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	provider.CreateRegistry(otherID)
	otherURL := fmt.Sprintf("/api/admin/component/%s/0x11111124", otherID.String())
	resp = serveAdmin(handler, signedRequest(t, http.MethodPost, otherURL, nil, deploymentPriv))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownDeployment(t *testing.T) {
	handler, _, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)

	url := fmt.Sprintf("/api/admin/component/%s/0x11111124", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, nil, rootKey))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditTrail(t *testing.T) {
	handler, provider, rootKey := setupHandler(t)
	deploymentID := testDeploymentID(t)
	provider.CreateRegistry(deploymentID)

	trail, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer trail.Close()
	handler.WithAudit(trail)

	url := fmt.Sprintf("/api/admin/component/%s/0x11111124", deploymentID.String())
	resp := serveAdmin(handler, signedRequest(t, http.MethodPost, url, nil, rootKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events, err := trail.Recent(context.Background(), deploymentID.String(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionComponentAdd, events[0].Action)
	assert.Equal(t, "0x11111124", events[0].Subject)
	assert.Equal(t, hex.EncodeToString(rootKey.Public().(ed25519.PublicKey)), events[0].Actor)
}
