package shamirkms

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAdmin struct {
	id      string
	key     *ecdsa.PrivateKey
	pubPEM  []byte
	privPEM []byte
}

func generateAdmins(t *testing.T, n int) ([]testAdmin, map[string][]byte) {
	t.Helper()

	admins := make([]testAdmin, n)
	pubkeys := make(map[string][]byte, n)
	for i := range admins {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err, "Failed to generate admin key")

		pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

		privBytes, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

		admins[i] = testAdmin{
			id:      fmt.Sprintf("admin-%d", i+1),
			key:     key,
			pubPEM:  pubPEM,
			privPEM: privPEM,
		}
		pubkeys[admins[i].id] = pubPEM
	}
	return admins, pubkeys
}

// signedRequest builds a request authenticated the way verifyAdmin
// expects: an ECDSA signature over path+body in the admin headers.
func signedRequest(t *testing.T, method, path string, body []byte, admin testAdmin) *http.Request {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)

	message := path
	if len(body) > 0 {
		message += string(body)
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := ecdsa.SignASN1(rand.Reader, admin.key, digest[:])
	require.NoError(t, err)

	req.Header.Set("X-Admin-ID", admin.id)
	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(sig))
	return req
}

func bootstrapRouter(t *testing.T, threshold int, pubkeys map[string][]byte) (*AdminHandler, chi.Router) {
	t.Helper()

	handler, err := NewAdminHandler(testLogger(), threshold, pubkeys)
	require.NoError(t, err)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return handler, router
}

func statusOf(t *testing.T, router chi.Router) map[string]interface{} {
	t.Helper()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	return status
}

func TestNewAdminHandlerValidation(t *testing.T) {
	_, pubkeys := generateAdmins(t, 3)

	_, err := NewAdminHandler(testLogger(), 4, pubkeys)
	assert.Error(t, err, "Should reject threshold above admin count")

	_, err = NewAdminHandler(testLogger(), 1, pubkeys)
	assert.Error(t, err, "Should reject threshold below 2")
}

func TestGenerateAndDistributeShares(t *testing.T) {
	admins, pubkeys := generateAdmins(t, 3)
	handler, router := bootstrapRouter(t, 2, pubkeys)

	assert.Equal(t, "initial", statusOf(t, router)["state"])
	assert.Nil(t, handler.GetKMS(), "KMS should not be available before bootstrap")

	// Unsigned requests never reach the state machine.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/init/generate", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/init/generate", nil, admins[0]))
	require.Equal(t, http.StatusOK, rec.Code, "generate failed: %s", rec.Body.String())

	var generated struct {
		Threshold        int `json:"threshold"`
		TotalShares      int `json:"total_shares"`
		ShareAssignments []struct {
			AdminID    string `json:"admin_id"`
			ShareIndex int    `json:"share_index"`
		} `json:"share_assignments"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&generated))
	assert.Equal(t, 2, generated.Threshold)
	assert.Equal(t, 3, generated.TotalShares)
	assert.Len(t, generated.ShareAssignments, 3)

	assert.Equal(t, "generating_shares", statusOf(t, router)["state"])

	// A second generate attempt is rejected.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/init/generate", nil, admins[1]))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Every admin fetches and decrypts their share.
	type retrieved struct {
		admin testAdmin
		index int
		share []byte
	}
	var shares []retrieved
	for _, admin := range admins {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, signedRequest(t, http.MethodGet, "/admin/share", nil, admin))
		require.Equal(t, http.StatusOK, rec.Code, "share retrieval failed: %s", rec.Body.String())

		var resp AdminGetShareResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

		encrypted, err := base64.StdEncoding.DecodeString(resp.EncryptedShare)
		require.NoError(t, err)

		share, err := cryptoutils.DecryptWithPrivateKey(admin.privPEM, encrypted)
		require.NoError(t, err, "Admin should decrypt their own share")
		require.NotEmpty(t, share)

		shares = append(shares, retrieved{admin: admin, index: resp.ShareIndex, share: share})
	}

	assert.Equal(t, "complete", statusOf(t, router)["state"])

	bootstrapped, err := handler.WaitForBootstrap(context.Background())
	require.NoError(t, err)
	require.NotNil(t, bootstrapped)
	assert.True(t, bootstrapped.IsUnlocked())

	// Threshold decrypted shares must reconstruct the same master key.
	recoveryKms, err := kms.NewShamirKMSRecovery(kms.ShamirConfig{
		Threshold:    2,
		AdminPubKeys: [][]byte{admins[0].pubPEM, admins[1].pubPEM},
	})
	require.NoError(t, err)

	for _, r := range shares[:2] {
		sig, err := kms.SignShare(r.share, r.admin.key)
		require.NoError(t, err)
		require.NoError(t, recoveryKms.SubmitShare(r.index, r.share, sig, r.admin.pubPEM))
	}
	require.True(t, recoveryKms.IsUnlocked())

	deploymentID := interfaces.DeploymentID{}
	_, err = rand.Read(deploymentID[:])
	require.NoError(t, err)

	original, err := bootstrapped.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	reconstructed, err := recoveryKms.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, original, reconstructed, "Reconstructed KMS should derive identical keys")
}

func TestRecoveryFlow(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	admins, pubkeys := generateAdmins(t, 3)

	config := kms.ShamirConfig{Threshold: 2}
	for _, admin := range admins {
		config.AdminPubKeys = append(config.AdminPubKeys, admin.pubPEM)
	}
	_, shares, err := kms.NewShamirKMS(masterKey, config)
	require.NoError(t, err)

	handler, router := bootstrapRouter(t, 2, pubkeys)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/init/recover", nil, admins[0]))
	require.Equal(t, http.StatusOK, rec.Code, "recover init failed: %s", rec.Body.String())
	assert.Equal(t, "recovering", statusOf(t, router)["state"])

	submit := func(admin testAdmin, index int, share []byte) *httptest.ResponseRecorder {
		sig, err := kms.SignShare(share, admin.key)
		require.NoError(t, err)

		body, err := json.Marshal(map[string]interface{}{
			"share_index": index,
			"share":       base64.StdEncoding.EncodeToString(share),
			"signature":   base64.StdEncoding.EncodeToString(sig),
		})
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/share", body, admin))
		return rec
	}

	rec = submit(admins[0], 0, shares[0])
	require.Equal(t, http.StatusOK, rec.Code, "share submission failed: %s", rec.Body.String())
	assert.Contains(t, rec.Body.String(), "waiting for more shares")
	assert.Nil(t, handler.GetKMS(), "KMS should stay locked below threshold")

	// A share signed with the wrong key is rejected.
	badSig, err := kms.SignShare(shares[1], admins[0].key)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"share_index": 1,
		"share":       base64.StdEncoding.EncodeToString(shares[1]),
		"signature":   base64.StdEncoding.EncodeToString(badSig),
	})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/share", body, admins[1]))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = submit(admins[1], 1, shares[1])
	require.Equal(t, http.StatusOK, rec.Code, "share submission failed: %s", rec.Body.String())
	assert.Contains(t, rec.Body.String(), "recovery complete")

	assert.Equal(t, "complete", statusOf(t, router)["state"])

	recovered := handler.GetKMS()
	require.NotNil(t, recovered)
	require.True(t, recovered.IsUnlocked())

	// Recovery must restore the original deployment key material.
	deploymentID := interfaces.DeploymentID{}
	_, err = rand.Read(deploymentID[:])
	require.NoError(t, err)

	directKms, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)
	directPrivkey, err := directKms.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)

	recoveredPrivkey, err := recovered.GetDevicePrivkey(deploymentID)
	require.NoError(t, err)
	assert.Equal(t, directPrivkey, recoveredPrivkey)
}

func TestVerifyAdminRejectsForgedRequests(t *testing.T) {
	admins, pubkeys := generateAdmins(t, 3)
	_, router := bootstrapRouter(t, 2, pubkeys)

	// Signature from a key that does not match the claimed admin ID.
	req := signedRequest(t, http.MethodPost, "/admin/init/generate", nil, admins[0])
	req.Header.Set("X-Admin-ID", admins[1].id)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown admin ID.
	req = signedRequest(t, http.MethodPost, "/admin/init/generate", nil, admins[0])
	req.Header.Set("X-Admin-ID", "admin-99")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Equal(t, "initial", statusOf(t, router)["state"], "Forged requests must not advance the state machine")
}

func TestLoadAdminKeys(t *testing.T) {
	admins, _ := generateAdmins(t, 2)

	doc, err := json.Marshal(ShamirAdminsConfig{Admins: []ShamirAdminMetadata{
		{ID: admins[0].id, PubKey: string(admins[0].pubPEM)},
		{ID: admins[1].id, PubKey: string(admins[1].pubPEM)},
	}})
	require.NoError(t, err)

	keys, err := LoadAdminKeys(bytes.NewReader(doc))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Equal(t, admins[0].pubPEM, keys[admins[0].id])

	_, err = LoadAdminKeys(bytes.NewReader([]byte(`{"admins":[{"id":"x","pubkey":"garbage"}]}`)))
	assert.Error(t, err, "Should reject invalid PEM")
}

func TestGenerateAdminKeyPairRoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	key, err := ParsePrivateKey([]byte(privPEM))
	require.NoError(t, err)

	fingerprint, err := ComputeFingerprint([]byte(pubPEM))
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)

	// The parsed private key must match the published public key.
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	expected := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	assert.Equal(t, string(expected), pubPEM)
}
