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
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/perimeterlabs/device-provisioning-backend/metrics"
)

// BootstrapState represents the current state of the KMS bootstrap process.
type BootstrapState int

const (
	// StateInitial is the initial state before any bootstrap action is taken.
	StateInitial BootstrapState = iota

	// StateGeneratingShares indicates the master key has been generated and shares are being distributed.
	StateGeneratingShares

	// StateRecovering indicates the recovery process is underway collecting shares.
	StateRecovering

	// StateComplete indicates the KMS is fully operational.
	StateComplete
)

func stateToString(state BootstrapState) string {
	switch state {
	case StateInitial:
		return "initial"
	case StateGeneratingShares:
		return "generating_shares"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// SecureShare is a master key share encrypted for a specific admin. Only
// the assigned admin can retrieve it, and only they can decrypt it.
type SecureShare struct {
	// AdminID is the identifier of the admin for whom this share is intended.
	AdminID string

	// ShareIndex is the index of the share in the Shamir Secret Sharing scheme.
	ShareIndex int

	// EncryptedShare is the share encrypted with the admin's public key.
	EncryptedShare []byte

	// Retrieved indicates whether the admin has already retrieved this share.
	Retrieved bool
}

// AdminHandler processes HTTP requests for bootstrapping the deployment
// KMS. Every request must carry a valid admin signature; shares are
// encrypted per admin so neither the server nor another admin ever sees
// a share in the clear.
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	state        BootstrapState
	adminPubKeys map[string][]byte       // Map of admin ID to public key PEM
	adminShares  map[string]*SecureShare // Map of admin ID to their encrypted share
	shamirKMS    *kms.ShamirKMS          // Will be nil until bootstrapped
	completeChan chan struct{}           // Signals when bootstrap is complete

	shamirConfig kms.ShamirConfig
}

// NewAdminHandler creates an admin handler for KMS bootstrap operations.
// adminPubKeys maps admin IDs to their public keys in PEM format; every
// admin receives one share, threshold of them unlock the KMS.
func NewAdminHandler(log *slog.Logger, threshold int, adminPubKeys map[string][]byte) (*AdminHandler, error) {
	if len(adminPubKeys) < threshold {
		return nil, errors.New("threshold larger than total shares")
	}

	if threshold < 2 {
		return nil, errors.New("threshold smaller than 2")
	}

	shamirConfig := kms.ShamirConfig{
		Threshold: threshold,
	}
	for _, pubkey := range adminPubKeys {
		shamirConfig.AdminPubKeys = append(shamirConfig.AdminPubKeys, pubkey)
	}

	return &AdminHandler{
		log:          log,
		state:        StateInitial,
		adminPubKeys: adminPubKeys,
		adminShares:  make(map[string]*SecureShare),
		completeChan: make(chan struct{}),
		shamirConfig: shamirConfig,
	}, nil
}

// WaitForBootstrap blocks until the bootstrap process is complete or the
// context is cancelled. The provisioning server calls this before it
// starts serving registration requests.
func (h *AdminHandler) WaitForBootstrap(ctx context.Context) (*kms.ShamirKMS, error) {
	select {
	case <-h.completeChan:
		return h.GetKMS(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetKMS returns the bootstrapped ShamirKMS, or nil while bootstrap is
// still in progress.
func (h *AdminHandler) GetKMS() *kms.ShamirKMS {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateComplete {
		return nil
	}
	return h.shamirKMS
}

// RegisterRoutes configures the HTTP router for the bootstrap API.
//
// The router provides endpoints:
//   - /admin/status: check bootstrap status
//   - /admin/init/generate: generate master key and prepare shares
//   - /admin/init/recover: initiate recovery
//   - /admin/share: fetch share during generation, or submit share during recovery
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/status", h.handleStatus)
	r.Post("/admin/init/generate", h.handleInitGenerate)
	r.Post("/admin/init/recover", h.handleInitRecover)
	r.Post("/admin/share", h.handleSubmitShare)
	r.Get("/admin/share", h.handleGetShare)
}

// handleStatus returns the current bootstrap state, with the share
// parameters once generation or recovery has begun.
//
// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	state := h.state
	threshold := h.shamirConfig.Threshold
	totalShares := len(h.shamirConfig.AdminPubKeys)
	h.mu.RUnlock()

	resp := map[string]interface{}{
		"state": stateToString(state),
	}

	if state == StateGeneratingShares || state == StateRecovering {
		resp["threshold"] = threshold
		resp["total_shares"] = totalShares
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleInitGenerate generates a fresh master key, splits it into shares
// and encrypts each share for its assigned admin. The response carries
// only the share assignments; each admin retrieves their own share with
// GET /admin/share.
//
// Endpoint: POST /admin/init/generate
func (h *AdminHandler) handleInitGenerate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.state != StateInitial {
		h.mu.Unlock()
		http.Error(w, "Bootstrap already in progress or complete", http.StatusBadRequest)
		return
	}
	defer h.mu.Unlock()

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		h.log.Error("Failed to generate master key", "err", err, "adminID", adminID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	shamirKMS, shares, err := kms.NewShamirKMS(masterKey, h.shamirConfig)
	if err != nil {
		h.log.Error("Failed to create ShamirKMS", "err", err, "adminID", adminID)
		http.Error(w, "Failed to create KMS: "+err.Error(), http.StatusInternalServerError)
		return
	}

	adminIDs := make([]string, 0, len(h.adminPubKeys))
	for id := range h.adminPubKeys {
		adminIDs = append(adminIDs, id)
	}

	adminShares := make(map[string]*SecureShare)
	for i, share := range shares {
		if i >= len(adminIDs) {
			break
		}

		targetAdminID := adminIDs[i]
		pubKeyPEM := h.adminPubKeys[targetAdminID]

		encryptedShare, err := cryptoutils.EncryptWithPublicKey(pubKeyPEM, share)
		if err != nil {
			h.log.Error("Failed to encrypt share", "err", err, "adminID", targetAdminID)
			http.Error(w, "Failed to encrypt shares", http.StatusInternalServerError)
			return
		}

		adminShares[targetAdminID] = &SecureShare{
			AdminID:        targetAdminID,
			ShareIndex:     i,
			EncryptedShare: encryptedShare,
			Retrieved:      false,
		}
	}

	h.state = StateGeneratingShares
	h.shamirKMS = shamirKMS
	h.adminShares = adminShares

	shareAssignments := make([]map[string]interface{}, 0, len(h.adminShares))
	for adminID, secureShare := range h.adminShares {
		shareAssignments = append(shareAssignments, map[string]interface{}{
			"admin_id":    adminID,
			"share_index": secureShare.ShareIndex,
		})
	}

	resp := map[string]interface{}{
		"message":           "KMS initialized and shares generated successfully",
		"share_assignments": shareAssignments,
		"threshold":         h.shamirConfig.Threshold,
		"total_shares":      len(h.shamirConfig.AdminPubKeys),
		"instructions":      "Each admin must retrieve their share using GET /admin/share",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	h.log.Info("Master key generated and shares prepared for distribution", "adminID", adminID,
		"threshold", h.shamirConfig.Threshold, "totalShares", len(h.shamirConfig.AdminPubKeys))
}

type AdminGetShareResponse struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare string `json:"encrypted_share"` // base64 encoded
}

// handleGetShare returns the requesting admin's encrypted share. Each
// admin can only retrieve their own share; once every share has been
// picked up the bootstrap completes.
//
// Endpoint: GET /admin/share
func (h *AdminHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateGeneratingShares {
		http.Error(w, "No shares available for retrieval", http.StatusBadRequest)
		return
	}

	secureShare, exists := h.adminShares[adminID]
	if !exists {
		http.Error(w, "No share assigned to this admin", http.StatusNotFound)
		return
	}

	secureShare.Retrieved = true

	allRetrieved := true
	for _, share := range h.adminShares {
		if !share.Retrieved {
			allRetrieved = false
			break
		}
	}

	if allRetrieved {
		h.state = StateComplete
		close(h.completeChan)
		h.log.Info("All shares have been retrieved, KMS bootstrap complete")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AdminGetShareResponse{
		ShareIndex:     secureShare.ShareIndex,
		EncryptedShare: base64.StdEncoding.EncodeToString(secureShare.EncryptedShare),
	})

	h.log.Info("Admin retrieved their share", "adminID", adminID, "shareIndex", secureShare.ShareIndex)
}

// handleInitRecover switches the handler into recovery mode: a locked
// ShamirKMS is created and admins submit shares until the threshold is
// reached.
//
// Endpoint: POST /admin/init/recover
func (h *AdminHandler) handleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.state != StateInitial {
		h.mu.Unlock()
		http.Error(w, "Bootstrap already in progress or complete", http.StatusBadRequest)
		return
	}
	defer h.mu.Unlock()

	shamirKMS, err := kms.NewShamirKMSRecovery(h.shamirConfig)
	if err != nil {
		http.Error(w, fmt.Errorf("could not initialize kms: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.shamirKMS = shamirKMS
	h.state = StateRecovering

	resp := map[string]interface{}{
		"message":      "Recovery mode initiated",
		"threshold":    h.shamirConfig.Threshold,
		"instructions": "Admins must submit their shares using POST /admin/share",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	h.log.Info("KMS recovery process initiated", "adminID", adminID, "threshold", h.shamirConfig.Threshold)
}

// handleSubmitShare accepts one share during recovery. The share carries
// its own signature which the KMS verifies against the admin's registered
// key; when the threshold share arrives the master key is reconstructed
// and the bootstrap completes.
//
// Endpoint: POST /admin/share
// Body: {"share_index": <int>, "share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "KMS not in recovery mode", http.StatusBadRequest)
		return
	}

	var submission struct {
		ShareIndex int    `json:"share_index"`
		Share      string `json:"share"`     // base64 encoded
		Signature  string `json:"signature"` // base64 encoded
	}

	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}

	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	adminPubKeyPEM := h.adminPubKeys[adminID]

	err = h.shamirKMS.SubmitShare(submission.ShareIndex, share, signature, adminPubKeyPEM)
	if err != nil {
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	metrics.IncKMSShareSubmission()

	if h.shamirKMS.IsUnlocked() {
		h.state = StateComplete
		close(h.completeChan)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "KMS unlocked successfully - recovery complete",
		})

		h.log.Info("KMS successfully unlocked - recovery complete", "adminID", adminID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Share accepted, waiting for more shares",
	})

	h.log.Info("Share accepted", "adminID", adminID, "shareIndex", submission.ShareIndex)
}

// verifyAdmin authenticates the request against the admin whitelist. The
// X-Admin-Signature header must carry an ECDSA signature over the request
// path concatenated with the body, made with the key registered for
// X-Admin-ID. The body is restored for the handler.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get("X-Admin-ID")
	adminSignatureStr := r.Header.Get("X-Admin-Signature")

	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()

	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		h.log.Error("Failed to decode admin public key PEM", "adminID", adminID)
		return adminID, false
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		h.log.Error("Failed to parse admin public key", "adminID", adminID, "err", err)
		return adminID, false
	}

	ecdsaPubKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		h.log.Error("Admin public key is not an ECDSA key", "adminID", adminID)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}

		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	message := r.URL.Path
	if len(bodyBytes) > 0 {
		message += string(bodyBytes)
	}

	hash := sha256.Sum256([]byte(message))

	if !ecdsa.VerifyASN1(ecdsaPubKey, hash[:], adminSignature) {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

type ShamirAdminsConfig struct {
	Admins []ShamirAdminMetadata `json:"admins"`
}

type ShamirAdminMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// LoadAdminKeys loads admin public keys from a JSON document with an
// "admins" array of {"id", "pubkey"} entries, the pubkey in PEM format.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data ShamirAdminsConfig

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte)
	for _, admin := range data.Admins {
		block, _ := pem.Decode([]byte(admin.PubKey))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM data for admin %s", admin.ID)
		}

		_, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}

		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// GenerateAdminKeyPair generates a fresh ECDSA keypair for a bootstrap
// admin, both halves PEM encoded. The private key is handed to the admin,
// the public key is registered with the AdminHandler.
func GenerateAdminKeyPair() (string, string, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return string(privateKeyPEM), string(publicKeyPEM), nil
}

// ParsePrivateKey parses a PEM-encoded ECDSA private key for signing
// bootstrap requests.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}

	return privateKey, nil
}

// ComputeFingerprint returns the hex-encoded SHA-256 fingerprint of a
// PEM-encoded public key.
func ComputeFingerprint(publicKeyPEM []byte) (string, error) {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:]), nil
}
