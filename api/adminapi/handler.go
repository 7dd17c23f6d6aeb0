package adminapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/audit"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/metrics"
)

const (
	// maxBodySize limits admin request bodies (1MB).
	maxBodySize = 1024 * 1024

	// maxArtifactSize limits artifact uploads (32MB). Firmware images are
	// the largest artifacts the system handles.
	maxArtifactSize = 32 * 1024 * 1024

	// gateSaltSize is the salt length for gate secret digests.
	gateSaltSize = 16
)

// Handler processes deployment administration requests: creating
// deployments, managing the identity allowlist, the provisioned component
// set, artifacts, storage backends, operator gates, and admin keys.
//
// Every mutating endpoint requires an Ed25519 signature over the request
// path and body. Root keys configured at startup may manage any
// deployment; keys registered in a deployment registry may manage that
// deployment only.
type Handler struct {
	provider       interfaces.RegistryAdminProvider
	storageFactory interfaces.StorageBackendFactory
	rootKeys       []ed25519.PublicKey
	trail          *audit.Log
	log            *slog.Logger
}

// NewHandler creates an admin API handler. Root keys may be empty, in
// which case only per-deployment admin keys are accepted and deployments
// cannot be created over the API.
func NewHandler(provider interfaces.RegistryAdminProvider, storageFactory interfaces.StorageBackendFactory, rootKeys []ed25519.PublicKey, log *slog.Logger) *Handler {
	return &Handler{
		provider:       provider,
		storageFactory: storageFactory,
		rootKeys:       rootKeys,
		log:            log,
	}
}

// WithAudit records every successful mutation to the trail. Returns the
// handler for chaining.
func (h *Handler) WithAudit(trail *audit.Log) *Handler {
	h.trail = trail
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/admin/deployment/{deployment_id}", h.HandleCreateDeployment)
	r.Post("/api/admin/identity/{deployment_id}", h.HandleAllowIdentity)
	r.Delete("/api/admin/identity/{deployment_id}/{identity}", h.HandleRevokeIdentity)
	r.Post("/api/admin/component/{deployment_id}/{component_id}", h.HandleAddComponent)
	r.Delete("/api/admin/component/{deployment_id}/{component_id}", h.HandleRemoveComponent)
	r.Post("/api/admin/component/{deployment_id}/{old_id}/replace/{new_id}", h.HandleReplaceComponent)
	r.Post("/api/admin/artifact/{deployment_id}/{content_type}", h.HandleUploadArtifact)
	r.Post("/api/admin/backend/{deployment_id}", h.HandleAddStorageBackend)
	r.Delete("/api/admin/backend/{deployment_id}", h.HandleRemoveStorageBackend)
	r.Post("/api/admin/gate/{deployment_id}/{gate}", h.HandleSetGate)
	r.Post("/api/admin/adminkey/{deployment_id}", h.HandleAddAdminKey)
}

// authorize reads the request body and verifies the admin signature over
// path and body. The signing key must be a root key or, when reg is
// non-nil, one of the deployment's registered admin keys. The signing key
// is returned for audit attribution.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, reg interfaces.DeploymentRegistry, limit int64) ([]byte, ed25519.PublicKey, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, nil, false
	}

	adminKey, err := api.VerifyAdminRequest(r, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, nil, false
	}

	if keyRegistered(h.rootKeys, adminKey) {
		return body, adminKey, true
	}
	if reg != nil {
		deploymentKeys, err := reg.AdminKeys()
		if err == nil && keyRegistered(deploymentKeys, adminKey) {
			return body, adminKey, true
		}
	}

	h.log.Warn("Admin request with unauthorized key", "key", hex.EncodeToString(adminKey), "path", r.URL.Path)
	http.Error(w, "admin key not authorized", http.StatusForbidden)
	return nil, nil, false
}

// recordAudit counts a mutation and appends it to the audit trail, if one
// is wired. The mutation already happened; a trail failure is logged, not
// returned.
func (h *Handler) recordAudit(ctx context.Context, deploymentID interfaces.DeploymentID, actor ed25519.PublicKey, action, subject, detail string) {
	metrics.IncAdminMutation()
	if h.trail == nil {
		return
	}
	err := h.trail.Record(ctx, audit.Event{
		Deployment: deploymentID.String(),
		Actor:      hex.EncodeToString(actor),
		Action:     action,
		Subject:    subject,
		Detail:     detail,
	})
	if err != nil {
		h.log.Warn("Audit record failed", "err", err, "action", action)
	}
}

func keyRegistered(keys []ed25519.PublicKey, key ed25519.PublicKey) bool {
	for _, k := range keys {
		if k.Equal(key) {
			return true
		}
	}
	return false
}

// registryFor resolves the deployment registry for a request, writing the
// HTTP error itself on failure.
func (h *Handler) registryFor(w http.ResponseWriter, r *http.Request) (interfaces.DeploymentID, interfaces.DeploymentRegistry, bool) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return interfaces.DeploymentID{}, nil, false
	}

	reg, err := h.provider.RegistryFor(deploymentID)
	if err != nil {
		if errors.Is(err, interfaces.ErrDeploymentNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, fmt.Errorf("failed to get registry: %w", err).Error(), http.StatusInternalServerError)
		}
		return interfaces.DeploymentID{}, nil, false
	}

	return deploymentID, reg, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// HandleCreateDeployment creates the registry for a new deployment.
// Only root admin keys may create deployments.
//
// URL format: POST /api/admin/deployment/{deployment_id}
func (h *Handler) HandleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	_, adminKey, ok := h.authorize(w, r, nil, maxBodySize)
	if !ok {
		return
	}

	if _, err := h.provider.CreateDeployment(deploymentID); err != nil {
		h.log.Error("Failed to create deployment", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("failed to create deployment: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Deployment created", "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionDeploymentCreate, deploymentID.String(), "")
	writeJSON(w, map[string]string{"deployment_id": deploymentID.String()})
}

// HandleAllowIdentity adds a device identity to the deployment allowlist.
// The identity is either given directly or computed from attestation
// measurements, exactly as registration computes it.
//
// URL format: POST /api/admin/identity/{deployment_id}
//
// Request body: JSON, see api.AllowIdentityRequest
func (h *Handler) HandleAllowIdentity(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	body, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	var req api.AllowIdentityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	identity, err := resolveIdentity(req, reg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := reg.AllowIdentity(identity); err != nil {
		h.log.Error("Failed to allow identity", "err", err, "identity", identity.String())
		http.Error(w, fmt.Errorf("failed to allow identity: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Identity allowed", "identity", identity.String(), "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionIdentityAllow, identity.String(), "")
	writeJSON(w, api.IdentityResponse{Identity: identity.String()})
}

// resolveIdentity extracts the identity from an allowlist request, either
// verbatim or derived from measurements through the deployment governance.
func resolveIdentity(req api.AllowIdentityRequest, reg interfaces.DeploymentRegistry) (interfaces.DeviceIdentity, error) {
	if req.Identity != "" {
		return parseIdentity(req.Identity)
	}

	attestationType, err := cryptoutils.AttestationTypeFromString(req.AttestationType)
	if err != nil {
		return interfaces.DeviceIdentity{}, fmt.Errorf("invalid attestation type: %w", err)
	}
	identity, err := interfaces.AttestationToIdentity(attestationType, req.Measurements, api.NewDeploymentGovernance(reg))
	if err != nil {
		return interfaces.DeviceIdentity{}, fmt.Errorf("identity computation error: %w", err)
	}
	return identity, nil
}

func parseIdentity(s string) (interfaces.DeviceIdentity, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return interfaces.DeviceIdentity{}, fmt.Errorf("invalid identity %q", s)
	}
	var identity interfaces.DeviceIdentity
	copy(identity[:], raw)
	return identity, nil
}

// HandleRevokeIdentity removes a device identity from the allowlist.
//
// URL format: DELETE /api/admin/identity/{deployment_id}/{identity}
func (h *Handler) HandleRevokeIdentity(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	_, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	identity, err := parseIdentity(r.PathValue("identity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := reg.RevokeIdentity(identity); err != nil {
		h.log.Error("Failed to revoke identity", "err", err, "identity", identity.String())
		http.Error(w, fmt.Errorf("failed to revoke identity: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Identity revoked", "identity", identity.String(), "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionIdentityRevoke, identity.String(), "")
	writeJSON(w, api.IdentityResponse{Identity: identity.String()})
}

// HandleAddComponent provisions a component ID for the deployment.
//
// URL format: POST /api/admin/component/{deployment_id}/{component_id}
//
// Response: the updated provisioned component list.
func (h *Handler) HandleAddComponent(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	_, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	componentID, err := interfaces.NewComponentIDFromHex(r.PathValue("component_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := reg.AddComponent(componentID); err != nil {
		writeComponentError(w, err)
		return
	}

	h.log.Info("Component provisioned", "component", componentID.String(), "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionComponentAdd, componentID.String(), "")
	h.writeProvisioned(w, reg)
}

// HandleRemoveComponent removes a provisioned component ID.
//
// URL format: DELETE /api/admin/component/{deployment_id}/{component_id}
//
// Response: the updated provisioned component list.
func (h *Handler) HandleRemoveComponent(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	_, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	componentID, err := interfaces.NewComponentIDFromHex(r.PathValue("component_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := reg.RemoveComponent(componentID); err != nil {
		writeComponentError(w, err)
		return
	}

	h.log.Info("Component removed", "component", componentID.String(), "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionComponentRemove, componentID.String(), "")
	h.writeProvisioned(w, reg)
}

// HandleReplaceComponent atomically swaps one provisioned component ID for
// another, preserving its position in the provisioned set.
//
// URL format: POST /api/admin/component/{deployment_id}/{old_id}/replace/{new_id}
//
// Response: the updated provisioned component list.
func (h *Handler) HandleReplaceComponent(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	_, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	oldID, err := interfaces.NewComponentIDFromHex(r.PathValue("old_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	newID, err := interfaces.NewComponentIDFromHex(r.PathValue("new_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := reg.ReplaceComponent(oldID, newID); err != nil {
		writeComponentError(w, err)
		return
	}

	h.log.Info("Component replaced", "old", oldID.String(), "new", newID.String(), "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionComponentReplace, newID.String(), fmt.Sprintf("replaces %s", oldID))
	h.writeProvisioned(w, reg)
}

func writeComponentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrComponentAlreadyProvisioned):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, interfaces.ErrComponentNotProvisioned):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeProvisioned(w http.ResponseWriter, reg interfaces.DeploymentRegistry) {
	components, err := reg.ProvisionedComponents()
	if err != nil {
		http.Error(w, fmt.Errorf("failed to get provisioned components: %w", err).Error(), http.StatusInternalServerError)
		return
	}
	response := api.ProvisionedResponse{Components: make([]string, 0, len(components))}
	for _, id := range components {
		response.Components = append(response.Components, id.String())
	}
	writeJSON(w, response)
}

// HandleUploadArtifact stores an artifact in the deployment's storage
// backends and registers it as the current artifact for its namespace.
//
// URL format: POST /api/admin/artifact/{deployment_id}/{content_type}
//
// Request body: raw artifact bytes
//
// Response: JSON, see api.UploadArtifactResponse
func (h *Handler) HandleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}

	contentType, err := interfaces.ContentTypeFromString(r.PathValue("content_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, adminKey, ok := h.authorize(w, r, reg, maxArtifactSize)
	if !ok {
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty artifact body", http.StatusBadRequest)
		return
	}

	multiStorage, err := h.deploymentStorage(reg)
	if err != nil {
		h.log.Error("Failed to create multi-storage backend", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("storage access error: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	id, err := multiStorage.Store(r.Context(), body, contentType)
	if err != nil {
		h.log.Error("Failed to store artifact", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("failed to store artifact: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	if err := reg.SetArtifact(interfaces.ArtifactRef{ID: id, Type: contentType}); err != nil {
		h.log.Error("Failed to register artifact", "err", err, "contentID", id.String())
		http.Error(w, fmt.Errorf("failed to register artifact: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Artifact uploaded",
		"contentID", id.String(),
		"contentType", contentType.String(),
		"size", len(body),
		"deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionArtifactUpload, id.String(), contentType.String())
	writeJSON(w, api.UploadArtifactResponse{ID: id.String(), Type: contentType.String()})
}

func (h *Handler) deploymentStorage(reg interfaces.DeploymentRegistry) (interfaces.StorageBackend, error) {
	backendLocations, err := reg.StorageBackends()
	if err != nil {
		return nil, fmt.Errorf("storage backend retrieval error: %w", err)
	}
	if len(backendLocations) == 0 {
		return nil, errors.New("no storage backends registered for deployment")
	}

	locationURIs := make([]interfaces.StorageBackendLocation, 0, len(backendLocations))
	for _, loc := range backendLocations {
		locationURI, err := interfaces.NewStorageBackendLocation(loc)
		if err != nil {
			h.log.Debug("invalid location uri, ignoring", "err", err, "uri", loc)
			continue
		}
		locationURIs = append(locationURIs, locationURI)
	}

	return h.storageFactory.CreateMultiBackend(locationURIs)
}

// HandleAddStorageBackend registers a storage backend location for the
// deployment.
//
// URL format: POST /api/admin/backend/{deployment_id}
//
// Request body: JSON, see api.StorageBackendRequest
func (h *Handler) HandleAddStorageBackend(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	body, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	var req api.StorageBackendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	if err := reg.AddStorageBackend(req.Location); err != nil {
		http.Error(w, fmt.Errorf("failed to add storage backend: %w", err).Error(), http.StatusBadRequest)
		return
	}

	h.log.Info("Storage backend added", "location", req.Location, "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionBackendAdd, req.Location, "")
	h.writeBackends(w, reg)
}

// HandleRemoveStorageBackend unregisters a storage backend location.
//
// URL format: DELETE /api/admin/backend/{deployment_id}
//
// Request body: JSON, see api.StorageBackendRequest
func (h *Handler) HandleRemoveStorageBackend(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	body, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	var req api.StorageBackendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	if err := reg.RemoveStorageBackend(req.Location); err != nil {
		http.Error(w, fmt.Errorf("failed to remove storage backend: %w", err).Error(), http.StatusBadRequest)
		return
	}

	h.log.Info("Storage backend removed", "location", req.Location, "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionBackendRemove, req.Location, "")
	h.writeBackends(w, reg)
}

func (h *Handler) writeBackends(w http.ResponseWriter, reg interfaces.DeploymentRegistry) {
	backends, err := reg.StorageBackends()
	if err != nil {
		http.Error(w, fmt.Errorf("failed to get storage backends: %w", err).Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, api.StorageBackendsResponse{Backends: backends})
}

// HandleSetGate installs or replaces an operator gate secret. The secret
// is salted and hashed server-side; the registry only ever stores the
// digest and salt.
//
// URL format: POST /api/admin/gate/{deployment_id}/{gate}
//
// Request body: JSON, see api.SetGateRequest
func (h *Handler) HandleSetGate(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}

	gate := r.PathValue("gate")
	if gate != interfaces.GatePIN && gate != interfaces.GateToken {
		http.Error(w, fmt.Sprintf("unknown gate %q", gate), http.StatusBadRequest)
		return
	}

	body, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	var req api.SetGateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	if err := validateGateSecret(gate, req.Secret); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	salt := make([]byte, gateSaltSize)
	if _, err := rand.Read(salt); err != nil {
		http.Error(w, "failed to generate salt", http.StatusInternalServerError)
		return
	}

	record := interfaces.GateRecord{
		Digest: cryptoutils.HashGateSecret([]byte(req.Secret), salt),
		Salt:   salt,
	}
	if err := reg.SetGate(gate, record); err != nil {
		h.log.Error("Failed to set gate", "err", err, "gate", gate)
		http.Error(w, fmt.Errorf("failed to set gate: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Gate configured", "gate", gate, "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionGateSet, gate, "")
	writeJSON(w, map[string]string{"gate": gate})
}

// validateGateSecret enforces the secret shape per gate: PINs are exactly
// six digits, tokens must not be empty.
func validateGateSecret(gate, secret string) error {
	switch gate {
	case interfaces.GatePIN:
		if len(secret) != 6 {
			return errors.New("pin must be exactly 6 digits")
		}
		for _, c := range secret {
			if c < '0' || c > '9' {
				return errors.New("pin must be exactly 6 digits")
			}
		}
	case interfaces.GateToken:
		if secret == "" {
			return errors.New("token must not be empty")
		}
	}
	return nil
}

// HandleAddAdminKey registers an additional admin public key for the
// deployment.
//
// URL format: POST /api/admin/adminkey/{deployment_id}
//
// Request body: JSON, see api.AddAdminKeyRequest
func (h *Handler) HandleAddAdminKey(w http.ResponseWriter, r *http.Request) {
	deploymentID, reg, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	body, adminKey, ok := h.authorize(w, r, reg, maxBodySize)
	if !ok {
		return
	}

	var req api.AddAdminKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	keyBytes, err := hex.DecodeString(req.Pubkey)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		http.Error(w, "invalid admin public key", http.StatusBadRequest)
		return
	}

	if err := reg.AddAdminKey(ed25519.PublicKey(keyBytes)); err != nil {
		h.log.Error("Failed to add admin key", "err", err)
		http.Error(w, fmt.Errorf("failed to add admin key: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Admin key added", "key", req.Pubkey, "deploymentID", deploymentID.String())
	h.recordAudit(r.Context(), deploymentID, adminKey, audit.ActionAdminKeyAdd, req.Pubkey, "")
	writeJSON(w, api.AddAdminKeyRequest{Pubkey: req.Pubkey})
}
