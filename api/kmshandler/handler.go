package kmshandler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
)

// HandlerKMS is the KMS surface the service exposes over HTTP: the fleet
// operations every provisioning service needs, plus master key onboarding
// for new KMS instances.
type HandlerKMS interface {
	interfaces.KMS

	// VerifyOnboardRequest checks the attestation on an onboard request
	// and returns the verified measurements.
	VerifyOnboardRequest(interfaces.OnboardRequest) (map[int]string, error)

	// OnboardRemote encrypts the master key to the requester's transport
	// public key.
	OnboardRemote(cryptoutils.DevicePubkey) ([]byte, error)
}

// Handler processes HTTP requests for the deployment KMS service. The
// service holds the fleet master key and answers two kinds of callers:
// provisioning services pulling per-deployment key material, and new KMS
// instances onboarding into the cluster.
//
// Callers of the attested endpoints are verified against the cluster
// governance whitelist, so only attested provisioning services and
// whitelisted cluster peers ever see key material.
type Handler struct {
	kms        HandlerKMS
	governance interfaces.KMSGovernance
	log        *slog.Logger
}

// NewHandler creates a KMS service handler.
func NewHandler(kms HandlerKMS, governance interfaces.KMSGovernance, log *slog.Logger) *Handler {
	return &Handler{
		kms:        kms,
		governance: governance,
		log:        log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/attested/secrets/{deployment_id}", h.HandleSecrets)
	r.Get("/api/attested/onboard/{identity}", h.HandleOnboard)
	r.Get("/api/public/pki/{deployment_id}", h.HandlePKI)
}

// HandleSecrets serves per-deployment device key material to an attested
// provisioning service. The caller's identity is computed from its
// attestation evidence and checked against the cluster whitelist before
// any derivation happens.
//
// URL format: POST /api/attested/secrets/{deployment_id}
//
// Request body: TLS Certificate Signing Request (CSR) in PEM format,
// forwarded from the registering device.
//
// Response: JSON, see api.SecretsResponse
func (h *Handler) HandleSecrets(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	attestationType, measurements, err := cryptoutils.MeasurementsFromATLS(r)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid measurements: %w", err).Error(), http.StatusBadRequest)
		return
	}

	identity, err := interfaces.AttestationToIdentity(attestationType, measurements, h.governance)
	if err != nil {
		http.Error(w, fmt.Errorf("identity computation error: %w", err).Error(), http.StatusBadRequest)
		return
	}

	allowed, err := h.governance.IdentityAllowed(identity)
	if err != nil {
		http.Error(w, fmt.Errorf("could not verify identity: %w", err).Error(), http.StatusUnauthorized)
		return
	}
	if !allowed {
		h.log.Warn("Secrets request from unknown identity", "identity", identity.String(), "deploymentID", deploymentID.String())
		http.Error(w, "identity not allowed", http.StatusUnauthorized)
		return
	}

	csr, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(csr) == 0 {
		http.Error(w, "Empty CSR in request body", http.StatusBadRequest)
		return
	}

	secrets, err := h.kms.DeviceSecrets(deploymentID, csr)
	if err != nil {
		if errors.Is(err, kms.ErrLocked) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, fmt.Errorf("could not prepare device secrets: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.SecretsResponse{DeviceSecrets: *secrets}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// HandleOnboard hands the master key to a new KMS instance. The instance
// first registers an onboard request through governance; this endpoint
// verifies the request's attestation, checks the attested identity against
// the whitelist, and answers with the master key encrypted to the
// requester's transport public key.
//
// URL format: GET /api/attested/onboard/{identity}
// The identity is the hex-encoded 32-byte requester identity that keys the
// pending onboard request.
//
// Response: raw encrypted master key material
func (h *Handler) HandleOnboard(w http.ResponseWriter, r *http.Request) {
	identityBytes, err := hex.DecodeString(r.PathValue("identity"))
	if err != nil || len(identityBytes) != 32 {
		http.Error(w, "invalid onboard identity", http.StatusBadRequest)
		return
	}
	var requestIdentity interfaces.DeviceIdentity
	copy(requestIdentity[:], identityBytes)

	onboardRequest, err := h.governance.FetchOnboardRequest(requestIdentity)
	if err != nil {
		http.Error(w, fmt.Errorf("could not fetch onboard request: %w", err).Error(), http.StatusUnauthorized)
		return
	}

	measurements, err := h.kms.VerifyOnboardRequest(onboardRequest)
	if err != nil {
		h.log.Info("Onboard attestation rejected", "err", err, "identity", requestIdentity.String())
		http.Error(w, fmt.Errorf("invalid attestation: %w", err).Error(), http.StatusBadRequest)
		return
	}

	report, err := interfaces.DCAPReportFromMeasurement(measurements)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid measurements: %w", err).Error(), http.StatusBadRequest)
		return
	}

	attestedIdentity, err := h.governance.DCAPIdentity(*report)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid identity: %w", err).Error(), http.StatusBadRequest)
		return
	}

	allowed, err := h.governance.IdentityAllowed(attestedIdentity)
	if err != nil {
		http.Error(w, fmt.Errorf("could not verify identity: %w", err).Error(), http.StatusUnauthorized)
		return
	}
	if !allowed {
		h.log.Warn("Onboard request from unknown identity", "identity", attestedIdentity.String())
		http.Error(w, "identity not allowed", http.StatusUnauthorized)
		return
	}

	encryptedKey, err := h.kms.OnboardRemote(onboardRequest.Pubkey)
	if err != nil {
		http.Error(w, fmt.Errorf("could not process onboard request: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("KMS instance onboarded", "identity", requestIdentity.String())
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(encryptedKey); err != nil {
		h.log.Error("Failed to write onboard response", "err", err)
	}
}

// HandlePKI serves the public PKI material for a deployment: the CA
// certificate devices verify their provisioning service against, the
// deployment public key, and an attestation over both.
//
// URL format: GET /api/public/pki/{deployment_id}
//
// Response: JSON, see api.PKIResponse
func (h *Handler) HandlePKI(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	pki, err := h.kms.GetPKI(deploymentID)
	if err != nil {
		if errors.Is(err, kms.ErrLocked) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.log.Error("Failed to get PKI", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("failed to get PKI: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	response := api.PKIResponse{
		CACert:       pki.CA,
		DevicePubkey: pki.Pubkey,
		Attestation:  pki.Attestation,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// ClusterKMS adapts a SimpleKMS to the handler interface, binding the
// cluster identity that onboard attestation report data commits to.
// Attestations are verified with the same flavor the KMS itself attests
// with, so an emulated cluster accepts emulated quotes and a hardware
// cluster accepts only DCAP.
type ClusterKMS struct {
	*kms.SimpleKMS
	kmsID interfaces.DeploymentID
}

// NewClusterKMS wraps a SimpleKMS for serving over HTTP.
func NewClusterKMS(k *kms.SimpleKMS, kmsID interfaces.DeploymentID) *ClusterKMS {
	return &ClusterKMS{
		SimpleKMS: k,
		kmsID:     kmsID,
	}
}

// VerifyOnboardRequest checks the attestation on an onboard request
// against the report data the requester must have committed to.
func (k *ClusterKMS) VerifyOnboardRequest(onboardRequest interfaces.OnboardRequest) (map[int]string, error) {
	reportData := kms.OnboardRequestReportData(k.kmsID, onboardRequest)

	switch k.AttestationProvider().AttestationType().StringID {
	case cryptoutils.DummyAttestation.StringID:
		return cryptoutils.VerifyDummyAttestation(reportData, onboardRequest.Attestation)
	default:
		measurements, err := cryptoutils.VerifyDCAPAttestation(reportData, onboardRequest.Attestation)
		if err != nil {
			return nil, fmt.Errorf("invalid attestation: %w", err)
		}
		return measurements, nil
	}
}
