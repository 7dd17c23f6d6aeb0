package provisioner

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/audit"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/metrics"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes device-facing HTTP requests for the provisioning
// service. It integrates the KMS, the content-addressed storage system,
// and the deployment registry. During registration it resolves the
// deployment's configuration template, including decrypting any
// pre-encrypted secrets, so the device receives plaintext configuration
// over its attested channel.
type Handler struct {
	kms              interfaces.KMS
	storageFactory   interfaces.StorageBackendFactory
	registryProvider interfaces.RegistryProvider
	domains          []interfaces.ServiceDomainName
	trail            *audit.Log
	log              *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified dependencies.
//
// Parameters:
//   - kms: Key Management Service for per-deployment PKI and device secrets
//   - storageFactory: Factory for creating storage backends
//   - registryProvider: Provider of per-deployment registries
//   - log: Structured logger for operational insights
//
// Returns a configured Handler instance.
func NewHandler(kms interfaces.KMS, storageFactory interfaces.StorageBackendFactory, registryProvider interfaces.RegistryProvider, log *slog.Logger) *Handler {
	return &Handler{
		kms:              kms,
		storageFactory:   storageFactory,
		registryProvider: registryProvider,
		log:              log,
	}
}

// WithServiceDomains sets the provisioning endpoints advertised in
// deployment metadata. Returns the handler for chaining.
func (h *Handler) WithServiceDomains(domains ...interfaces.ServiceDomainName) *Handler {
	h.domains = append(h.domains, domains...)
	return h
}

// WithAudit records successful registrations to the trail. Returns the
// handler for chaining.
func (h *Handler) WithAudit(trail *audit.Log) *Handler {
	h.trail = trail
	return h
}

// recordAudit appends a registration to the audit trail, if one is
// wired. Registration already succeeded; a trail failure is logged, not
// returned.
func (h *Handler) recordAudit(ctx context.Context, deploymentID interfaces.DeploymentID, identity interfaces.DeviceIdentity, subject, detail string) {
	if h.trail == nil {
		return
	}
	err := h.trail.Record(ctx, audit.Event{
		Deployment: deploymentID.String(),
		Actor:      identity.String(),
		Action:     audit.ActionDeviceRegister,
		Subject:    subject,
		Detail:     detail,
	})
	if err != nil {
		h.log.Warn("Audit record failed", "err", err, "action", audit.ActionDeviceRegister)
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/attested/register/{deployment_id}", h.HandleRegister)
	r.Get("/api/public/metadata/{deployment_id}", h.HandleMetadata)
	r.Get("/api/public/provisioned/{deployment_id}", h.HandleProvisioned)
	r.Get("/api/public/artifact/{deployment_id}/{content_type}", h.HandleArtifact)
}

// HandleRegister processes device registration requests.
// It validates attestation evidence, verifies the device's identity
// against the deployment allowlist, and provides cryptographic materials
// and configuration if authorized.
//
// URL format: POST /api/attested/register/{deployment_id}
//
// Request body: TLS Certificate Signing Request (CSR) in PEM format.
// The CSR may optionally include an admin signature as an X.509 extension
// with OID cryptoutils.OIDAdminSignature. A valid signature from a
// registered deployment admin admits a device whose identity is not yet
// on the allowlist.
//
// Response: JSON, see api.RegistrationResponse
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		h.log.Error("Invalid deployment ID", "err", err, "deployment", r.PathValue("deployment_id"))
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	csr, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.log.Error("Failed to read request body", "err", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if len(csr) == 0 {
		http.Error(w, "Empty CSR in request body", http.StatusBadRequest)
		return
	}

	response, err := h.handleRegister(r.Context(), r, deploymentID, csr)
	if err != nil {
		h.log.Error("Registration failed", "err", err, "deploymentID", deploymentID.String())
		writeRequestError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

// HandleMetadata serves public deployment metadata: the CA certificate,
// the deployment public key used for encrypting secrets, the service
// domains, and an attestation over the PKI material.
//
// URL format: GET /api/public/metadata/{deployment_id}
//
// Response: JSON, see api.MetadataResponse
func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		h.log.Error("Invalid deployment ID", "err", err, "deployment", r.PathValue("deployment_id"))
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	if _, err := h.registryProvider.RegistryFor(deploymentID); err != nil {
		h.log.Error("Failed to get registry", "err", err, "deploymentID", deploymentID.String())
		writeRegistryError(w, err)
		return
	}

	pki, err := h.kms.GetPKI(deploymentID)
	if err != nil {
		h.log.Error("Failed to get PKI", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("failed to get PKI: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	response := api.MetadataResponse{
		CACert:       pki.CA,
		DevicePubkey: pki.Pubkey,
		DomainNames:  h.domains,
		Attestation:  pki.Attestation,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

// HandleProvisioned serves the deployment's provisioned component set in
// canonical 0x-prefixed form, in registry order.
//
// URL format: GET /api/public/provisioned/{deployment_id}
//
// Response: JSON, see api.ProvisionedResponse
func (h *Handler) HandleProvisioned(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		h.log.Error("Invalid deployment ID", "err", err, "deployment", r.PathValue("deployment_id"))
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	registry, err := h.registryProvider.RegistryFor(deploymentID)
	if err != nil {
		h.log.Error("Failed to get registry", "err", err, "deploymentID", deploymentID.String())
		writeRegistryError(w, err)
		return
	}

	components, err := registry.ProvisionedComponents()
	if err != nil {
		h.log.Error("Failed to get provisioned components", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("failed to get provisioned components: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	response := api.ProvisionedResponse{Components: make([]string, 0, len(components))}
	for _, id := range components {
		response.Components = append(response.Components, id.String())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

// HandleArtifact proxies the deployment's current artifact for a content
// namespace from its storage backends. Only subscription and firmware
// artifacts are served publicly; configs may embed references to secrets
// and are only handed out during attested registration.
//
// URL format: GET /api/public/artifact/{deployment_id}/{content_type}
//
// Response: raw artifact bytes
func (h *Handler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(r.PathValue("deployment_id"))
	if err != nil {
		h.log.Error("Invalid deployment ID", "err", err, "deployment", r.PathValue("deployment_id"))
		http.Error(w, "Invalid deployment ID format", http.StatusBadRequest)
		return
	}

	contentType, err := interfaces.ContentTypeFromString(r.PathValue("content_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if contentType != interfaces.SubscriptionType && contentType != interfaces.FirmwareType {
		http.Error(w, fmt.Sprintf("%s artifacts are not served publicly", contentType), http.StatusForbidden)
		return
	}

	registry, err := h.registryProvider.RegistryFor(deploymentID)
	if err != nil {
		h.log.Error("Failed to get registry", "err", err, "deploymentID", deploymentID.String())
		writeRegistryError(w, err)
		return
	}

	artifacts, err := registry.Artifacts()
	if err != nil {
		h.log.Error("Failed to get artifacts", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("failed to get artifacts: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	var ref *interfaces.ArtifactRef
	for i := range artifacts {
		if artifacts[i].Type == contentType {
			ref = &artifacts[i]
			break
		}
	}
	if ref == nil {
		http.Error(w, fmt.Sprintf("no %s artifact registered", contentType), http.StatusNotFound)
		return
	}

	multiStorage, err := h.deploymentStorage(registry, nil)
	if err != nil {
		h.log.Error("Failed to create multi-storage backend", "err", err, "deploymentID", deploymentID.String())
		http.Error(w, fmt.Errorf("storage access error: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	data, err := multiStorage.Fetch(r.Context(), ref.ID, contentType)
	if err != nil {
		h.log.Error("Failed to fetch artifact", "err", err, "contentID", ref.ID.String())
		http.Error(w, fmt.Errorf("failed to fetch artifact: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	metrics.IncArtifactFetch()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		h.log.Error("Failed to write artifact response", "err", err)
	}
}

// handleRegister is the core business logic for HandleRegister.
//
// The function performs dual authorization:
//  1. Device identity verification: computes a deployment-scoped identity
//     hash from the attestation evidence and checks it against the
//     registry allowlist.
//  2. Optional admin exception: if the CSR carries an admin signature
//     extension, a valid Ed25519 signature from a registered deployment
//     admin over the CSR public key admits the device even when its
//     identity is not allowlisted.
//
// On success the device receives its secrets bundle, the deployment's
// current artifact references and storage backends, and, when a config
// artifact is registered, the resolved instance configuration.
func (h *Handler) handleRegister(ctx context.Context, r *http.Request, deploymentID interfaces.DeploymentID, csr interfaces.TLSCSR) (*api.RegistrationResponse, error) {
	attestationType, measurements, err := cryptoutils.MeasurementsFromATLS(r)
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("could not verify attestation evidence: %w", err)}
	}

	parsedCsr, err := csr.GetX509CSR()
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("csr parsing error: %w", err)}
	}

	registry, err := h.registryProvider.RegistryFor(deploymentID)
	if err != nil {
		if errors.Is(err, interfaces.ErrDeploymentNotFound) {
			return nil, &api.RequestError{StatusCode: http.StatusNotFound, Err: err}
		}
		return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("registry access error: %w", err)}
	}

	governance := api.NewDeploymentGovernance(registry)
	identity, err := interfaces.AttestationToIdentity(attestationType, measurements, governance)
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("identity computation error: %w", err)}
	}

	allowed, err := governance.IdentityAllowed(identity)
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("identity lookup error: %w", err)}
	}

	admitDetail := "allowlisted"
	if !allowed {
		adminKey, adminErr := verifyAdminException(parsedCsr, registry)
		if adminErr != nil {
			metrics.IncRegistrationDenied()
			return nil, &api.RequestError{StatusCode: http.StatusForbidden, Err: fmt.Errorf("identity %s not allowed: %w", identity.String(), adminErr)}
		}
		admitDetail = fmt.Sprintf("admitted by admin %x", adminKey)
		h.log.Info("Device admitted by admin signature",
			"identity", identity.String(),
			"adminKey", fmt.Sprintf("%x", adminKey),
			"deploymentID", deploymentID.String())
	}

	secrets, err := h.kms.DeviceSecrets(deploymentID, csr)
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("device secrets error: %w", err)}
	}

	artifacts, err := registry.Artifacts()
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("artifact retrieval error: %w", err)}
	}

	backends, err := registry.StorageBackends()
	if err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("storage backend retrieval error: %w", err)}
	}

	response := &api.RegistrationResponse{
		DeviceSecrets:   *secrets,
		Artifacts:       artifacts,
		StorageBackends: backends,
	}

	var configRef *interfaces.ArtifactRef
	for i := range artifacts {
		if artifacts[i].Type == interfaces.ConfigType {
			configRef = &artifacts[i]
			break
		}
	}
	if configRef != nil {
		multiStorage, err := h.deploymentStorage(registry, h.lazyTLSAuthCert(deploymentID))
		if err != nil {
			return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("multi-storage creation error: %w", err)}
		}

		configTemplate, err := multiStorage.Fetch(ctx, configRef.ID, interfaces.ConfigType)
		if err != nil {
			return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("config template retrieval error: %w", err)}
		}

		processedConfig, err := h.processConfigTemplate(ctx, multiStorage, configTemplate, secrets.DevicePrivkey)
		if err != nil {
			return nil, &api.RequestError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("config processing error: %w", err)}
		}

		response.Config = processedConfig
	}

	metrics.IncRegistration()
	h.recordAudit(ctx, deploymentID, identity, parsedCsr.Subject.CommonName, admitDetail)
	return response, nil
}

// deploymentStorage aggregates the registry's storage backends into a
// multi-backend. A nil tlsAuth leaves backends requiring client
// certificates unavailable; the multi-backend skips them.
func (h *Handler) deploymentStorage(registry interfaces.DeploymentRegistry, tlsAuth func() (tls.Certificate, error)) (interfaces.StorageBackend, error) {
	backendLocations, err := registry.StorageBackends()
	if err != nil {
		return nil, fmt.Errorf("storage backend retrieval error: %w", err)
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

	factory := h.storageFactory
	if tlsAuth != nil {
		factory = factory.WithTLSAuth(tlsAuth)
	}
	return factory.CreateMultiBackend(locationURIs)
}

// lazyTLSAuthCert returns a certificate source for storage backends that
// require TLS client authentication. The certificate is only minted when
// a backend asks for it: a fresh P-256 key is generated and certified by
// the deployment CA under the deployment's device common name.
func (h *Handler) lazyTLSAuthCert(deploymentID interfaces.DeploymentID) func() (tls.Certificate, error) {
	return func() (tls.Certificate, error) {
		tmpPrivateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return tls.Certificate{}, err
		}

		tmpKeyBytes, err := x509.MarshalPKCS8PrivateKey(tmpPrivateKey)
		if err != nil {
			return tls.Certificate{}, err
		}

		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: tmpKeyBytes})

		csrTemplate := x509.CertificateRequest{
			Subject: pkix.Name{
				CommonName: interfaces.NewDeviceCommonName(deploymentID).String(),
			},
			SignatureAlgorithm: x509.ECDSAWithSHA256,
		}

		csrDER, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, tmpPrivateKey)
		if err != nil {
			return tls.Certificate{}, err
		}

		csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

		secrets, err := h.kms.DeviceSecrets(deploymentID, csrPEM)
		if err != nil {
			return tls.Certificate{}, err
		}

		return tls.X509KeyPair(secrets.TLSCert, keyPEM)
	}
}

// verifyAdminException checks the CSR for an admin signature extension.
// The extension value is the admin's Ed25519 public key followed by a
// signature over the hash of the CSR's DER public key. The key must be
// registered as a deployment admin.
func verifyAdminException(parsedCsr *x509.CertificateRequest, registry interfaces.DeploymentRegistry) (ed25519.PublicKey, error) {
	for _, ext := range parsedCsr.Extensions {
		if !ext.Id.Equal(cryptoutils.OIDAdminSignature) {
			continue
		}

		if len(ext.Value) != ed25519.PublicKeySize+ed25519.SignatureSize {
			return nil, fmt.Errorf("malformed admin signature extension: %d bytes", len(ext.Value))
		}

		pubkey := ed25519.PublicKey(ext.Value[:ed25519.PublicKeySize])
		signature := ext.Value[ed25519.PublicKeySize:]

		if !ed25519.Verify(pubkey, cryptoutils.DERPubkeyHash(parsedCsr.RawSubjectPublicKeyInfo), signature) {
			return nil, errors.New("invalid admin signature")
		}

		adminKeys, err := registry.AdminKeys()
		if err != nil {
			return nil, fmt.Errorf("admin key lookup error: %w", err)
		}
		for _, key := range adminKeys {
			if bytes.Equal(key, pubkey) {
				return pubkey, nil
			}
		}
		return nil, errors.New("admin key not registered for deployment")
	}
	return nil, errors.New("no admin signature present")
}

// AdminSignatureExtension builds the CSR extension value verified during
// registration. Used by admin tooling when pre-authorizing a device whose
// identity is not yet allowlisted.
func AdminSignatureExtension(adminKey ed25519.PrivateKey, parsedCsr *x509.CertificateRequest) pkix.Extension {
	signature := ed25519.Sign(adminKey, cryptoutils.DERPubkeyHash(parsedCsr.RawSubjectPublicKeyInfo))
	value := append([]byte{}, adminKey.Public().(ed25519.PublicKey)...)
	value = append(value, signature...)
	return pkix.Extension{Id: cryptoutils.OIDAdminSignature, Value: value}
}

func writeRequestError(w http.ResponseWriter, err error) {
	var reqErr *api.RequestError
	if errors.As(err, &reqErr) {
		http.Error(w, reqErr.Error(), reqErr.StatusCode)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, interfaces.ErrDeploymentNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, fmt.Errorf("failed to get registry: %w", err).Error(), http.StatusInternalServerError)
}

// Reference represents a reference to another content item in a configuration template.
// It contains both the full reference string and the hash of the referenced content.
type Reference struct {
	fullRef string // The full reference string (e.g., "__CONFIG_REF_<hash>")
	hash    string // The hash part of the reference
}

// findReferences locates all pattern matches in a template string.
// It returns a slice of Reference objects for each match found.
func findReferences(templateStr, prefix string) ([]Reference, error) {
	pattern := prefix + `([0-9a-fA-F]{64})`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	matches := re.FindAllStringSubmatch(templateStr, -1)
	refs := make([]Reference, 0, len(matches))

	for _, match := range matches {
		if len(match) >= 2 {
			refs = append(refs, Reference{
				fullRef: match[0],
				hash:    match[1],
			})
		}
	}

	return refs, nil
}

// replaceReference replaces a reference string with new content, consuming
// any quotes wrapped around the reference.
func replaceReference(templateStr, oldStr, newStr string) string {
	return regexp.MustCompile(`["]*`+regexp.QuoteMeta(oldStr)+`["]*`).ReplaceAllString(templateStr, newStr)
}

// processConfigTemplate resolves all references in a configuration template.
// It replaces config and secret references with their actual content.
// For secret references, it retrieves pre-encrypted secrets from storage and
// decrypts them using the device private key before inclusion in the
// configuration.
//
// Config references have the form: __CONFIG_REF_<hash>
// Secret references have the form: __SECRET_REF_<hash>
func (h *Handler) processConfigTemplate(ctx context.Context, storage interfaces.StorageBackend, configTemplate []byte, devicePrivkey interfaces.DevicePrivkey) (interfaces.InstanceConfig, error) {
	templateStr := string(configTemplate)

	const (
		configRefPrefix = "__CONFIG_REF_"
		secretRefPrefix = "__SECRET_REF_"
	)

	configRefs, err := findReferences(templateStr, configRefPrefix)
	if err != nil {
		return nil, fmt.Errorf("error finding config references: %w", err)
	}

	for _, ref := range configRefs {
		configID, err := interfaces.NewContentIDFromHex(ref.hash)
		if err != nil {
			h.log.Error("Invalid config hash format", slog.String("hash", ref.hash), "err", err)
			return nil, fmt.Errorf("invalid config hash format %s: %w", ref.hash, err)
		}

		configData, err := storage.Fetch(ctx, configID, interfaces.ConfigType)
		if err != nil {
			h.log.Error("Failed to fetch config", "err", err, slog.String("hash", ref.hash))
			return nil, fmt.Errorf("failed to fetch config %s: %w", ref.hash, err)
		}

		templateStr = replaceReference(templateStr, ref.fullRef, string(configData))
	}

	secretRefs, err := findReferences(templateStr, secretRefPrefix)
	if err != nil {
		return nil, fmt.Errorf("error finding secret references: %w", err)
	}

	for _, ref := range secretRefs {
		secretID, err := interfaces.NewContentIDFromHex(ref.hash)
		if err != nil {
			h.log.Error("Invalid secret hash format", slog.String("hash", ref.hash), "err", err)
			return nil, fmt.Errorf("invalid secret hash format %s: %w", ref.hash, err)
		}

		encryptedSecretData, err := storage.Fetch(ctx, secretID, interfaces.SecretType)
		if err != nil {
			h.log.Error("Failed to fetch secret", "err", err, slog.String("hash", ref.hash))
			return nil, fmt.Errorf("failed to fetch secret %s: %w", ref.hash, err)
		}

		decryptedData, err := cryptoutils.DecryptWithPrivateKey(devicePrivkey, encryptedSecretData)
		if err != nil {
			h.log.Error("Failed to decrypt secret", "err", err, slog.String("hash", ref.hash))
			return nil, fmt.Errorf("failed to decrypt secret %s: %w", ref.hash, err)
		}

		// Note: might need escaping
		templateStr = replaceReference(templateStr, ref.fullRef, string(decryptedData))
	}

	return []byte(templateStr), nil
}
