package api

import (
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Attestation headers, set by the attesting transport in front of the
// service. Aliased here so API clients do not import cryptoutils.
const (
	AttestationTypeHeader = cryptoutils.AttestationTypeHeader
	MeasurementHeader     = cryptoutils.MeasurementHeader
)

// Admin request headers. Mutating admin endpoints require a signature over
// request path and body, verified against the deployment's admin keys.
const (
	AdminKeyHeader       = "X-Admin-Pubkey"
	AdminSignatureHeader = "X-Admin-Signature"
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// RegistrationProvider abstracts device registration with the provisioning
// service.
type RegistrationProvider interface {
	// Register sends a CSR to the provisioning server and returns the
	// registration response.
	Register(deployment interfaces.DeploymentID, csr []byte) (*RegistrationResponse, error)
}

// RegistrationResponse contains the cryptographic materials and deployment
// state returned by the provisioning server after successful registration.
type RegistrationResponse struct {
	// DeviceSecrets carries the device private key, signed TLS certificate,
	// decoder ID and attestation over all three.
	DeviceSecrets interfaces.DeviceSecrets `json:"device_secrets"`

	// Config is the resolved instance configuration with references
	// expanded and secrets decrypted.
	Config interfaces.InstanceConfig `json:"config,omitempty"`

	// Artifacts lists the current artifact for each content namespace.
	Artifacts []interfaces.ArtifactRef `json:"artifacts,omitempty"`

	// StorageBackends lists the location URIs devices can fetch artifacts
	// from directly.
	StorageBackends []string `json:"storage_backends,omitempty"`
}

// MetadataProvider serves public deployment metadata.
type MetadataProvider interface {
	GetDeploymentMetadata(deployment interfaces.DeploymentID) (*MetadataResponse, error)
}

// MetadataResponse contains the certificate authority and service domain
// names needed to talk to a deployment.
type MetadataResponse struct {
	// CACert is the certificate authority devices verify the service against.
	CACert interfaces.CACert `json:"ca_cert"`

	// DevicePubkey is the deployment public key used for encrypting secrets.
	DevicePubkey interfaces.DevicePubkey `json:"device_pubkey"`

	// DomainNames lists the provisioning endpoints serving this deployment.
	DomainNames []interfaces.ServiceDomainName `json:"domain_names"`

	// Attestation is the quote over DeploymentID||sha256(CACert||DevicePubkey).
	Attestation interfaces.Attestation `json:"attestation"`
}

// ProvisionedProvider serves the provisioned component set of a deployment.
type ProvisionedProvider interface {
	GetProvisionedComponents(deployment interfaces.DeploymentID) ([]interfaces.ComponentID, error)
}

// ProvisionedResponse lists provisioned component IDs in their canonical
// 0x-prefixed form.
type ProvisionedResponse struct {
	Components []string `json:"components"`
}

// ProvisionerProvider bundles everything a registering device needs.
type ProvisionerProvider interface {
	MetadataProvider
	RegistrationProvider
	ProvisionedProvider
}

// AdminGetShareResponse carries an encrypted master key share to its admin.
type AdminGetShareResponse struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare string `json:"encrypted_share"` // base64 encoded
}

// PKIResponse carries the public PKI material for a deployment as served
// by the KMS service.
type PKIResponse struct {
	// CACert is the certificate authority devices verify the service against.
	CACert interfaces.CACert `json:"ca_cert"`

	// DevicePubkey is the deployment public key used for encrypting secrets.
	DevicePubkey interfaces.DevicePubkey `json:"device_pubkey"`

	// Attestation is the quote over DeploymentID||sha256(CACert||DevicePubkey).
	Attestation interfaces.Attestation `json:"attestation"`
}

// SecretsResponse wraps the device secrets bundle returned by the KMS
// service to an attested provisioning service.
type SecretsResponse struct {
	DeviceSecrets interfaces.DeviceSecrets `json:"device_secrets"`
}
