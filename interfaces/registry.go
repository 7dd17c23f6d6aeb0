package interfaces

import (
	"crypto/ed25519"
	"errors"
)

var (
	// ErrDeploymentNotFound is returned when no registry exists for the
	// requested deployment ID.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrComponentNotProvisioned is returned when an operation references a
	// component ID that is not part of the deployment.
	ErrComponentNotProvisioned = errors.New("component not provisioned")

	// ErrComponentAlreadyProvisioned is returned when adding a component ID
	// that the deployment already contains.
	ErrComponentAlreadyProvisioned = errors.New("component already provisioned")

	// ErrGateNotConfigured is returned when a deployment has no record for
	// the requested gate.
	ErrGateNotConfigured = errors.New("gate not configured")
)

// Gate names used by deployments. PIN gates attestation readout, token
// gates component replacement.
const (
	GatePIN   = "pin"
	GateToken = "token"
)

// GateRecord stores the digest and salt for an operator gate secret.
// The secret itself is never stored.
type GateRecord struct {
	Digest []byte `json:"digest"`
	Salt   []byte `json:"salt"`
}

// ArtifactRef ties a content ID to the namespace it lives in.
type ArtifactRef struct {
	ID   ContentID   `json:"id"`
	Type ContentType `json:"type"`
}

// DeploymentRegistry manages a single deployment: its provisioned component
// set, the artifacts its devices fetch, the storage backends serving them,
// the operator gates, and the identities allowed to register.
type DeploymentRegistry interface {
	// DeploymentID returns the deployment this registry serves.
	DeploymentID() DeploymentID

	// IdentityAllowed checks if a device identity may register.
	IdentityAllowed(identity DeviceIdentity) (bool, error)

	// AllowIdentity adds a device identity to the allowlist.
	AllowIdentity(identity DeviceIdentity) error

	// RevokeIdentity removes a device identity from the allowlist.
	RevokeIdentity(identity DeviceIdentity) error

	// ProvisionedComponents returns the component IDs provisioned for this
	// deployment, in stable order.
	ProvisionedComponents() ([]ComponentID, error)

	// AddComponent provisions a new component ID.
	AddComponent(id ComponentID) error

	// RemoveComponent removes a provisioned component ID.
	RemoveComponent(id ComponentID) error

	// ReplaceComponent atomically swaps oldID for newID.
	ReplaceComponent(oldID, newID ComponentID) error

	// Artifacts returns the artifact references registered for the deployment.
	Artifacts() ([]ArtifactRef, error)

	// SetArtifact registers an artifact reference.
	SetArtifact(ref ArtifactRef) error

	// StorageBackends returns registered storage backend URIs.
	StorageBackends() ([]string, error)

	// AddStorageBackend registers a storage backend URI.
	AddStorageBackend(locationURI string) error

	// RemoveStorageBackend unregisters a storage backend URI.
	RemoveStorageBackend(locationURI string) error

	// Gate returns the record for a named gate.
	Gate(name string) (GateRecord, error)

	// SetGate installs or replaces a named gate record.
	SetGate(name string, record GateRecord) error

	// AdminKeys returns the public keys allowed to sign mutations.
	AdminKeys() ([]ed25519.PublicKey, error)

	// AddAdminKey registers an admin public key.
	AddAdminKey(key ed25519.PublicKey) error
}

// RegistryProvider creates DeploymentRegistry instances.
type RegistryProvider interface {
	// RegistryFor returns the registry for the specified deployment.
	RegistryFor(DeploymentID) (DeploymentRegistry, error)
}

// RegistryAdminProvider extends RegistryProvider with deployment creation.
type RegistryAdminProvider interface {
	RegistryProvider

	// CreateDeployment creates the registry for a new deployment, or
	// returns the existing one.
	CreateDeployment(DeploymentID) (DeploymentRegistry, error)
}
