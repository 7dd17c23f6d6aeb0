package registry

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"slices"
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// MemoryRegistry implements interfaces.DeploymentRegistry as a mutex-guarded
// in-process store. It backs the emulator, tests, and the file provider.
type MemoryRegistry struct {
	mu sync.RWMutex

	deploymentID interfaces.DeploymentID
	identities   map[interfaces.DeviceIdentity]bool
	components   []interfaces.ComponentID
	artifacts    map[interfaces.ContentType]interfaces.ContentID
	backends     []string
	gates        map[string]interfaces.GateRecord
	adminKeys    []ed25519.PublicKey
}

// NewMemoryRegistry creates an empty registry for the deployment.
func NewMemoryRegistry(deploymentID interfaces.DeploymentID) *MemoryRegistry {
	return &MemoryRegistry{
		deploymentID: deploymentID,
		identities:   make(map[interfaces.DeviceIdentity]bool),
		artifacts:    make(map[interfaces.ContentType]interfaces.ContentID),
		gates:        make(map[string]interfaces.GateRecord),
	}
}

// DeploymentID returns the deployment this registry serves.
func (r *MemoryRegistry) DeploymentID() interfaces.DeploymentID {
	return r.deploymentID
}

// IdentityAllowed checks if a device identity may register.
func (r *MemoryRegistry) IdentityAllowed(identity interfaces.DeviceIdentity) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities[identity], nil
}

// AllowIdentity adds a device identity to the allowlist.
func (r *MemoryRegistry) AllowIdentity(identity interfaces.DeviceIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity] = true
	return nil
}

// RevokeIdentity removes a device identity from the allowlist.
func (r *MemoryRegistry) RevokeIdentity(identity interfaces.DeviceIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, identity)
	return nil
}

// ProvisionedComponents returns the provisioned component IDs in the order
// they were added.
func (r *MemoryRegistry) ProvisionedComponents() ([]interfaces.ComponentID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.components), nil
}

// AddComponent provisions a new component ID.
func (r *MemoryRegistry) AddComponent(id interfaces.ComponentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.components, id) {
		return interfaces.ErrComponentAlreadyProvisioned
	}
	r.components = append(r.components, id)
	return nil
}

// RemoveComponent removes a provisioned component ID.
func (r *MemoryRegistry) RemoveComponent(id interfaces.ComponentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.Index(r.components, id)
	if idx < 0 {
		return interfaces.ErrComponentNotProvisioned
	}
	r.components = slices.Delete(r.components, idx, idx+1)
	return nil
}

// ReplaceComponent atomically swaps oldID for newID, keeping its position.
func (r *MemoryRegistry) ReplaceComponent(oldID, newID interfaces.ComponentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.Index(r.components, oldID)
	if idx < 0 {
		return interfaces.ErrComponentNotProvisioned
	}
	if oldID != newID && slices.Contains(r.components, newID) {
		return interfaces.ErrComponentAlreadyProvisioned
	}
	r.components[idx] = newID
	return nil
}

// Artifacts returns the current artifact reference for each content type
// that has one, in content type order.
func (r *MemoryRegistry) Artifacts() ([]interfaces.ArtifactRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []interfaces.ArtifactRef
	for _, ct := range []interfaces.ContentType{
		interfaces.ConfigType,
		interfaces.SecretType,
		interfaces.SubscriptionType,
		interfaces.FirmwareType,
	} {
		if id, ok := r.artifacts[ct]; ok {
			refs = append(refs, interfaces.ArtifactRef{ID: id, Type: ct})
		}
	}
	return refs, nil
}

// SetArtifact installs the artifact reference for its content type,
// replacing any previous one. A deployment serves one current artifact
// per namespace.
func (r *MemoryRegistry) SetArtifact(ref interfaces.ArtifactRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[ref.Type] = ref.ID
	return nil
}

// StorageBackends returns registered storage backend URIs.
func (r *MemoryRegistry) StorageBackends() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends), nil
}

// AddStorageBackend registers a storage backend URI.
func (r *MemoryRegistry) AddStorageBackend(locationURI string) error {
	if _, err := interfaces.NewStorageBackendLocation(locationURI); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.backends, locationURI) {
		r.backends = append(r.backends, locationURI)
	}
	return nil
}

// RemoveStorageBackend unregisters a storage backend URI.
func (r *MemoryRegistry) RemoveStorageBackend(locationURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.Index(r.backends, locationURI)
	if idx >= 0 {
		r.backends = slices.Delete(r.backends, idx, idx+1)
	}
	return nil
}

// Gate returns the record for a named gate.
func (r *MemoryRegistry) Gate(name string) (interfaces.GateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.gates[name]
	if !ok {
		return interfaces.GateRecord{}, interfaces.ErrGateNotConfigured
	}
	return record, nil
}

// SetGate installs or replaces a named gate record.
func (r *MemoryRegistry) SetGate(name string, record interfaces.GateRecord) error {
	if len(record.Digest) == 0 || len(record.Salt) == 0 {
		return errors.New("gate record requires digest and salt")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[name] = record
	return nil
}

// AdminKeys returns the public keys allowed to sign mutations.
func (r *MemoryRegistry) AdminKeys() ([]ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.adminKeys), nil
}

// AddAdminKey registers an admin public key.
func (r *MemoryRegistry) AddAdminKey(key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return errors.New("invalid admin key length")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.adminKeys {
		if bytes.Equal(existing, key) {
			return nil
		}
	}
	r.adminKeys = append(r.adminKeys, slices.Clone(key))
	return nil
}

// MemoryProvider implements interfaces.RegistryProvider over in-process
// registries.
type MemoryProvider struct {
	mu         sync.RWMutex
	registries map[interfaces.DeploymentID]*MemoryRegistry
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		registries: make(map[interfaces.DeploymentID]*MemoryRegistry),
	}
}

// CreateRegistry creates the registry for a deployment, or returns the
// existing one.
func (p *MemoryProvider) CreateRegistry(deploymentID interfaces.DeploymentID) *MemoryRegistry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reg, ok := p.registries[deploymentID]; ok {
		return reg
	}
	reg := NewMemoryRegistry(deploymentID)
	p.registries[deploymentID] = reg
	return reg
}

// CreateDeployment implements interfaces.RegistryAdminProvider.
func (p *MemoryProvider) CreateDeployment(deploymentID interfaces.DeploymentID) (interfaces.DeploymentRegistry, error) {
	return p.CreateRegistry(deploymentID), nil
}

// RegistryFor returns the registry for the specified deployment.
func (p *MemoryProvider) RegistryFor(deploymentID interfaces.DeploymentID) (interfaces.DeploymentRegistry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	reg, ok := p.registries[deploymentID]
	if !ok {
		return nil, interfaces.ErrDeploymentNotFound
	}
	return reg, nil
}
