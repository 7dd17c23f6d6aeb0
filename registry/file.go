package registry

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// registryJSON is the on-disk representation of a deployment registry.
type registryJSON struct {
	DeploymentID string                            `json:"deployment_id"`
	Identities   []string                          `json:"allowed_identities,omitempty"`
	Components   []string                          `json:"components,omitempty"`
	Artifacts    []artifactJSON                    `json:"artifacts,omitempty"`
	Backends     []string                          `json:"storage_backends,omitempty"`
	Gates        map[string]interfaces.GateRecord  `json:"gates,omitempty"`
	AdminKeys    []string                          `json:"admin_keys,omitempty"`
}

type artifactJSON struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r *MemoryRegistry) snapshot() registryJSON {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := registryJSON{
		DeploymentID: r.deploymentID.String(),
	}
	for identity := range r.identities {
		out.Identities = append(out.Identities, identity.String())
	}
	for _, id := range r.components {
		out.Components = append(out.Components, id.String())
	}
	for _, ct := range []interfaces.ContentType{
		interfaces.ConfigType,
		interfaces.SecretType,
		interfaces.SubscriptionType,
		interfaces.FirmwareType,
	} {
		if id, ok := r.artifacts[ct]; ok {
			out.Artifacts = append(out.Artifacts, artifactJSON{Type: ct.String(), ID: id.String()})
		}
	}
	out.Backends = append(out.Backends, r.backends...)
	if len(r.gates) > 0 {
		out.Gates = make(map[string]interfaces.GateRecord, len(r.gates))
		for name, record := range r.gates {
			out.Gates[name] = record
		}
	}
	for _, key := range r.adminKeys {
		out.AdminKeys = append(out.AdminKeys, hex.EncodeToString(key))
	}
	return out
}

func registryFromJSON(data registryJSON) (*MemoryRegistry, error) {
	deploymentID, err := interfaces.NewDeploymentIDFromHex(data.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("deployment id: %w", err)
	}

	reg := NewMemoryRegistry(deploymentID)
	for _, identityHex := range data.Identities {
		identityBytes, err := hex.DecodeString(identityHex)
		if err != nil || len(identityBytes) != 32 {
			return nil, fmt.Errorf("invalid identity %q", identityHex)
		}
		reg.identities[interfaces.DeviceIdentity(identityBytes)] = true
	}
	for _, componentHex := range data.Components {
		id, err := interfaces.NewComponentIDFromHex(componentHex)
		if err != nil {
			return nil, err
		}
		reg.components = append(reg.components, id)
	}
	for _, artifact := range data.Artifacts {
		ct, err := interfaces.ContentTypeFromString(artifact.Type)
		if err != nil {
			return nil, err
		}
		id, err := interfaces.NewContentIDFromHex(artifact.ID)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", artifact.Type, err)
		}
		reg.artifacts[ct] = id
	}
	reg.backends = append(reg.backends, data.Backends...)
	for name, record := range data.Gates {
		reg.gates[name] = record
	}
	for _, keyHex := range data.AdminKeys {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil || len(keyBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid admin key %q", keyHex)
		}
		reg.adminKeys = append(reg.adminKeys, ed25519.PublicKey(keyBytes))
	}
	return reg, nil
}

// FileRegistry is a DeploymentRegistry persisted as a JSON file. Every
// mutation is written back before it returns.
type FileRegistry struct {
	mu    sync.Mutex
	inner *MemoryRegistry
	path  string
}

func loadFileRegistry(path string) (*FileRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrDeploymentNotFound
		}
		return nil, err
	}

	var data registryJSON
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	inner, err := registryFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &FileRegistry{inner: inner, path: path}, nil
}

// save writes the registry state, atomically replacing the previous file.
func (r *FileRegistry) save() error {
	raw, err := json.MarshalIndent(r.inner.snapshot(), "", "  ")
	if err != nil {
		return err
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *FileRegistry) mutate(fn func(*MemoryRegistry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := fn(r.inner); err != nil {
		return err
	}
	return r.save()
}

func (r *FileRegistry) DeploymentID() interfaces.DeploymentID {
	return r.inner.DeploymentID()
}

func (r *FileRegistry) IdentityAllowed(identity interfaces.DeviceIdentity) (bool, error) {
	return r.inner.IdentityAllowed(identity)
}

func (r *FileRegistry) AllowIdentity(identity interfaces.DeviceIdentity) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.AllowIdentity(identity) })
}

func (r *FileRegistry) RevokeIdentity(identity interfaces.DeviceIdentity) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.RevokeIdentity(identity) })
}

func (r *FileRegistry) ProvisionedComponents() ([]interfaces.ComponentID, error) {
	return r.inner.ProvisionedComponents()
}

func (r *FileRegistry) AddComponent(id interfaces.ComponentID) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.AddComponent(id) })
}

func (r *FileRegistry) RemoveComponent(id interfaces.ComponentID) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.RemoveComponent(id) })
}

func (r *FileRegistry) ReplaceComponent(oldID, newID interfaces.ComponentID) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.ReplaceComponent(oldID, newID) })
}

func (r *FileRegistry) Artifacts() ([]interfaces.ArtifactRef, error) {
	return r.inner.Artifacts()
}

func (r *FileRegistry) SetArtifact(ref interfaces.ArtifactRef) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.SetArtifact(ref) })
}

func (r *FileRegistry) StorageBackends() ([]string, error) {
	return r.inner.StorageBackends()
}

func (r *FileRegistry) AddStorageBackend(locationURI string) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.AddStorageBackend(locationURI) })
}

func (r *FileRegistry) RemoveStorageBackend(locationURI string) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.RemoveStorageBackend(locationURI) })
}

func (r *FileRegistry) Gate(name string) (interfaces.GateRecord, error) {
	return r.inner.Gate(name)
}

func (r *FileRegistry) SetGate(name string, record interfaces.GateRecord) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.SetGate(name, record) })
}

func (r *FileRegistry) AdminKeys() ([]ed25519.PublicKey, error) {
	return r.inner.AdminKeys()
}

func (r *FileRegistry) AddAdminKey(key ed25519.PublicKey) error {
	return r.mutate(func(m *MemoryRegistry) error { return m.AddAdminKey(key) })
}

// FileProvider implements interfaces.RegistryProvider over JSON files, one
// per deployment, under a base directory. Instances are cached so all
// callers share one writer per deployment.
type FileProvider struct {
	mu      sync.Mutex
	baseDir string
	open    map[interfaces.DeploymentID]*FileRegistry
}

// NewFileProvider creates a provider rooted at baseDir, creating the
// directory if needed.
func NewFileProvider(baseDir string) (*FileProvider, error) {
	if baseDir == "" {
		return nil, errors.New("registry base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	return &FileProvider{
		baseDir: baseDir,
		open:    make(map[interfaces.DeploymentID]*FileRegistry),
	}, nil
}

func (p *FileProvider) registryPath(deploymentID interfaces.DeploymentID) string {
	return filepath.Join(p.baseDir, deploymentID.String()+".json")
}

// CreateRegistry creates a persisted registry for the deployment, or opens
// the existing one.
func (p *FileProvider) CreateRegistry(deploymentID interfaces.DeploymentID) (*FileRegistry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reg, ok := p.open[deploymentID]; ok {
		return reg, nil
	}

	reg, err := loadFileRegistry(p.registryPath(deploymentID))
	if errors.Is(err, interfaces.ErrDeploymentNotFound) {
		reg = &FileRegistry{inner: NewMemoryRegistry(deploymentID), path: p.registryPath(deploymentID)}
		err = reg.save()
	}
	if err != nil {
		return nil, err
	}

	p.open[deploymentID] = reg
	return reg, nil
}

// CreateDeployment implements interfaces.RegistryAdminProvider.
func (p *FileProvider) CreateDeployment(deploymentID interfaces.DeploymentID) (interfaces.DeploymentRegistry, error) {
	return p.CreateRegistry(deploymentID)
}

// RegistryFor returns the registry for the specified deployment.
func (p *FileProvider) RegistryFor(deploymentID interfaces.DeploymentID) (interfaces.DeploymentRegistry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reg, ok := p.open[deploymentID]; ok {
		return reg, nil
	}

	reg, err := loadFileRegistry(p.registryPath(deploymentID))
	if err != nil {
		return nil, err
	}
	p.open[deploymentID] = reg
	return reg, nil
}
