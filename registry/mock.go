package registry

import (
	"crypto/ed25519"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks the DeploymentRegistry interface
type MockRegistry struct {
	mock.Mock
}

// DeploymentID mocks the DeploymentID method
func (m *MockRegistry) DeploymentID() interfaces.DeploymentID {
	args := m.Called()
	return args.Get(0).(interfaces.DeploymentID)
}

// IdentityAllowed mocks the IdentityAllowed method
func (m *MockRegistry) IdentityAllowed(identity interfaces.DeviceIdentity) (bool, error) {
	args := m.Called(identity)
	return args.Bool(0), args.Error(1)
}

// AllowIdentity mocks the AllowIdentity method
func (m *MockRegistry) AllowIdentity(identity interfaces.DeviceIdentity) error {
	args := m.Called(identity)
	return args.Error(0)
}

// RevokeIdentity mocks the RevokeIdentity method
func (m *MockRegistry) RevokeIdentity(identity interfaces.DeviceIdentity) error {
	args := m.Called(identity)
	return args.Error(0)
}

// ProvisionedComponents mocks the ProvisionedComponents method
func (m *MockRegistry) ProvisionedComponents() ([]interfaces.ComponentID, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.ComponentID), args.Error(1)
}

// AddComponent mocks the AddComponent method
func (m *MockRegistry) AddComponent(id interfaces.ComponentID) error {
	args := m.Called(id)
	return args.Error(0)
}

// RemoveComponent mocks the RemoveComponent method
func (m *MockRegistry) RemoveComponent(id interfaces.ComponentID) error {
	args := m.Called(id)
	return args.Error(0)
}

// ReplaceComponent mocks the ReplaceComponent method
func (m *MockRegistry) ReplaceComponent(oldID, newID interfaces.ComponentID) error {
	args := m.Called(oldID, newID)
	return args.Error(0)
}

// Artifacts mocks the Artifacts method
func (m *MockRegistry) Artifacts() ([]interfaces.ArtifactRef, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.ArtifactRef), args.Error(1)
}

// SetArtifact mocks the SetArtifact method
func (m *MockRegistry) SetArtifact(ref interfaces.ArtifactRef) error {
	args := m.Called(ref)
	return args.Error(0)
}

// StorageBackends mocks the StorageBackends method
func (m *MockRegistry) StorageBackends() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// AddStorageBackend mocks the AddStorageBackend method
func (m *MockRegistry) AddStorageBackend(locationURI string) error {
	args := m.Called(locationURI)
	return args.Error(0)
}

// RemoveStorageBackend mocks the RemoveStorageBackend method
func (m *MockRegistry) RemoveStorageBackend(locationURI string) error {
	args := m.Called(locationURI)
	return args.Error(0)
}

// Gate mocks the Gate method
func (m *MockRegistry) Gate(name string) (interfaces.GateRecord, error) {
	args := m.Called(name)
	return args.Get(0).(interfaces.GateRecord), args.Error(1)
}

// SetGate mocks the SetGate method
func (m *MockRegistry) SetGate(name string, record interfaces.GateRecord) error {
	args := m.Called(name, record)
	return args.Error(0)
}

// AdminKeys mocks the AdminKeys method
func (m *MockRegistry) AdminKeys() ([]ed25519.PublicKey, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ed25519.PublicKey), args.Error(1)
}

// AddAdminKey mocks the AddAdminKey method
func (m *MockRegistry) AddAdminKey(key ed25519.PublicKey) error {
	args := m.Called(key)
	return args.Error(0)
}

// MockRegistryProvider mocks the RegistryProvider interface
type MockRegistryProvider struct {
	mock.Mock
}

// RegistryFor mocks the RegistryFor method
func (m *MockRegistryProvider) RegistryFor(deploymentID interfaces.DeploymentID) (interfaces.DeploymentRegistry, error) {
	args := m.Called(deploymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.DeploymentRegistry), args.Error(1)
}
