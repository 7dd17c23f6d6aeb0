// Package interfaces defines the core interfaces and types for the device
// provisioning system.
//
// This package provides the contracts between different components of the
// system without including implementation details. It separates the interface
// definitions from their implementations, allowing for:
//
//   - Clear separation of concerns
//   - Multiple implementations of the same interface
//   - Better testability through mock implementations
//   - Reduced coupling between components
//
// The package contains several groups of contracts:
//
// # Device Contracts
//
//   - SecureChannel: Authenticated message transport between an application
//     processor and its peripheral components (payloads capped at
//     MaxSecureMessageSize)
//   - ProvisionedIDs: Accessor for the component IDs provisioned for the
//     running deployment
//   - LED: Board status LED facade
//   - ComponentVerifier / AttestationSource: Pluggable verification and
//     attestation collection for boot and attest flows
//
// # Storage Interfaces
//
//   - StorageBackend: Represents any system that can store and retrieve content-addressed data
//   - StorageBackendFactory: Creates storage backends from URI strings
//
// # Registry Interfaces
//
//   - DeploymentRegistry: Manages a deployment's provisioned component set,
//     artifacts, storage backends, gates and identity allowlist
//   - RegistryProvider: Creates registry instances for different deployments
//
// # Key Management Interfaces
//
//   - KMS: Handles certificate signing and per-deployment key material
//   - DeviceGovernance / KMSGovernance: Attestation-derived identity
//     verification and allowlist management
//
// # Type Definitions
//
// The package defines various types used throughout the system:
//
//   - ComponentID / BusAddr: Peripheral component identity and its bus address
//   - ChannelID / Timestamp: Broadcast channel naming and frame ordering
//   - DeploymentID: 20-byte fleet deployment identity
//   - ContentID: 32-byte SHA-256 hash for content addressing
//   - DeviceIdentity: 32-byte attestation-derived device identity
//   - DevicePKI / DeviceSecrets: Key material served to registering devices
//   - TLSCSR/TLSCert: TLS certificate signing requests and certificates
//
// # Key Functions
//
// AttestationToIdentity: Converts attestation data to an identity hash based
// on the attestation type and governance implementation.
package interfaces
