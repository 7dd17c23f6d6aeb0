// Package kms provides key management services for device fleets.
//
// The KMS manages cryptographic keys, certificates, and attestations for
// provisioned devices, and is the single source of every deployment's
// broadcast secrets. It implements the interfaces.KMS interface:
//
//	// KMS handles cryptographic operations for fleet deployments.
//	type KMS interface {
//	    // GetPKI retrieves the deployment CA certificate, public key, and attestation.
//	    GetPKI(deploymentID DeploymentID) (DevicePKI, error)
//
//	    // DeviceSecrets provides all cryptographic materials for a registering device.
//	    DeviceSecrets(DeploymentID, TLSCSR) (*DeviceSecrets, error)
//	}
//
// The package includes these implementations:
//
// # SimpleKMS
//
// A basic implementation that derives keys deterministically from a master
// key. Suitable for development and single-operator fleets, it ensures
// consistent key generation across service restarts.
//
// # ShamirKMS
//
// An enhanced implementation using Shamir's Secret Sharing for secure
// master key management. The master key is split into shares, distributed
// to administrators, and never stored in persistent storage. It requires a
// threshold number of authorized administrators to submit their shares to
// reconstruct the master key.
//
// ## Master Key Protection
//
// The ShamirKMS protects the master key through several mechanisms:
//
//   - Split into N shares, requiring M (threshold) shares to reconstruct
//   - Original master key securely erased after splitting
//   - Each share distributed to a different administrator
//   - Shares cryptographically signed by administrators' private keys
//   - Reconstructed key exists only in memory, never written to persistent storage
//
// This ensures that no single administrator can compromise the master key
// and recovery requires cooperation of multiple authorized administrators.
//
// # Key Derivation
//
// All material is derived as sha256(masterKey || deploymentID || inputs ||
// tag) and expanded into the key type the tag calls for:
//
//   - "ca" and "device": P-256 keys for the deployment CA and the shared
//     device transport key
//   - "sign": Ed25519 key pair signing every sealed broadcast payload
//   - "channel": per-channel frame keytree roots
//   - "subscribe": the key subscription payloads are sealed under
//   - "gate": salts for hashing access-port unlock secrets
//   - "decoder": stable per-device decoder identifiers
//
// # Secret Management
//
// The deployment public key pre-encrypts secrets before they reach
// storage, and the device private key decrypts them from configuration
// templates. Asymmetric encryption ensures secrets can only be decrypted
// by registered devices.
//
// # Usage Example: SimpleKMS
//
//	// Create a SimpleKMS with a secure master key
//	masterKey := make([]byte, 32)
//	rand.Read(masterKey)
//	simpleKMS, err := kms.NewSimpleKMS(masterKey)
//	if err != nil {
//	    log.Fatalf("Failed to create KMS: %v", err)
//	}
//
//	// Get PKI information for a deployment
//	var deploymentID interfaces.DeploymentID
//	// ... set deployment ID
//	pki, err := simpleKMS.GetPKI(deploymentID)
//
//	// Get all cryptographic materials for a device
//	csr := // ... prepare certificate signing request
//	deviceSecrets, err := simpleKMS.DeviceSecrets(deploymentID, csr)
//	if err != nil {
//	    log.Fatalf("Failed to get device secrets: %v", err)
//	}
//	// Use the returned materials
//	privKey := deviceSecrets.DevicePrivkey
//	tlsCert := deviceSecrets.TLSCert
package kms
