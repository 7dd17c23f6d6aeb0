/*
Package clients provides client libraries for the provisioning backend APIs.

The package implements authenticated clients for the registry admin API and
the KMS bootstrap API, handling request signing, response parsing, and share
cryptography.

# Client Types

The package provides two main client types:

1. RegistryAdminClient - deployment administration over the admin API
2. AdminShareClient - share distribution and recovery over the bootstrap API

# RegistryAdminClient Features

RegistryAdminClient signs every request with the operator's Ed25519 key and
covers the full admin surface:

- CreateDeployment - register a deployment with its initial admin key
- AllowIdentity / RevokeIdentity - manage the device identity allowlist
- AddComponent / RemoveComponent / ReplaceComponent - track provisioned components
- UploadArtifact - publish deployment artifacts to configured storage
- AddStorageBackend / RemoveStorageBackend - manage artifact storage
- SetGate - configure named gate secrets
- AddAdminKey - authorize additional admin keys

# AdminShareClient Features

AdminShareClient handles the Shamir share lifecycle for one administrator:

- GetStatus - query the bootstrap state machine
- InitGenerate - trigger master key generation and share distribution
- InitRecover - switch the server into recovery mode
- GetShare - retrieve and decrypt this admin's share
- SubmitShare - sign and submit a share during recovery
- WaitForCompletion - poll until bootstrap completes

# Security Model

RegistryAdminClient signs sha256(path || body) with Ed25519 and sends the
public key alongside the signature; the server checks the key against the
deployment's registered admin keys. AdminShareClient signs the same digest
with ECDSA P-256, which also serves as the decryption key for the ECIES
encrypted share.

# Example Usage

	// Administer a deployment.
	adminClient := clients.NewRegistryAdminClient(
	    "https://registry.example.com:8080",
	    adminKey,
	)
	err := adminClient.CreateDeployment(deploymentID)

	// Retrieve a bootstrap share.
	shareClient := clients.NewAdminShareClient(
	    "https://registry.example.com:8081/admin",
	    "admin-1",
	    privateKey,
	)
	shareIndex, shareData, err := shareClient.GetShare()
*/
package clients
