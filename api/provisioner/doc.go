// Package provisioner implements the device-facing provisioning API.
//
// This package enables broadcast decoder devices to register with their
// deployment by providing attestation evidence, which is cryptographically
// verified before granting access to sensitive materials and configuration.
// It implements both the server-side handling of registration requests and
// client-side libraries for devices and tooling to interact with the
// provisioning API.
//
// # Key Components
//
//   - Handler: Processes registration requests, verifies attestation
//     evidence, obtains device secrets from the KMS, and resolves
//     configuration templates
//   - ProvisioningClient: Client implementation for devices to register
//     and retrieve deployment metadata, provisioned components, and
//     artifacts
//
// # Registration Process
//
// When a device requests registration:
//
//  1. The device submits attestation evidence (measurements) and a CSR via HTTP headers and body
//  2. The Handler verifies the attestation to compute a deployment-scoped identity for the device
//  3. The system checks if this identity is allowed in the deployment registry
//  4. If authorized, the KMS derives the device secrets bundle: device private key,
//     signed TLS certificate, and the decoder ID used as subscription associated data
//  5. The Handler processes the configuration template, resolving references and decrypting secrets
//  6. The system returns the secrets bundle, resolved configuration, artifact references,
//     and storage backend locations
//
// # Admin Signature Extension
//
// The system supports an optional admission path for devices whose identity
// is not yet allowlisted:
//
//  1. A deployment admin signs the device's CSR public key with their Ed25519 key
//  2. The public key and signature are embedded in the CSR as an X.509 extension
//     with OID cryptoutils.OIDAdminSignature
//  3. During registration, the handler verifies the signature and checks the key
//     against the deployment's registered admin keys
//  4. Registration proceeds if the admin key is registered, even when the device
//     identity is absent from the allowlist
//
// This admission path covers first-boot provisioning of new hardware batches
// before their measurements are added to the allowlist.
//
// # Configuration Template Processing
//
// The Handler resolves two types of references in configuration templates:
//
//   - Config references (format: __CONFIG_REF_<hash>) - Replaced with content from storage
//   - Secret references (format: __SECRET_REF_<hash>) - Replaced with decrypted secret content
//
// Secrets are pre-encrypted to the deployment public key and only decrypted
// during provisioning for authorized devices.
//
// # Usage Example
//
//	// Create a provisioning client
//	client := &provisioner.ProvisioningClient{
//		ServerAddr: "https://provisioning.example.com:8080",
//	}
//
//	// Register with attestation evidence (headers set automatically in production)
//	resp, err := client.Register(deploymentID, csrBytes)
//	if err != nil {
//		log.Fatalf("Registration failed: %v", err)
//	}
//
//	// Use the returned materials
//	tlsCert := resp.DeviceSecrets.TLSCert
//	decoderID := resp.DeviceSecrets.DecoderID
//	deviceConfig := resp.Config
package provisioner
