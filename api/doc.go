/*
Package api defines the HTTP surface of the device provisioning backend:
shared request and response types, admin request signing, and the
deployment-scoped identity governance used by the handler subpackages.

The handlers and clients live in subpackages:

1. provisioner - device registration, metadata, and artifact serving
2. adminapi - deployment administration (identities, components, artifacts, gates)
3. kmshandler - KMS service: attested secrets, public PKI, cluster onboarding
4. shamirkms - master key bootstrap with Shamir's Secret Sharing
5. clients - admin and share-holder client libraries

# System Components

The provisioning backend works with the following components:

- KMS: derives per-deployment key material from the fleet master key
- StorageBackend: content-addressed storage for artifacts and secrets
- DeploymentRegistry: per-deployment identities, components, and artifacts
- Devices: embedded decoders registering for deployment credentials

# Key Functionality

- Device registration with attestation evidence verification
- TLS certificate issuance against the deployment CA
- Firmware, configuration, and subscription artifact distribution
- Post-provisioning component gating with signed admin requests
- Master key bootstrap and recovery via Shamir's Secret Sharing

# Security Model

Devices authenticate with attestation evidence carried by the fronting
transport; identities derived from the evidence are checked against
per-deployment allowlists. Admin mutations require an Ed25519 signature
over the request path and body, verified against root or deployment admin
keys. Master key shares only ever travel encrypted to registered admin
keys.

The API splits into a device-facing surface (registration, metadata,
artifacts) and an admin surface (deployment management, KMS bootstrap).
See the subpackages for endpoint details.
*/
package api
