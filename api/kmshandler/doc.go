// Package kmshandler implements the HTTP server and client for the
// deployment KMS service.
//
// The KMS service holds the fleet master key and serves two kinds of
// callers. Provisioning services pull per-deployment device key material
// through the attested secrets endpoint, with their identity verified
// against the cluster governance whitelist. New KMS instances join the
// cluster through the onboard endpoint: they register an attested onboard
// request, and once their identity is whitelisted they receive the master
// key encrypted to their transport public key.
//
// Key components:
//   - Handler: serves attested secrets, public PKI, and onboarding
//   - ClusterKMS: binds a SimpleKMS to the cluster identity for onboard
//     attestation verification
//   - Client: implements interfaces.KMS against a remote KMS service, so
//     a provisioning server can run without a local master key
//
// Running the KMS behind its own governance whitelist keeps the master
// key off every provisioning server. A compromised provisioning host can
// request derivations for deployments it serves but never extract the key
// the whole fleet derives from.
package kmshandler
