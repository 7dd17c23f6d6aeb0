// Package main (cmd/httpserver) implements the registry server for the device
// provisioning system.
//
// The registry server provides HTTP endpoints for device registration with
// attestation verification, certificate issuance, and configuration
// provisioning, plus the signed admin API for managing deployments. It
// integrates with content-addressed storage backends and the deployment key
// management system.
//
// The server supports three Key Management System (KMS) arrangements:
//
//   - SimpleKMS: a straightforward implementation using a 32-byte seed for
//     deterministic key derivation. Suitable for development environments.
//
//   - ShamirKMS: the master key is split with Shamir's Secret Sharing and
//     held by administrators. In this mode, the server starts in bootstrap
//     mode first, waiting for administrators to provide their shares before
//     becoming fully operational.
//
//   - Remote KMS: key material stays in a separate KMS service and this
//     process calls its attested API. The master key never enters the
//     registry process.
//
// Deployment registries are JSON files under --registry-dir, or in-memory
// when unset. With --audit-db, every admin mutation and registration outcome
// is recorded to a sqlite audit trail.
//
// The server implements graceful shutdown on receiving termination signals
// (SIGINT/SIGTERM) and supports health checks, metrics collection, and
// optional profiling endpoints.
//
// Example usage with SimpleKMS:
//
//	registry-server --listen-addr=0.0.0.0:8080 \
//	    --registry-dir=./registries \
//	    --kms-type=simple \
//	    --simple-kms-seed=0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef
//
// Example usage with a remote KMS:
//
//	registry-server --listen-addr=0.0.0.0:8080 \
//	    --registry-dir=./registries \
//	    --audit-db=./audit.db \
//	    --kms-addr=http://kms.internal:8082
package main
