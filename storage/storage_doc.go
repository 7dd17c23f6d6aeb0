// Package storage provides a content-addressed storage system with pluggable backends.
//
// The storage package offers a unified interface for storing and retrieving content
// identified by SHA-256 hash across multiple storage backends:
//
//   - File system storage for local development and testing
//   - S3-compatible storage for cloud deployments
//   - IPFS storage for decentralized content
//   - GitHub repositories for read-only artifact distribution
//   - HashiCorp Vault for secret material, authenticated by device TLS certificates
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/provisioning/artifacts/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - github://owner/repo?branch=main
//   - vault://vault.example.com:8200/secret/provisioning
//
// # Content Addressing
//
// Content is stored and retrieved using content addressing, where the content
// identifier is the SHA-256 hash of the data. Every backend re-hashes fetched
// data and refuses to return content whose hash does not match the requested
// identifier, so a corrupted or tampered backend cannot serve wrong bytes.
// Different content types (configs, secrets, subscriptions and firmware)
// are stored in separate namespaces.
//
// # Types and Interfaces
//
// ContentID represents a unique identifier for any content in the system:
//
//	type ContentID [32]byte
//
// ContentType indicates what kind of content is being stored/retrieved:
//
//	type ContentType int
//
//	const (
//	    ConfigType ContentType = iota
//	    SecretType
//	    SubscriptionType
//	    FirmwareType
//	)
//
// The StorageBackend interface defines operations all backends must implement:
//
//	type StorageBackend interface {
//	    Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
//	    Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
//	    Available(ctx context.Context) bool
//	    Name() string
//	    LocationURI() string
//	}
//
// # Multi-Backend Replication
//
// The MultiStorageBackend aggregates several backends behind the single
// StorageBackend interface. Fetch returns the content from the first backend
// that has it, skipping unavailable ones. Store writes to every available
// backend and reports success if at least one write went through. Because
// identifiers are content hashes, replicas can disagree only by being absent,
// never by holding different data under the same ID.
//
// # Usage Example
//
// Creating a storage backend from a URI:
//
//	factory := storage.NewStorageBackendFactory(logger)
//	location, err := interfaces.NewStorageBackendLocation("file:///var/lib/provisioning/artifacts/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	backend, err := factory.StorageBackendFor(location)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Store content
//	id, err := backend.Store(ctx, data, interfaces.FirmwareType)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Retrieve content
//	data, err := backend.Fetch(ctx, id, interfaces.FirmwareType)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Vault backends require client TLS credentials and are only constructed
// through a factory configured with WithTLSAuth:
//
//	backend, err := factory.WithTLSAuth(certFn).CreateMultiBackend(locations)
package storage
