package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and
// manages multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a new factory instance that can create
// storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

// WithTLSAuth returns a factory whose backends authenticate with the
// client certificate the callback resolves. Vault backends require it, the
// other schemes ignore it. The callback runs lazily when a backend needing
// the certificate is created.
func (sf *StorageBackendFactory) WithTLSAuth(certFn func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{
		log:     sf.log,
		tlsAuth: certFn,
	}
}

// StorageBackendFor creates a storage backend from a parsed location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS distributed storage
//   - github:// - Read-only storage using GitHub's Git blob API
//   - vault:// - HashiCorp Vault KV store with TLS client authentication
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(location.Scheme) {
	case "github":
		return sf.createGitHubBackend(location)
	case "ipfs":
		return sf.createIPFSBackend(location)
	case "s3":
		return sf.createS3Backend(location)
	case "file":
		return sf.createFileBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of
// location URIs. The multi-backend aggregates all valid backends, storing
// content to every available one and fetching from the first that has the
// content. Returns an error if no valid backends could be created from the
// provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createGitHubBackend creates a read-only GitHub storage backend.
// URI format: github://owner/repo
func (sf *StorageBackendFactory) createGitHubBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", location.String()))

	owner := location.Host
	repo := strings.Trim(location.Path, "/")
	if owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: expected github://owner/repo", interfaces.ErrInvalidLocationURI)
	}

	return NewGitHubBackend(owner, repo, sf.log), nil
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/?gateway=true&timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", location.String()))

	host, port, ok := strings.Cut(location.Host, ":")
	if !ok {
		host = location.Host
		port = "5001" // Default IPFS API port
	}

	useGateway := location.GetParamBool("gateway")

	timeout := location.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSBackend(host, port, useGateway, timeout, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// The backend supports both public buckets (read-only) and authenticated access.
func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", location.String()))

	bucketName := location.Host
	prefix := strings.TrimPrefix(location.Path, "/")

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1" // Default region
	}

	endpoint := location.GetParam("endpoint")

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
		sf.log.Debug("Using embedded credentials for write access")
	} else {
		sf.log.Debug("No credentials provided, S3 bucket assumed to be public, write operations may fail")
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	return NewFileBackend(path, sf.log)
}

// createVaultBackend creates a HashiCorp Vault storage backend.
// URI format: vault://host:port/mount/data-path
// Requires a TLS client certificate configured through WithTLSAuth.
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", location.String()))

	if sf.tlsAuth == nil {
		return nil, fmt.Errorf("vault backend requires TLS client authentication")
	}

	clientCert, err := sf.tlsAuth()
	if err != nil {
		return nil, fmt.Errorf("resolving TLS client certificate: %w", err)
	}

	mountPath, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	if dataPath == "" {
		dataPath = "provisioning"
	}

	address := fmt.Sprintf("https://%s", location.Host)
	return NewVaultBackend(address, mountPath, dataPath, clientCert, sf.log)
}
