package deviceutils

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/deviceutils/serviceresolver"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// ServiceResolver resolves a service domain name to endpoints.
// *serviceresolver.Resolver is the DNS implementation.
type ServiceResolver interface {
	ResolveService(name string) ([]serviceresolver.HostPort, error)
}

// ServiceDirectory resolves the reachable endpoints of deployment
// provisioning services. Deployment metadata names the service domains;
// DNS gives the endpoints behind each domain. Resolved endpoint lists are
// cached to keep re-registration and artifact polling off the resolver.
type ServiceDirectory struct {
	metadata api.MetadataProvider
	resolver ServiceResolver

	endpointCache     map[string]directoryCacheEntry
	endpointCacheLock sync.RWMutex

	cacheTTL time.Duration
	log      *slog.Logger
}

type directoryCacheEntry struct {
	endpoints []serviceresolver.HostPort
	expiry    time.Time
}

// NewServiceDirectory creates a directory over the given metadata source
// and resolver. A zero cacheTTL defaults to 5 minutes.
func NewServiceDirectory(metadata api.MetadataProvider, resolver ServiceResolver, cacheTTL time.Duration, log *slog.Logger) *ServiceDirectory {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	return &ServiceDirectory{
		metadata:      metadata,
		resolver:      resolver,
		endpointCache: make(map[string]directoryCacheEntry),
		cacheTTL:      cacheTTL,
		log:           log,
	}
}

// Metadata retrieves the deployment's PKI material and service domains.
func (d *ServiceDirectory) Metadata(deployment interfaces.DeploymentID) (*api.MetadataResponse, error) {
	return d.metadata.GetDeploymentMetadata(deployment)
}

// Endpoints resolves the deployment's service domains to host:port
// endpoints. Domains that fail to resolve are skipped; at least one
// endpoint must resolve.
func (d *ServiceDirectory) Endpoints(deployment interfaces.DeploymentID) ([]serviceresolver.HostPort, error) {
	key := deployment.String()

	d.endpointCacheLock.RLock()
	entry, ok := d.endpointCache[key]
	d.endpointCacheLock.RUnlock()
	if ok && time.Now().Before(entry.expiry) {
		return entry.endpoints, nil
	}

	metadata, err := d.metadata.GetDeploymentMetadata(deployment)
	if err != nil {
		return nil, fmt.Errorf("could not fetch deployment metadata: %w", err)
	}

	endpoints := []serviceresolver.HostPort{}
	for _, domain := range metadata.DomainNames {
		resolved, err := d.resolver.ResolveService(string(domain))
		if err != nil {
			d.log.Debug("domain resolution failed", "deployment", key, "domain", string(domain), "err", err)
			continue
		}
		endpoints = append(endpoints, resolved...)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no reachable endpoints for deployment %s", key)
	}

	d.endpointCacheLock.Lock()
	d.endpointCache[key] = directoryCacheEntry{
		endpoints: endpoints,
		expiry:    time.Now().Add(d.cacheTTL),
	}
	d.endpointCacheLock.Unlock()

	return endpoints, nil
}
