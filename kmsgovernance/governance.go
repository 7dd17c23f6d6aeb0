package kmsgovernance

import (
	"crypto/sha256"
	"errors"
	"slices"
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

var (
	// ErrRequestNotFound is returned when no onboard request exists for an identity.
	ErrRequestNotFound = errors.New("onboard request not found")

	// ErrIdentityNotAllowed rejects onboard requests from identities outside the whitelist.
	ErrIdentityNotAllowed = errors.New("identity not whitelisted")
)

// KMSGovernanceImpl is the in-memory governance backing a KMS cluster. It
// keeps the identity whitelist, pending onboard requests, the published PKI
// bundle, and the domain names running instances can be reached at.
//
// All methods are safe for concurrent use; the admin API and the bootstrap
// poller share one instance.
type KMSGovernanceImpl struct {
	mu                    sync.RWMutex
	kmsID                 interfaces.DeploymentID
	pki                   interfaces.DevicePKI
	whitelistedIdentities map[interfaces.DeviceIdentity]bool
	onboardRequests       map[interfaces.DeviceIdentity]interfaces.OnboardRequest
	domains               []string
}

// NewKMSGovernance creates governance state for the KMS cluster identified
// by kmsID. The identifier is mixed into every identity hash so two
// clusters never accept each other's whitelists.
func NewKMSGovernance(kmsID interfaces.DeploymentID) *KMSGovernanceImpl {
	return &KMSGovernanceImpl{
		kmsID:                 kmsID,
		whitelistedIdentities: make(map[interfaces.DeviceIdentity]bool),
		onboardRequests:       make(map[interfaces.DeviceIdentity]interfaces.OnboardRequest),
	}
}

// DCAPIdentity calculates the identity hash for a DCAP report. The hash
// covers the TD measurement and the runtime-extendable registers that
// capture the boot chain.
func (g *KMSGovernanceImpl) DCAPIdentity(report interfaces.DCAPReport) (interfaces.DeviceIdentity, error) {
	data := g.kmsID.Bytes()
	data = append(data, report.MrTd[:]...)
	data = append(data, report.RTMRs[0][:]...)
	data = append(data, report.RTMRs[1][:]...)
	data = append(data, report.RTMRs[2][:]...)

	return interfaces.DeviceIdentity(sha256.Sum256(data)), nil
}

// MAAIdentity calculates the identity hash for an MAA report from the
// boot-relevant PCRs.
func (g *KMSGovernanceImpl) MAAIdentity(report interfaces.MAAReport) (interfaces.DeviceIdentity, error) {
	data := g.kmsID.Bytes()
	data = append(data, report.PCRs[4][:]...)
	data = append(data, report.PCRs[9][:]...)
	data = append(data, report.PCRs[11][:]...)

	return interfaces.DeviceIdentity(sha256.Sum256(data)), nil
}

// IdentityAllowed checks if an identity is authorized.
func (g *KMSGovernanceImpl) IdentityAllowed(identity interfaces.DeviceIdentity) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.whitelistedIdentities[identity], nil
}

// WhitelistIdentity adds an identity hash to the whitelist.
func (g *KMSGovernanceImpl) WhitelistIdentity(identity interfaces.DeviceIdentity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.whitelistedIdentities[identity] = true
	return nil
}

// RemoveWhitelistedIdentity removes an identity from the whitelist.
func (g *KMSGovernanceImpl) RemoveWhitelistedIdentity(identity interfaces.DeviceIdentity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.whitelistedIdentities, identity)
	return nil
}

// WhitelistDCAP computes the identity for a DCAP report and whitelists it.
func (g *KMSGovernanceImpl) WhitelistDCAP(report interfaces.DCAPReport) (interfaces.DeviceIdentity, error) {
	identity, err := g.DCAPIdentity(report)
	if err != nil {
		return interfaces.DeviceIdentity{}, err
	}
	return identity, g.WhitelistIdentity(identity)
}

// WhitelistMAA computes the identity for an MAA report and whitelists it.
func (g *KMSGovernanceImpl) WhitelistMAA(report interfaces.MAAReport) (interfaces.DeviceIdentity, error) {
	identity, err := g.MAAIdentity(report)
	if err != nil {
		return interfaces.DeviceIdentity{}, err
	}
	return identity, g.WhitelistIdentity(identity)
}

// RequestOnboard stores an onboarding request for a new KMS instance,
// keyed by the requester identity. An existing unlocked instance later
// fetches the request, verifies the attestation, and responds with the
// encrypted master key.
func (g *KMSGovernanceImpl) RequestOnboard(request interfaces.OnboardRequest) error {
	if err := request.Pubkey.Validate(); err != nil {
		return err
	}
	if len(request.Attestation) == 0 {
		return errors.New("onboard request missing attestation")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.onboardRequests[request.Identity] = request
	return nil
}

// FetchOnboardRequest retrieves an onboarding request by requester identity.
func (g *KMSGovernanceImpl) FetchOnboardRequest(identity interfaces.DeviceIdentity) (interfaces.OnboardRequest, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	request, exists := g.onboardRequests[identity]
	if !exists {
		return interfaces.OnboardRequest{}, ErrRequestNotFound
	}
	return request, nil
}

// CompleteOnboard attaches the encrypted master key to a pending request.
func (g *KMSGovernanceImpl) CompleteOnboard(identity interfaces.DeviceIdentity, encryptedKey []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	request, exists := g.onboardRequests[identity]
	if !exists {
		return ErrRequestNotFound
	}
	request.EncryptedKey = encryptedKey
	g.onboardRequests[identity] = request
	return nil
}

// PKI retrieves the published KMS PKI information.
func (g *KMSGovernanceImpl) PKI() (interfaces.DevicePKI, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pki, nil
}

// SetPKI publishes the KMS PKI bundle.
func (g *KMSGovernanceImpl) SetPKI(pki interfaces.DevicePKI) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pki = pki
	return nil
}

// InstanceDomainNames returns the domain names of registered KMS instances.
// Bootstrap uses these to locate a peer to onboard from.
func (g *KMSGovernanceImpl) InstanceDomainNames() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.domains), nil
}

// RegisterInstanceDomainName adds a domain name for a running instance.
func (g *KMSGovernanceImpl) RegisterInstanceDomainName(domain string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if slices.Contains(g.domains, domain) {
		return nil
	}
	g.domains = append(g.domains, domain)
	return nil
}
