// Package kmsgovernance controls which instances can interact with the Key
// Management System.
//
// Governance maintains a whitelist of approved identities derived from
// attestation evidence, pending onboard requests from new KMS instances,
// the published PKI bundle, and the domain names running instances can be
// reached at for bootstrap.
//
// The implementation satisfies the interfaces.KMSGovernance interface:
//
//	// Identity computation and verification
//	func (g *KMSGovernanceImpl) DCAPIdentity(report interfaces.DCAPReport) (interfaces.DeviceIdentity, error)
//	func (g *KMSGovernanceImpl) MAAIdentity(report interfaces.MAAReport) (interfaces.DeviceIdentity, error)
//	func (g *KMSGovernanceImpl) IdentityAllowed(identity interfaces.DeviceIdentity) (bool, error)
//
//	// Whitelist management
//	func (g *KMSGovernanceImpl) WhitelistIdentity(identity interfaces.DeviceIdentity) error
//	func (g *KMSGovernanceImpl) RemoveWhitelistedIdentity(identity interfaces.DeviceIdentity) error
//
//	// Master key onboarding for new instances
//	func (g *KMSGovernanceImpl) RequestOnboard(request interfaces.OnboardRequest) error
//	func (g *KMSGovernanceImpl) FetchOnboardRequest(identity interfaces.DeviceIdentity) (interfaces.OnboardRequest, error)
//
// Identity hashes mix in the governed cluster's deployment ID, so a
// whitelist entry for one cluster never authorizes an instance against
// another.
//
// Example usage:
//
//	governance := kmsgovernance.NewKMSGovernance(kmsID)
//
//	// Whitelist the measurement an approved build produces
//	identity, err := governance.WhitelistDCAP(report)
//
//	// Later, during provisioning
//	allowed, err := governance.IdentityAllowed(identity)
package kmsgovernance
