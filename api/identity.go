package api

import (
	"crypto/sha256"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// DeploymentGovernance computes deployment-scoped device identities and
// checks them against the deployment registry's allowlist. The deployment
// ID is mixed into every hash so an identity allowed in one deployment
// carries no weight in another.
type DeploymentGovernance struct {
	deploymentID interfaces.DeploymentID
	registry     interfaces.DeploymentRegistry
}

// NewDeploymentGovernance wraps a deployment registry as an
// interfaces.DeviceGovernance.
func NewDeploymentGovernance(registry interfaces.DeploymentRegistry) *DeploymentGovernance {
	return &DeploymentGovernance{
		deploymentID: registry.DeploymentID(),
		registry:     registry,
	}
}

// DCAPIdentity calculates the identity hash for a DCAP report.
func (g *DeploymentGovernance) DCAPIdentity(report interfaces.DCAPReport) (interfaces.DeviceIdentity, error) {
	data := g.deploymentID.Bytes()
	data = append(data, report.MrTd[:]...)
	data = append(data, report.RTMRs[0][:]...)
	data = append(data, report.RTMRs[1][:]...)
	data = append(data, report.RTMRs[2][:]...)

	return interfaces.DeviceIdentity(sha256.Sum256(data)), nil
}

// MAAIdentity calculates the identity hash for an MAA report from the
// boot-relevant PCRs.
func (g *DeploymentGovernance) MAAIdentity(report interfaces.MAAReport) (interfaces.DeviceIdentity, error) {
	data := g.deploymentID.Bytes()
	data = append(data, report.PCRs[4][:]...)
	data = append(data, report.PCRs[9][:]...)
	data = append(data, report.PCRs[11][:]...)

	return interfaces.DeviceIdentity(sha256.Sum256(data)), nil
}

// IdentityAllowed checks the identity against the deployment allowlist.
func (g *DeploymentGovernance) IdentityAllowed(identity interfaces.DeviceIdentity) (bool, error) {
	return g.registry.IdentityAllowed(identity)
}
