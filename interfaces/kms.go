package interfaces

import "crypto/sha256"

// DevicePKI carries the public PKI material for a deployment: the CA
// devices verify their provisioning service against, the deployment
// public key, and an attestation over both.
type DevicePKI struct {
	CA          CACert       `json:"ca"`
	Pubkey      DevicePubkey `json:"pubkey"`
	Attestation Attestation  `json:"attestation"`
}

// ReportData generates expected attestation report data for a PKI bundle.
func (p *DevicePKI) ReportData(deploymentID DeploymentID) [64]byte {
	var expectedReportData [64]byte
	certsHash := sha256.Sum256(append(p.CA, p.Pubkey...))
	copy(expectedReportData[:20], deploymentID[:])
	copy(expectedReportData[20:], certsHash[:])
	return expectedReportData
}

// KMS handles cryptographic operations for fleet deployments.
type KMS interface {
	// GetPKI retrieves the deployment CA certificate, public key, and attestation.
	GetPKI(deploymentID DeploymentID) (DevicePKI, error)

	// DeviceSecrets provides all cryptographic materials for a registering device.
	DeviceSecrets(DeploymentID, TLSCSR) (*DeviceSecrets, error)
}
