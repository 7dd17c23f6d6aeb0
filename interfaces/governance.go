package interfaces

import (
	"encoding/hex"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
)

// OnboardRequest asks an existing KMS instance to hand the master key to a
// new one. The encrypted key is the master key sealed to the requester's
// transport public key.
type OnboardRequest struct {
	Pubkey       DevicePubkey   `json:"pubkey"`
	Identity     DeviceIdentity `json:"identity"`
	Attestation  Attestation    `json:"attestation"`
	EncryptedKey []byte         `json:"encrypted_key,omitempty"`
}

// DeviceGovernance handles device identity verification through attestation.
type DeviceGovernance interface {
	// DCAPIdentity calculates identity hash for a DCAP report.
	DCAPIdentity(report DCAPReport) (DeviceIdentity, error)

	// MAAIdentity calculates identity hash for an MAA report.
	MAAIdentity(report MAAReport) (DeviceIdentity, error)

	// IdentityAllowed checks if an identity is authorized.
	IdentityAllowed(identity DeviceIdentity) (bool, error)
}

// KMSGovernance extends DeviceGovernance with KMS management operations.
type KMSGovernance interface {
	DeviceGovernance

	// PKI retrieves the governed deployment's PKI information.
	PKI() (DevicePKI, error)

	// WhitelistIdentity adds an identity hash to the whitelist.
	WhitelistIdentity(DeviceIdentity) error

	// RemoveWhitelistedIdentity removes an identity from the whitelist.
	RemoveWhitelistedIdentity(DeviceIdentity) error

	// RequestOnboard submits an onboarding request for a new KMS instance.
	RequestOnboard(OnboardRequest) error

	// FetchOnboardRequest retrieves an onboarding request by requester identity.
	FetchOnboardRequest(DeviceIdentity) (OnboardRequest, error)
}

// AttestationToIdentity converts attestation data to an identity hash.
func AttestationToIdentity(attestationType cryptoutils.AttestationType, measurements map[int]string, governance DeviceGovernance) (DeviceIdentity, error) {
	switch attestationType.StringID {
	case cryptoutils.MAAAttestation.StringID:
		// For MAA the measurements are the hex-encoded PCR values
		maaReport := &MAAReport{}
		for i, v := range measurements {
			if i < 0 || i >= len(maaReport.PCRs) {
				return DeviceIdentity{}, fmt.Errorf("invalid MAA pcr index %d", i)
			}
			pcr, err := hex.DecodeString(v)
			if err != nil {
				return DeviceIdentity{}, fmt.Errorf("could not decode pcr %d measurement value %s: %w", i, v, err)
			}
			if len(pcr) != 32 {
				return DeviceIdentity{}, fmt.Errorf("invalid MAA measurement value %x for pcr %d", pcr, i)
			}
			copy(maaReport.PCRs[i][:], pcr)
		}
		identity, err := governance.MAAIdentity(*maaReport)
		return identity, err
	case cryptoutils.DCAPAttestation.StringID, cryptoutils.DummyAttestation.StringID:
		// For DCAP the measurements are the hex-encoded MRTD and RTMRs
		dcapReport, err := DCAPReportFromMeasurement(measurements)
		if err != nil {
			return DeviceIdentity{}, err
		}
		identity, err := governance.DCAPIdentity(*dcapReport)
		return identity, err
	default:
		return DeviceIdentity{}, fmt.Errorf("unsupported attestation type: %s", attestationType.StringID)
	}
}
