package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
)

type TLSCSR = cryptoutils.TLSCSR
type TLSCert = cryptoutils.TLSCert
type CACert = cryptoutils.CACert
type DevicePubkey = cryptoutils.DevicePubkey
type DevicePrivkey = cryptoutils.DevicePrivkey

// Attestation represents a cryptographic attestation of identity.
type Attestation []byte

// InstanceConfig is a device configuration document with all template
// references resolved.
type InstanceConfig []byte

// ComponentID identifies a peripheral component within a deployment.
// The low byte doubles as the component's bus address.
type ComponentID uint32

// NewComponentIDFromHex parses a component ID from hex, with or without the
// 0x prefix. Short forms are accepted and zero-extended.
func NewComponentIDFromHex(s string) (ComponentID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) == 0 || len(clean) > 8 {
		return 0, fmt.Errorf("invalid component id %q", s)
	}
	id, err := strconv.ParseUint(clean, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid component id %q: %w", s, err)
	}
	return ComponentID(id), nil
}

// String renders the canonical form used in operator output.
func (id ComponentID) String() string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// BusAddr returns the component's address on the shared bus.
func (id ComponentID) BusAddr() BusAddr {
	return BusAddr(id & 0xFF)
}

// BusAddr is an address on the shared 7-bit peripheral bus.
type BusAddr uint8

// String returns the conventional hex rendering of a bus address.
func (a BusAddr) String() string {
	return fmt.Sprintf("0x%02x", uint8(a))
}

// ChannelID identifies a broadcast channel. Channel 0 is the emergency
// broadcast channel: always decodable, never subscribable.
type ChannelID uint32

// EmergencyChannel is decodable by every device without a subscription.
const EmergencyChannel ChannelID = 0

// IsEmergency reports whether this is the always-on emergency channel.
func (c ChannelID) IsEmergency() bool {
	return c == EmergencyChannel
}

// Timestamp is a 64-bit frame timestamp. Decoders enforce strict
// monotonicity across all decoded frames.
type Timestamp uint64

// DeploymentID identifies a fleet deployment.
type DeploymentID [20]byte

// NewDeploymentIDFromBytes creates a deployment ID from a raw byte slice.
func NewDeploymentIDFromBytes(id []byte) (DeploymentID, error) {
	if len(id) != 20 {
		return DeploymentID{}, errors.New("invalid deployment ID length: must be 20 bytes")
	}

	var res DeploymentID
	copy(res[:], id)
	return res, nil
}

func NewDeploymentIDFromHex(id string) (DeploymentID, error) {
	// Remove 0x prefix if present
	clean := strings.TrimPrefix(id, "0x")
	if len(clean) != 40 {
		return DeploymentID{}, errors.New("invalid deployment ID length: hex string must be 40 characters")
	}

	// Validate hex format
	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return DeploymentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewDeploymentIDFromBytes(idBytes)
}

// String returns the hex string representation of the deployment ID.
func (id DeploymentID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 20-byte identifier.
func (id DeploymentID) Bytes() []byte {
	return id[:]
}

// Equal compares two deployment IDs for equality.
func (id DeploymentID) Equal(other DeploymentID) bool {
	return id == other
}

// DeviceCommonName represents a common name for device certificates.
type DeviceCommonName string

// NewDeviceCommonName derives the certificate common name for a deployment.
func NewDeviceCommonName(id DeploymentID) DeviceCommonName {
	return DeviceCommonName(id.String() + ".device")
}

// String returns the common name as a string.
func (name DeviceCommonName) String() string {
	return string(name)
}

// DeploymentID recovers the deployment the common name was issued for.
func (name DeviceCommonName) DeploymentID() (DeploymentID, error) {
	if len(name) != 47 || !strings.HasSuffix(string(name), ".device") {
		return DeploymentID{}, errors.New("invalid device cn")
	}
	return NewDeploymentIDFromHex(string(name[:40]))
}

// Validate checks if the common name has a valid format.
func (name DeviceCommonName) Validate() error {
	_, err := name.DeploymentID()
	return err
}

// ServiceDomainName represents a domain name for a provisioning service endpoint.
type ServiceDomainName string

// NewServiceDomainName creates a new domain name with validation.
func NewServiceDomainName(domain string) (ServiceDomainName, error) {
	// Basic domain name validation (simplified version)
	domainRegex := regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+([a-zA-Z]{2,}|$|:[0-9]{2,6}$)?`)
	if !domainRegex.MatchString(domain) {
		return ServiceDomainName(""), errors.New("invalid domain name format")
	}

	return ServiceDomainName(domain), nil
}

// String returns the domain name as a string.
func (name ServiceDomainName) String() string {
	return string(name)
}

// Validate checks if the domain name has a valid format.
func (name ServiceDomainName) Validate() error {
	_, err := NewServiceDomainName(string(name))
	return err
}

// DeviceIdentity is the hash identity of an attested device, used as the
// key into governance allowlists.
type DeviceIdentity [32]byte

// String returns hex representation.
func (id DeviceIdentity) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte identity.
func (id DeviceIdentity) Bytes() []byte {
	return id[:]
}

// DCAPReport represents a DCAP attestation report.
// It contains measurement registers that uniquely identify a TEE instance.
type DCAPReport struct {
	MrTd          [48]byte
	RTMRs         [4][48]byte
	MrOwner       [48]byte
	MrConfigId    [48]byte
	MrConfigOwner [48]byte
}

func DCAPReportFromMeasurement(measurements map[int]string) (*DCAPReport, error) {
	dcapReport := &DCAPReport{}

	mrtdHex, ok := measurements[0]
	if !ok {
		return nil, fmt.Errorf("mrtd missing")
	}
	mrtd, err := hex.DecodeString(mrtdHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode mrtd measurement value %x: %w", mrtdHex, err)
	}
	if len(mrtd) != 48 {
		return nil, fmt.Errorf("invalid mrtd measurement value %x", mrtd)
	}

	copy(dcapReport.MrTd[:], mrtd)

	for rtmr := 0; rtmr < 3; rtmr += 1 {
		rtmrHex, ok := measurements[1+rtmr]
		if !ok {
			return nil, fmt.Errorf("rtmr %d missing", rtmr)
		}
		rtmrBytes, err := hex.DecodeString(rtmrHex)
		if err != nil {
			return nil, fmt.Errorf("could not decode rtmr %d measurement value %x: %w", rtmr, rtmrHex, err)
		}
		if len(rtmrBytes) != 48 {
			return nil, fmt.Errorf("invalid rtmr %d value %x", rtmr, rtmrBytes)
		}
		copy(dcapReport.RTMRs[rtmr][:], rtmrBytes)
	}
	return dcapReport, nil
}

// MAAReport represents an Azure MAA attestation report as PCR values.
type MAAReport struct {
	PCRs [24][32]byte
}

// DeviceSecrets bundles the cryptographic material a device receives when
// it registers with its deployment.
type DeviceSecrets struct {
	DevicePrivkey DevicePrivkey `json:"device_privkey"`
	TLSCert       TLSCert       `json:"tls_cert"`
	DecoderID     uint32        `json:"decoder_id"`
	Attestation   Attestation   `json:"attestation"`
}

// ReportData binds the secrets bundle to the deployment for attestation
// verification.
func (s *DeviceSecrets) ReportData(deploymentID DeploymentID) [64]byte {
	var reportData [64]byte
	decoderID := []byte{byte(s.DecoderID), byte(s.DecoderID >> 8), byte(s.DecoderID >> 16), byte(s.DecoderID >> 24)}
	secretsHash := sha256.Sum256(append(decoderID, append(s.TLSCert, s.DevicePrivkey...)...))
	copy(reportData[:20], deploymentID[:])
	copy(reportData[20:], secretsHash[:])
	return reportData
}
