package emulator

import (
	"bytes"
	"encoding/hex"

	"github.com/perimeterlabs/device-provisioning-backend/component"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
)

// Gate secrets provisioned by the bundled fixture. Printed at startup so
// a fresh emulation is immediately operable.
const (
	DefaultPIN   = "123456"
	DefaultToken = "0123456789abcdef"
)

// DefaultDeployment returns a ready-to-run fixture: two components, one
// subscribable channel and known gate secrets. Used when no deployment
// file is given, so local development needs zero setup.
func DefaultDeployment() *Deployment {
	key := bytes.Repeat([]byte{0x42}, 32)
	d := &Deployment{
		DeploymentID: "000000000000000000000000000000000000e001",
		MasterKey:    hex.EncodeToString(key),
		DecoderID:    "0xdec0de01",
		AP: APSettings{
			BootMessage: "Application processor online",
		},
		Components: []ComponentSettings{
			{
				ID:          "0x11111124",
				BootMessage: "Component one online",
				Attestation: component.AttestationData{
					Location: "lab-1",
					Date:     "2025-01-01",
					Customer: "emulation",
				},
			},
			{
				ID:          "0x11111125",
				BootMessage: "Component two online",
				Attestation: component.AttestationData{
					Location: "lab-2",
					Date:     "2025-01-02",
					Customer: "emulation",
				},
			},
		},
		Channels: []ChannelWindow{
			{Channel: 1, Start: 0, End: 1_000_000},
		},
	}

	k, err := kms.NewSimpleKMS(key)
	if err != nil {
		panic(err)
	}
	depID, err := d.deploymentID()
	if err != nil {
		panic(err)
	}
	d.AP.TokenHash = hex.EncodeToString(
		cryptoutils.HashGateSecret([]byte(DefaultToken), k.GateSalt(depID, gateToken)))
	d.AP.PINHash = hex.EncodeToString(
		cryptoutils.HashGateSecret([]byte(DefaultPIN), k.GateSalt(depID, gatePIN)))
	return d
}
