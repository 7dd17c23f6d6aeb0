package emulator

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/component"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Deployment is the emulation fixture: one YAML file carrying everything
// a whole deployment needs to run in a single process. It holds the
// master key in the clear, which is exactly as unsafe as it sounds and
// fine for an emulation.
type Deployment struct {
	// DeploymentID is the fleet identifier, 40 hex characters.
	DeploymentID string `yaml:"deployment_id"`
	// MasterKey seeds every derived secret, hex encoded, 32 bytes
	// minimum.
	MasterKey string `yaml:"master_key"`
	// DecoderID is the emulated device's provisioned decoder identity.
	DecoderID string `yaml:"decoder_id"`
	// SubscriptionDir persists the decoder's subscription slots. Empty
	// keeps them in memory.
	SubscriptionDir string `yaml:"subscription_dir,omitempty"`

	AP         APSettings          `yaml:"ap"`
	Components []ComponentSettings `yaml:"components"`

	// Channels are subscription windows installed before the device
	// starts, standing in for factory provisioning.
	Channels []ChannelWindow `yaml:"channels,omitempty"`

	// Artifacts lists storage backend URIs the deployment's sealed
	// subscription payloads are published to on startup.
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// APSettings provisions the emulated application processor.
type APSettings struct {
	BootMessage string `yaml:"boot_message"`
	// StateFile persists the provisioning record across runs. Empty
	// keeps it in memory.
	StateFile string `yaml:"state_file,omitempty"`
	// TokenHash and PINHash are hex Argon2id digests of the operator
	// gate secrets under the deployment's gate salts.
	TokenHash string `yaml:"token_hash"`
	PINHash   string `yaml:"pin_hash"`
}

// ComponentSettings provisions one emulated peripheral component.
type ComponentSettings struct {
	ID          string                    `yaml:"id"`
	BootMessage string                    `yaml:"boot_message"`
	Attestation component.AttestationData `yaml:"attestation"`
}

// ChannelWindow is one preinstalled subscription span.
type ChannelWindow struct {
	Channel uint32 `yaml:"channel"`
	Start   uint64 `yaml:"start"`
	End     uint64 `yaml:"end"`
}

// LoadDeployment reads and validates a deployment file. Unknown YAML
// fields are rejected, so fixture typos fail loudly instead of silently
// deprovisioning something.
func LoadDeployment(path string) (*Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var d Deployment
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parsing deployment file: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the fixture for everything New would otherwise trip
// over halfway through assembly.
func (d *Deployment) Validate() error {
	if _, err := d.deploymentID(); err != nil {
		return err
	}
	if _, err := d.masterKey(); err != nil {
		return err
	}
	if _, err := d.decoderID(); err != nil {
		return err
	}
	if _, err := d.gateDigest("token_hash", d.AP.TokenHash); err != nil {
		return err
	}
	if _, err := d.gateDigest("pin_hash", d.AP.PINHash); err != nil {
		return err
	}

	if len(d.Components) == 0 {
		return errors.New("deployment provisions no components")
	}
	seenIDs := make(map[interfaces.ComponentID]bool, len(d.Components))
	seenAddrs := make(map[interfaces.BusAddr]string, len(d.Components))
	for _, c := range d.Components {
		id, err := c.id()
		if err != nil {
			return err
		}
		if seenIDs[id] {
			return fmt.Errorf("component %s provisioned twice", id)
		}
		seenIDs[id] = true

		addr := id.BusAddr()
		if prev, taken := seenAddrs[addr]; taken {
			return fmt.Errorf("components %s and %s share bus address %s", prev, id, addr)
		}
		seenAddrs[addr] = id.String()
		if addr < bus.ScanFirst || addr > bus.ScanLast || bus.Reserved(addr) {
			return fmt.Errorf("component %s maps to unscannable bus address %s", id, addr)
		}
	}

	seenChannels := make(map[uint32]bool, len(d.Channels))
	for _, w := range d.Channels {
		if interfaces.ChannelID(w.Channel).IsEmergency() {
			return errors.New("the emergency channel needs no subscription window")
		}
		if w.Start > w.End {
			return fmt.Errorf("channel %d window starts at %d after its end %d", w.Channel, w.Start, w.End)
		}
		if seenChannels[w.Channel] {
			return fmt.Errorf("channel %d has two subscription windows", w.Channel)
		}
		seenChannels[w.Channel] = true
	}

	for _, uri := range d.Artifacts {
		if _, err := interfaces.NewStorageBackendLocation(uri); err != nil {
			return fmt.Errorf("artifact backend %q: %w", uri, err)
		}
	}
	return nil
}

func (d *Deployment) deploymentID() (interfaces.DeploymentID, error) {
	id, err := interfaces.NewDeploymentIDFromHex(d.DeploymentID)
	if err != nil {
		return interfaces.DeploymentID{}, fmt.Errorf("deployment_id: %w", err)
	}
	return id, nil
}

func (d *Deployment) masterKey() ([]byte, error) {
	key, err := hex.DecodeString(d.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master_key: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("master_key of %d bytes, want at least 32", len(key))
	}
	return key, nil
}

func (d *Deployment) decoderID() (uint32, error) {
	clean := strings.TrimPrefix(d.DecoderID, "0x")
	id, err := strconv.ParseUint(clean, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("decoder_id %q: %w", d.DecoderID, err)
	}
	return uint32(id), nil
}

func (d *Deployment) gateDigest(field, value string) ([]byte, error) {
	digest, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if len(digest) != cryptoutils.GateDigestSize {
		return nil, fmt.Errorf("%s of %d bytes, want %d", field, len(digest), cryptoutils.GateDigestSize)
	}
	return digest, nil
}

func (c *ComponentSettings) id() (interfaces.ComponentID, error) {
	id, err := interfaces.NewComponentIDFromHex(c.ID)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("component id 0 is reserved")
	}
	return id, nil
}
