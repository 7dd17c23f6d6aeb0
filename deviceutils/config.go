package deviceutils

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"gopkg.in/yaml.v3"
)

// DeviceConfig is the configuration document a device receives at
// registration: the deployment's decoder key material, hex-encoded in the
// YAML config artifact. GenerateDeviceConfig produces it from the KMS;
// ParseDeviceConfig validates it on the device.
type DeviceConfig struct {
	// Deployment is the hex identifier the material belongs to. Devices
	// reject configs for a different deployment than they registered with.
	Deployment string `yaml:"deployment"`

	// SubscribeKey seals subscription payloads for this deployment.
	SubscribeKey string `yaml:"subscribe_key"`

	// SubscribeVerifyKey checks the deployment signature on subscription
	// payloads.
	SubscribeVerifyKey string `yaml:"subscribe_verify_key"`

	// EmergencyRoot is the channel 0 keytree root every decoder holds.
	EmergencyRoot string `yaml:"emergency_root"`

	// EmergencyVerifyKey checks channel 0 frame signatures.
	EmergencyVerifyKey string `yaml:"emergency_verify_key"`
}

// GenerateDeviceConfig derives the configuration document for a
// deployment. Uploading the marshaled document as the deployment's config
// artifact is what hands registering decoders their key material.
func GenerateDeviceConfig(k *kms.SimpleKMS, deployment interfaces.DeploymentID) (*DeviceConfig, error) {
	signing, err := k.BroadcastSigningKey(deployment)
	if err != nil {
		return nil, fmt.Errorf("deriving broadcast signing key: %w", err)
	}
	return &DeviceConfig{
		Deployment:         deployment.String(),
		SubscribeKey:       hex.EncodeToString(k.SubscriptionKey(deployment)),
		SubscribeVerifyKey: hex.EncodeToString(signing.Public),
		EmergencyRoot:      hex.EncodeToString(k.ChannelRootKey(deployment, interfaces.EmergencyChannel)),
		EmergencyVerifyKey: hex.EncodeToString(signing.Public),
	}, nil
}

// Marshal renders the document for upload as a config artifact.
func (c *DeviceConfig) Marshal() (interfaces.InstanceConfig, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	return interfaces.InstanceConfig(data), nil
}

// ParseDeviceConfig decodes and validates a registration config document.
func ParseDeviceConfig(config interfaces.InstanceConfig) (*DeviceConfig, error) {
	var parsed DeviceConfig
	if err := yaml.Unmarshal(config, &parsed); err != nil {
		return nil, fmt.Errorf("could not parse device config: %w", err)
	}
	if _, err := parsed.keyMaterial(); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// decoderMaterial is the decoded form of the config's key fields.
type decoderMaterial struct {
	subscribeKey       []byte
	subscribeVerifyKey ed25519.PublicKey
	emergencyRoot      [keytree.KeySize]byte
	emergencyVerifyKey ed25519.PublicKey
}

func (c *DeviceConfig) keyMaterial() (*decoderMaterial, error) {
	subscribeKey, err := decodeKeyField("subscribe_key", c.SubscribeKey, keytree.KeySize)
	if err != nil {
		return nil, err
	}
	subscribeVerifyKey, err := decodeKeyField("subscribe_verify_key", c.SubscribeVerifyKey, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	emergencyRoot, err := decodeKeyField("emergency_root", c.EmergencyRoot, keytree.KeySize)
	if err != nil {
		return nil, err
	}
	emergencyVerifyKey, err := decodeKeyField("emergency_verify_key", c.EmergencyVerifyKey, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	material := &decoderMaterial{
		subscribeKey:       subscribeKey,
		subscribeVerifyKey: ed25519.PublicKey(subscribeVerifyKey),
		emergencyVerifyKey: ed25519.PublicKey(emergencyVerifyKey),
	}
	copy(material.emergencyRoot[:], emergencyRoot)
	return material, nil
}

func decodeKeyField(name, value string, size int) ([]byte, error) {
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	if len(decoded) != size {
		return nil, fmt.Errorf("invalid %s: %d bytes, want %d", name, len(decoded), size)
	}
	return decoded, nil
}
