package kms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// ErrLocked is returned while not enough shares have been submitted to
// reconstruct the master key.
var ErrLocked = errors.New("KMS is locked, more shares required to unlock")

// ShamirKMS enhances SimpleKMS with Shamir Secret Sharing for secure master
// key management. The master key is split into shares and distributed to
// administrators, requiring a threshold number of shares to reconstruct the
// key and unlock the KMS.
//
// The master key is never stored in persistent storage. During
// initialization, the key is split into shares, distributed to
// administrators, and then erased. When the KMS needs to be started, the
// shares are collected and combined to reconstruct the master key, which is
// then kept only in memory.
type ShamirKMS struct {
	mu             sync.RWMutex
	masterKey      []byte
	isUnlocked     bool
	threshold      int
	receivedShares map[int][]byte

	// Allowed admin keys by public key fingerprint.
	adminPubKeys map[string][]byte

	attestationProvider cryptoutils.AttestationProvider
}

// ShamirConfig contains configuration parameters for creating a ShamirKMS
// instance.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the master key
	Threshold int
	// AdminPubKeys is the list of authorized administrator public keys in PEM format
	AdminPubKeys [][]byte
}

// SimpleKMS returns the derivation backend for the reconstructed master
// key. Callers must only use it once the KMS is unlocked.
func (k *ShamirKMS) SimpleKMS() *SimpleKMS {
	return &SimpleKMS{masterKey: k.masterKey, attestationProvider: k.attestationProvider}
}

// NewShamirKMS creates a new ShamirKMS instance for initial setup. This
// function splits the master key into shares using Shamir's Secret Sharing.
// The shares must be securely distributed to administrators and the
// original master key should be securely erased after this function
// returns.
func NewShamirKMS(masterKey []byte, config ShamirConfig) (*ShamirKMS, [][]byte, error) {
	if len(masterKey) < 32 {
		return nil, nil, errors.New("master key must be at least 32 bytes")
	}

	if config.Threshold < 2 {
		return nil, nil, errors.New("threshold must be at least 2")
	}

	if len(config.AdminPubKeys) < config.Threshold {
		return nil, nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterKey, len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master key: %w", err)
	}

	kms := &ShamirKMS{
		masterKey:           masterKey,
		isUnlocked:          true,
		threshold:           config.Threshold,
		receivedShares:      make(map[int][]byte),
		adminPubKeys:        make(map[string][]byte),
		attestationProvider: cryptoutils.DummyAttestationProvider{},
	}

	if err := kms.registerAdminKeys(config.AdminPubKeys); err != nil {
		return nil, nil, err
	}

	return kms, shares, nil
}

// NewShamirKMSRecovery creates a new ShamirKMS instance in recovery mode.
// This function should be used when starting the KMS without a master key.
// The KMS will remain in a locked state until enough valid shares are
// submitted to reconstruct the master key.
func NewShamirKMSRecovery(config ShamirConfig) (*ShamirKMS, error) {
	kms := &ShamirKMS{
		masterKey:           nil,
		isUnlocked:          false,
		threshold:           config.Threshold,
		receivedShares:      make(map[int][]byte),
		adminPubKeys:        make(map[string][]byte),
		attestationProvider: cryptoutils.DummyAttestationProvider{},
	}

	if err := kms.registerAdminKeys(config.AdminPubKeys); err != nil {
		return nil, err
	}

	return kms, nil
}

func (k *ShamirKMS) registerAdminKeys(adminPubKeys [][]byte) error {
	for _, publicKeyPEM := range adminPubKeys {
		if err := cryptoutils.DevicePubkey(publicKeyPEM).Validate(); err != nil {
			return fmt.Errorf("invalid admin pubkey %s: %w", publicKeyPEM, err)
		}
		fingerprint := sha256.Sum256(publicKeyPEM)
		k.adminPubKeys[hex.EncodeToString(fingerprint[:])] = publicKeyPEM
	}
	return nil
}

// SetAttestationProvider sets the attestation provider for this ShamirKMS.
// This allows customizing how attestations are generated when providing
// PKI materials.
func (k *ShamirKMS) SetAttestationProvider(provider cryptoutils.AttestationProvider) *ShamirKMS {
	k.attestationProvider = provider
	return k
}

// SubmitShare submits a key share with cryptographic verification. Each
// share must be signed by the administrator's private key to verify its
// authenticity. When the threshold number of valid shares are received,
// the master key is automatically reconstructed and the KMS transitions to
// an unlocked state.
//
// Parameters:
//   - shareIndex: The index number of the share (0-based)
//   - share: The actual share data
//   - signature: The signature over the share, signed by the admin's private key
//   - adminPubKeyPEM: The administrator's public key in PEM format
//
// Returns:
//   - Error if the share is invalid, the signature verification fails, or the admin is not authorized
func (k *ShamirKMS) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.isUnlocked {
		return errors.New("KMS is already unlocked")
	}

	fingerprint := sha256.Sum256(adminPubKeyPEM)
	fingerprintHex := hex.EncodeToString(fingerprint[:])
	pubkeyForFingerprint, found := k.adminPubKeys[fingerprintHex]
	if !found {
		return errors.New("unregistered admin public key")
	}

	if !bytes.Equal(pubkeyForFingerprint, adminPubKeyPEM) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	block, _ := pem.Decode(adminPubKeyPEM)
	if block == nil {
		return errors.New("failed to decode admin public key PEM")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse admin public key: %w", err)
	}

	switch adminKey := pubKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(share)
		if !ecdsa.VerifyASN1(adminKey, digest[:], signature) {
			return errors.New("invalid signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(adminKey, share, signature) {
			return errors.New("invalid signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor ED25519 key")
	}

	k.receivedShares[shareIndex] = share

	return k.tryReconstruct()
}

// tryReconstruct attempts to reconstruct the master key from the received
// shares. If enough shares (meeting or exceeding the threshold) have been
// received, Shamir's algorithm is used to combine them and recover the
// original master key. After successful reconstruction, all shares are
// securely wiped from memory.
func (k *ShamirKMS) tryReconstruct() error {
	if len(k.receivedShares) < k.threshold {
		return nil // Not enough shares yet, but this is not an error
	}

	shares := make([][]byte, 0, len(k.receivedShares))
	for _, share := range k.receivedShares {
		shares = append(shares, share)
	}

	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}

	k.masterKey = masterKey
	k.isUnlocked = true

	for i := range k.receivedShares {
		wipeBytes(k.receivedShares[i])
	}
	k.receivedShares = make(map[int][]byte)

	return nil
}

// IsUnlocked returns whether the KMS has been successfully unlocked. The
// KMS is considered unlocked when enough valid shares have been submitted
// and the master key has been successfully reconstructed.
func (k *ShamirKMS) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.isUnlocked
}

// GetPKI retrieves the PKI information for a deployment.
// Returns ErrLocked until the KMS has been unlocked.
func (k *ShamirKMS) GetPKI(deploymentID interfaces.DeploymentID) (interfaces.DevicePKI, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return interfaces.DevicePKI{}, ErrLocked
	}

	return k.SimpleKMS().GetPKI(deploymentID)
}

// GetDevicePrivkey retrieves the device private key for a deployment.
// Returns ErrLocked until the KMS has been unlocked.
func (k *ShamirKMS) GetDevicePrivkey(deploymentID interfaces.DeploymentID) (interfaces.DevicePrivkey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return nil, ErrLocked
	}

	return k.SimpleKMS().GetDevicePrivkey(deploymentID)
}

// SignCSR signs a certificate signing request for a registering device.
// Returns ErrLocked until the KMS has been unlocked.
func (k *ShamirKMS) SignCSR(deploymentID interfaces.DeploymentID, csr interfaces.TLSCSR) (interfaces.TLSCert, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return nil, ErrLocked
	}

	return k.SimpleKMS().SignCSR(deploymentID, csr)
}

// DeviceSecrets provides all cryptographic materials for a registering
// device. Returns ErrLocked until the KMS has been unlocked.
func (k *ShamirKMS) DeviceSecrets(deploymentID interfaces.DeploymentID, csr interfaces.TLSCSR) (*interfaces.DeviceSecrets, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return nil, ErrLocked
	}

	return k.SimpleKMS().DeviceSecrets(deploymentID, csr)
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SignShare generates the signature an administrator submits alongside
// their share. ECDSA keys sign the SHA-256 digest of the share, Ed25519
// keys sign the share directly.
func SignShare(share []byte, privateKey crypto.PrivateKey) ([]byte, error) {
	switch adminKey := privateKey.(type) {
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(share)
		return ecdsa.SignASN1(rand.Reader, adminKey, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(adminKey, share), nil
	default:
		return nil, errors.New("unsupported admin key type")
	}
}
