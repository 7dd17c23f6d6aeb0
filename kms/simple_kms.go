package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Derivation tags for per-deployment key material. Every derived secret is
// sha256(masterKey || deploymentID || inputs || tag), so two deployments
// never share material and the same master key always reproduces the same
// fleet secrets.
const (
	derivationTagCA        = "ca"
	derivationTagDevice    = "device"
	derivationTagSign      = "sign"
	derivationTagChannel   = "channel"
	derivationTagSubscribe = "subscribe"
	derivationTagGate      = "gate"
	derivationTagDecoder   = "decoder"
)

// SimpleKMS derives all deployment key material deterministically from a
// single master key. Any instance holding the key can serve any deployment
// without shared storage, and key material survives restarts unchanged.
type SimpleKMS struct {
	masterKey           []byte
	attestationProvider cryptoutils.AttestationProvider
}

// NewSimpleKMS creates a KMS instance with the given master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	return &SimpleKMS{
		masterKey:           masterKey,
		attestationProvider: cryptoutils.DummyAttestationProvider{},
	}, nil
}

// WithSeed returns a copy of the KMS keyed by the provided seed.
// Useful for testing with deterministic keys.
func (k *SimpleKMS) WithSeed(seed []byte) *SimpleKMS {
	newkms := &SimpleKMS{
		masterKey:           make([]byte, len(seed)),
		attestationProvider: k.attestationProvider,
	}
	copy(newkms.masterKey, seed)
	return newkms
}

// WithAttestationProvider returns a copy of the KMS using the specified
// attestation provider.
func (k *SimpleKMS) WithAttestationProvider(provider cryptoutils.AttestationProvider) *SimpleKMS {
	newkms := &SimpleKMS{
		masterKey:           make([]byte, len(k.masterKey)),
		attestationProvider: provider,
	}
	copy(newkms.masterKey, k.masterKey)
	return newkms
}

// AttestationProvider returns the provider this KMS attests with.
func (k *SimpleKMS) AttestationProvider() cryptoutils.AttestationProvider {
	return k.attestationProvider
}

// OnboardRequestReportData generates expected attestation report data
// for an onboard request verification.
func OnboardRequestReportData(kmsID interfaces.DeploymentID, onboardRequest interfaces.OnboardRequest) [64]byte {
	var onboardReportData [64]byte
	onboardRequestSerialized := onboardRequest.Pubkey
	onboardRequestSerialized = append(onboardRequestSerialized, onboardRequest.Identity[:]...)

	requestHash := sha256.Sum256(onboardRequestSerialized)
	copy(onboardReportData[:20], kmsID[:])
	copy(onboardReportData[20:], requestHash[:])

	return onboardReportData
}

// RequestOnboard creates an onboard request for a starting KMS instance.
// The request identity is the hash of the transport public key and keys
// later retrieval through governance.
func (k *SimpleKMS) RequestOnboard(kmsID interfaces.DeploymentID, pubkey interfaces.DevicePubkey) (interfaces.OnboardRequest, error) {
	if err := pubkey.Validate(); err != nil {
		return interfaces.OnboardRequest{}, fmt.Errorf("invalid onboard pubkey: %w", err)
	}

	onboardRequest := interfaces.OnboardRequest{
		Pubkey:   pubkey,
		Identity: interfaces.DeviceIdentity(sha256.Sum256(pubkey)),
	}

	reportData := OnboardRequestReportData(kmsID, onboardRequest)
	attestation, err := k.attestationProvider.Attest(reportData)
	if err != nil {
		return interfaces.OnboardRequest{}, err
	}
	onboardRequest.Attestation = attestation

	return onboardRequest, nil
}

// OnboardRemote encrypts the master key for a new KMS instance.
// Used for secure master key distribution.
func (k *SimpleKMS) OnboardRemote(pubkey cryptoutils.DevicePubkey) ([]byte, error) {
	// Note: request validation done by the caller, see kmsgovernance.
	return cryptoutils.EncryptWithPublicKey(pubkey, k.masterKey)
}

// getCA generates the deployment's CA key and certificate.
func (k *SimpleKMS) getCA(deploymentID interfaces.DeploymentID) (*ecdsa.PrivateKey, interfaces.CACert, error) {
	caKey, err := k.deriveECDSAKey(deploymentID, derivationTagCA)
	if err != nil {
		return nil, nil, err
	}

	certPEM, err := createCACertificate(caKey, interfaces.NewDeviceCommonName(deploymentID))
	if err != nil {
		return nil, nil, err
	}

	return caKey, certPEM, nil
}

// GetPKI returns the CA certificate, device public key and attestation for
// a deployment. Generates these materials deterministically from the
// deployment ID.
func (k *SimpleKMS) GetPKI(deploymentID interfaces.DeploymentID) (interfaces.DevicePKI, error) {
	_, certPEM, err := k.getCA(deploymentID)
	if err != nil {
		return interfaces.DevicePKI{}, fmt.Errorf("failed to generate deployment CA: %w", err)
	}

	deviceKey, err := k.GetDevicePrivkey(deploymentID)
	if err != nil {
		return interfaces.DevicePKI{}, err
	}

	devicePubkey, err := deviceKey.GetPublicKey()
	if err != nil {
		return interfaces.DevicePKI{}, err
	}

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(devicePubkey)
	if err != nil {
		return interfaces.DevicePKI{}, fmt.Errorf("failed to marshal public key: %w", err)
	}

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})

	pkiData := interfaces.DevicePKI{CA: certPEM, Pubkey: pubKeyPEM}
	reportData := pkiData.ReportData(deploymentID)

	pkiData.Attestation, err = k.attestationProvider.Attest(reportData)
	if err != nil {
		return interfaces.DevicePKI{}, fmt.Errorf("failed to attest: %w", err)
	}

	return pkiData, nil
}

// GetDevicePrivkey returns the deployment-wide device private key.
// Derives the key deterministically from the master key and deployment ID.
func (k *SimpleKMS) GetDevicePrivkey(deploymentID interfaces.DeploymentID) (interfaces.DevicePrivkey, error) {
	deviceKey, err := k.deriveECDSAKey(deploymentID, derivationTagDevice)
	if err != nil {
		return nil, err
	}

	privKeyBytes, err := x509.MarshalECPrivateKey(deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privKeyBytes,
	}), nil
}

// SignCSR signs a certificate signing request for a deployment.
// Verifies the CSR signature before creating a certificate valid for 1 year.
func (k *SimpleKMS) SignCSR(deploymentID interfaces.DeploymentID, csr interfaces.TLSCSR) (interfaces.TLSCert, error) {
	parsedCSR, err := csr.GetX509CSR()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}

	if err := parsedCSR.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature verification failed: %w", err)
	}

	caKey, caCertPEM, err := k.getCA(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate deployment CA: %w", err)
	}

	caCert, err := caCertPEM.GetX509Cert()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               parsedCSR.Subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0), // 1 year validity
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              parsedCSR.DNSNames,
		IPAddresses:           parsedCSR.IPAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, parsedCSR.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}

// DeviceSecrets provides all cryptographic materials for a registering
// device. Returns private key, signed certificate, decoder identifier,
// and attestation in one bundle.
func (k *SimpleKMS) DeviceSecrets(deploymentID interfaces.DeploymentID, csr interfaces.TLSCSR) (*interfaces.DeviceSecrets, error) {
	devicePrivkey, err := k.GetDevicePrivkey(deploymentID)
	if err != nil {
		return nil, err
	}

	cert, err := k.SignCSR(deploymentID, csr)
	if err != nil {
		return nil, err
	}

	parsedCSR, err := csr.GetX509CSR()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}

	deviceSecrets := &interfaces.DeviceSecrets{
		DevicePrivkey: devicePrivkey,
		TLSCert:       cert,
		DecoderID:     k.DecoderID(deploymentID, parsedCSR.RawSubjectPublicKeyInfo),
	}

	reportData := deviceSecrets.ReportData(deploymentID)
	deviceSecrets.Attestation, err = k.attestationProvider.Attest(reportData)
	return deviceSecrets, err
}

// BroadcastSigningKey returns the Ed25519 key pair that signs every sealed
// payload of a deployment. Decoders pin the public half at provisioning.
func (k *SimpleKMS) BroadcastSigningKey(deploymentID interfaces.DeploymentID) (cryptoutils.SigningKeypair, error) {
	return cryptoutils.SigningKeypairFromSeed(k.deriveSeed(deploymentID, derivationTagSign))
}

// ChannelRootKey returns the 32-byte root of a channel's frame keytree.
func (k *SimpleKMS) ChannelRootKey(deploymentID interfaces.DeploymentID, channel interfaces.ChannelID) []byte {
	var ch [4]byte
	binary.LittleEndian.PutUint32(ch[:], uint32(channel))
	return k.deriveSeed(deploymentID, derivationTagChannel, ch[:])
}

// SubscriptionKey returns the symmetric key subscription payloads are
// sealed under for a deployment.
func (k *SimpleKMS) SubscriptionKey(deploymentID interfaces.DeploymentID) []byte {
	return k.deriveSeed(deploymentID, derivationTagSubscribe)
}

// GateSalt returns the salt for hashing an unlock gate secret, keyed by
// the gate name.
func (k *SimpleKMS) GateSalt(deploymentID interfaces.DeploymentID, gate string) []byte {
	return k.deriveSeed(deploymentID, derivationTagGate, []byte(gate))
}

// DecoderID derives the stable decoder identifier bound to a device public
// key. Subscription payloads authenticate against this identifier.
func (k *SimpleKMS) DecoderID(deploymentID interfaces.DeploymentID, pubkeyDER []byte) uint32 {
	seed := k.deriveSeed(deploymentID, derivationTagDecoder, pubkeyDER)
	return binary.LittleEndian.Uint32(seed[:4])
}

// deriveSeed computes the deterministic 32-byte seed for a deployment and
// derivation tag.
func (k *SimpleKMS) deriveSeed(deploymentID interfaces.DeploymentID, tag string, extra ...[]byte) []byte {
	h := sha256.New()
	h.Write(k.masterKey)
	h.Write(deploymentID[:])
	for _, input := range extra {
		h.Write(input)
	}
	h.Write([]byte(tag))
	return h.Sum(nil)
}

// deriveECDSAKey creates a deterministic ECDSA key on the P-256 curve for
// a deployment and derivation tag.
func (k *SimpleKMS) deriveECDSAKey(deploymentID interfaces.DeploymentID, tag string) (*ecdsa.PrivateKey, error) {
	seed := k.deriveSeed(deploymentID, tag)

	curve := elliptic.P256()
	privateKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve,
		},
		D: new(big.Int).SetBytes(seed[:32]),
	}

	privateKey.PublicKey.X, privateKey.PublicKey.Y = curve.ScalarBaseMult(seed[:32])

	// TODO: sanity check that X and Y are on curve and priv does not need trimming

	return privateKey, nil
}

// createCACertificate creates a self-signed CA certificate valid for 10
// years, suitable for signing device certificates.
func createCACertificate(caKey *ecdsa.PrivateKey, cn interfaces.DeviceCommonName) (interfaces.CACert, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SimpleKMS"},
			CommonName:   fmt.Sprintf("CA for %s", cn),
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0), // 10 years validity
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}
