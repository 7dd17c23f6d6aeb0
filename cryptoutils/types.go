package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// TLSCSR represents a TLS Certificate Signing Request in PEM format.
type TLSCSR []byte

// NewTLSCSR creates a new CSR object from PEM-encoded data with validation.
func NewTLSCSR(data []byte) (TLSCSR, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return TLSCSR{}, errors.New("invalid CSR: not in PEM format or not a certificate request")
	}

	_, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return TLSCSR{}, fmt.Errorf("invalid CSR structure: %w", err)
	}

	return TLSCSR(data), nil
}

// Validate checks if the CSR is properly formed.
func (csr TLSCSR) Validate() error {
	_, err := NewTLSCSR(csr)
	return err
}

// GetX509CSR returns the parsed X.509 certificate request.
func (csr TLSCSR) GetX509CSR() (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csr)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// TLSCert represents a TLS Certificate in PEM format.
type TLSCert []byte

// NewTLSCert creates a new certificate object from PEM-encoded data with validation.
func NewTLSCert(data []byte) (TLSCert, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return TLSCert{}, errors.New("invalid certificate: not in PEM format or not a certificate")
	}

	_, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return TLSCert{}, fmt.Errorf("invalid certificate structure: %w", err)
	}

	return TLSCert(data), nil
}

// Validate checks if the certificate is properly formed.
func (cert TLSCert) Validate() error {
	_, err := NewTLSCert(cert)
	return err
}

// GetX509Cert returns the parsed X.509 certificate.
func (cert TLSCert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// IsExpired checks if the certificate has expired.
func (cert TLSCert) IsExpired() (bool, error) {
	x509Cert, err := cert.GetX509Cert()
	if err != nil {
		return false, err
	}
	return x509Cert.NotAfter.Before(time.Now()), nil
}

// CACert represents a Certificate Authority Certificate in PEM format.
type CACert []byte

// NewCACert creates a new CA certificate object from PEM-encoded data with validation.
func NewCACert(data []byte) (CACert, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return CACert{}, errors.New("invalid CA certificate: not in PEM format or not a certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CACert{}, fmt.Errorf("invalid CA certificate structure: %w", err)
	}

	if !cert.IsCA {
		return CACert{}, errors.New("certificate is not a CA certificate (IsCA flag not set)")
	}

	return CACert(data), nil
}

// Validate checks if the CA certificate is properly formed.
func (ca CACert) Validate() error {
	_, err := NewCACert(ca)
	return err
}

// GetX509Cert returns the parsed X.509 certificate.
func (ca CACert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(ca)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// VerifyCertificate checks if a certificate was signed by this CA.
func (ca CACert) VerifyCertificate(cert TLSCert) error {
	caCert, err := ca.GetX509Cert()
	if err != nil {
		return err
	}

	leafCert, err := cert.GetX509Cert()
	if err != nil {
		return err
	}

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	_, err = leafCert.Verify(x509.VerifyOptions{
		Roots: caPool,
	})
	return err
}

// DevicePubkey represents a device's transport public key in PEM format.
type DevicePubkey []byte

// NewDevicePubkey creates a new public key object from PEM-encoded data with validation.
func NewDevicePubkey(data []byte) (DevicePubkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PUBLIC KEY" && block.Type != "RSA PUBLIC KEY") {
		return DevicePubkey{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	_, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return DevicePubkey{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	return DevicePubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub DevicePubkey) Validate() error {
	_, err := NewDevicePubkey(pub)
	return err
}

// GetPublicKey returns the parsed public key interface.
func (pub DevicePubkey) GetPublicKey() (interface{}, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// DevicePrivkey represents a device's transport private key in PEM format.
type DevicePrivkey []byte

// NewDevicePrivkey creates a new private key object from PEM-encoded data with validation.
func NewDevicePrivkey(data []byte) (DevicePrivkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return DevicePrivkey{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	// Try to parse it as a PKCS8 private key
	_, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Try to parse it as an EC private key
		_, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return DevicePrivkey{}, fmt.Errorf("invalid private key structure: %w", err)
		}
	}

	return DevicePrivkey(data), nil
}

// Validate checks if the private key is properly formed.
func (priv DevicePrivkey) Validate() error {
	_, err := NewDevicePrivkey(priv)
	return err
}

// GetPrivateKey returns the parsed private key interface.
func (priv DevicePrivkey) GetPrivateKey() (interface{}, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	key, err = x509.ParseECPrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	return nil, errors.New("failed to parse private key")
}

func (priv DevicePrivkey) GetPublicKey() (interface{}, error) {
	parsedPriv, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	switch key := parsedPriv.(type) {
	case *ecdsa.PrivateKey:
		return &key.PublicKey, nil
	case ed25519.PrivateKey:
		return key.Public(), nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", parsedPriv)
	}
}

func RandomP256Keypair() (DevicePubkey, DevicePrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return DevicePubkey(pubkeyKeyPEM), DevicePrivkey(privateKeyPEM), nil
}

// SigningKeypair is an Ed25519 key pair used for admin and payload signing.
type SigningKeypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewSigningKeypair generates a fresh Ed25519 key pair.
func NewSigningKeypair() (SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeypair{}, err
	}
	return SigningKeypair{Public: pub, Private: priv}, nil
}

// SigningKeypairFromSeed derives the key pair for a 32-byte seed.
func SigningKeypairFromSeed(seed []byte) (SigningKeypair, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKeypair{}, fmt.Errorf("invalid seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SigningKeypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}
