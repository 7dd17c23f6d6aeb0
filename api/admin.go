package api

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
)

// AdminRequestDigest computes the digest an admin signs to authenticate a
// mutating request: sha256 over the request path followed by the body.
func AdminRequestDigest(path string, body []byte) []byte {
	digest := sha256.Sum256(append([]byte(path), body...))
	return digest[:]
}

// SignAdminRequest adds authentication headers to an HTTP request. The
// admin's Ed25519 key signs the digest of the request path and body.
func SignAdminRequest(req *http.Request, adminKey ed25519.PrivateKey, body []byte) {
	signature := ed25519.Sign(adminKey, AdminRequestDigest(req.URL.Path, body))
	req.Header.Set(AdminKeyHeader, hex.EncodeToString(adminKey.Public().(ed25519.PublicKey)))
	req.Header.Set(AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
}

// VerifyAdminRequest checks the admin authentication headers against the
// request path and body, and returns the verified admin public key. The
// caller decides whether that key is authorized.
func VerifyAdminRequest(r *http.Request, body []byte) (ed25519.PublicKey, error) {
	keyHex := r.Header.Get(AdminKeyHeader)
	if keyHex == "" {
		return nil, errors.New("missing admin key header")
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid admin key header")
	}

	signature, err := base64.StdEncoding.DecodeString(r.Header.Get(AdminSignatureHeader))
	if err != nil {
		return nil, fmt.Errorf("invalid admin signature encoding: %w", err)
	}

	pubkey := ed25519.PublicKey(keyBytes)
	if !ed25519.Verify(pubkey, AdminRequestDigest(r.URL.Path, body), signature) {
		return nil, errors.New("invalid admin signature")
	}
	return pubkey, nil
}

// AllowIdentityRequest adds a device identity to a deployment allowlist.
// Either the identity hash is given directly, or it is computed from
// attestation measurements the same way registration computes it.
type AllowIdentityRequest struct {
	// Identity is the hex-encoded 32-byte identity hash.
	Identity string `json:"identity,omitempty"`

	// AttestationType and Measurements describe a device whose identity
	// should be computed and allowed.
	AttestationType string         `json:"attestation_type,omitempty"`
	Measurements    map[int]string `json:"measurements,omitempty"`
}

// IdentityResponse reports the identity affected by an allowlist change.
type IdentityResponse struct {
	Identity string `json:"identity"`
}

// StorageBackendRequest registers or removes a storage backend location.
type StorageBackendRequest struct {
	Location string `json:"location"`
}

// StorageBackendsResponse lists a deployment's registered storage
// backend locations.
type StorageBackendsResponse struct {
	Backends []string `json:"storage_backends"`
}

// SetGateRequest installs an operator gate secret. The server salts and
// hashes the secret; only the digest is stored.
type SetGateRequest struct {
	Secret string `json:"secret"`
}

// AddAdminKeyRequest registers an additional deployment admin key.
type AddAdminKeyRequest struct {
	// Pubkey is the hex-encoded Ed25519 public key.
	Pubkey string `json:"pubkey"`
}

// UploadArtifactResponse reports where an uploaded artifact was stored.
type UploadArtifactResponse struct {
	// ID is the hex-encoded content ID of the stored artifact.
	ID string `json:"id"`

	// Type is the content namespace the artifact was stored under.
	Type string `json:"type"`
}
