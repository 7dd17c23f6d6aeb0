package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed payload layout. The signature covers everything after itself,
// including nonce and tag, so an attacker holding a leaked symmetric key
// still cannot re-nonce a payload into a different decryption.
//
//	| Ed25519 signature     | 64 bytes  |
//	| XChaCha20 nonce       | 24 bytes  |
//	| Poly1305 tag          | 16 bytes  |
//	| Ciphertext            | variable  |
//	| Associated data       | variable  |
const (
	sealSignatureSize = ed25519.SignatureSize
	sealNonceSize     = chacha20poly1305.NonceSizeX
	sealTagSize       = chacha20poly1305.Overhead

	// SealOverhead is the number of bytes SealPayload adds ahead of the
	// ciphertext. Associated data appended at the tail comes on top.
	SealOverhead = sealSignatureSize + sealNonceSize + sealTagSize
)

// ErrInvalidPayload is returned for every way a sealed payload can fail to
// open. Callers must not learn whether the signature, the tag, or the
// framing was at fault.
var ErrInvalidPayload = errors.New("invalid sealed payload")

// SealPayload encrypts and signs a payload for delivery to a decoder.
// The plaintext is encrypted with XChaCha20-Poly1305 under symmetricKey,
// binding associatedData which travels in clear at the payload tail. The
// whole thing is then signed with the channel's Ed25519 key.
func SealPayload(signingKey ed25519.PrivateKey, symmetricKey, plaintext, associatedData []byte) ([]byte, error) {
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key length %d", len(signingKey))
	}

	aead, err := chacha20poly1305.NewX(symmetricKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	ciphertext := sealed[:len(sealed)-sealTagSize]
	tag := sealed[len(sealed)-sealTagSize:]

	payload := make([]byte, 0, SealOverhead+len(ciphertext)+len(associatedData))
	payload = append(payload, make([]byte, sealSignatureSize)...)
	payload = append(payload, nonce...)
	payload = append(payload, tag...)
	payload = append(payload, ciphertext...)
	payload = append(payload, associatedData...)

	signature := ed25519.Sign(signingKey, payload[sealSignatureSize:])
	copy(payload[:sealSignatureSize], signature)

	return payload, nil
}

// OpenPayload verifies and decrypts a sealed payload. The signature is
// checked before any decryption is attempted. Returns the plaintext and
// the associated data carried at the payload tail, whose length the caller
// must know up front.
func OpenPayload(verifyKey ed25519.PublicKey, symmetricKey, payload []byte, associatedDataSize int) ([]byte, []byte, error) {
	if len(verifyKey) != ed25519.PublicKeySize {
		return nil, nil, ErrInvalidPayload
	}
	if associatedDataSize < 0 || len(payload) < SealOverhead+associatedDataSize {
		return nil, nil, ErrInvalidPayload
	}

	signature := payload[:sealSignatureSize]
	nonce := payload[sealSignatureSize : sealSignatureSize+sealNonceSize]
	tag := payload[sealSignatureSize+sealNonceSize : SealOverhead]
	body := payload[SealOverhead:]
	ciphertext := body[:len(body)-associatedDataSize]
	associatedData := body[len(body)-associatedDataSize:]

	if !ed25519.Verify(verifyKey, payload[sealSignatureSize:], signature) {
		return nil, nil, ErrInvalidPayload
	}

	aead, err := chacha20poly1305.NewX(symmetricKey)
	if err != nil {
		return nil, nil, ErrInvalidPayload
	}

	sealed := make([]byte, 0, len(ciphertext)+sealTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, nil, ErrInvalidPayload
	}

	return plaintext, associatedData, nil
}

// PayloadAssociatedData returns the associated data of a sealed payload
// without verifying it. Decoders use this to pick the right channel keys
// before the payload can be opened.
func PayloadAssociatedData(payload []byte, associatedDataSize int) ([]byte, error) {
	if associatedDataSize < 0 || len(payload) < SealOverhead+associatedDataSize {
		return nil, ErrInvalidPayload
	}
	return payload[len(payload)-associatedDataSize:], nil
}
