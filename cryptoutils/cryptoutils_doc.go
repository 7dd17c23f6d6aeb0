// Package cryptoutils provides the cryptographic operations shared by the
// provisioning backend and the device runtime.
//
// This package implements payload sealing for broadcast delivery to decoders,
// asymmetric encryption for secret transport, gate digests for operator
// secrets, PEM key and certificate handling, and TEE attestation helpers.
//
// # Payload Sealing
//
// Every sensitive payload delivered to a decoder, whether a media frame or a
// subscription update, is sealed with SealPayload and recovered with
// OpenPayload. The sealed format is:
//
//	[Ed25519 signature (64 bytes)][XChaCha20 nonce (24 bytes)][Poly1305 tag (16 bytes)][ciphertext][associated data]
//
// The Ed25519 signature covers the nonce, the tag, the ciphertext and the
// associated data, so a holder of a leaked symmetric key still cannot
// re-nonce a payload into a different decryption. The associated data
// travels in clear at the payload tail and is authenticated by the AEAD tag.
// Every failure mode of OpenPayload reports the same ErrInvalidPayload.
//
// # Secret Transport
//
// EncryptWithPublicKey and DecryptWithPrivateKey implement ECIES
// (Elliptic Curve Integrated Encryption Scheme) with the following
// components:
//
//   - Elliptic curve (NIST P-256) for key exchange
//   - ECDH for shared secret derivation
//   - SHA-256 for key derivation
//   - AES-GCM for symmetric encryption with authenticated encryption
//   - Unique ephemeral keys for each encryption operation
//
// The encrypted data follows this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Where:
//   - Ephemeral key length: uint16 in big-endian format
//   - Ephemeral key: Elliptic curve point encoded using elliptic.Marshal()
//   - IV: 12-byte nonce for AES-GCM
//   - Ciphertext: The encrypted data with GCM authentication tag
//
// # Gate Digests
//
// Operator-facing secrets (attestation PINs, replacement tokens) are never
// stored or compared in clear. HashGateSecret derives an Argon2id digest
// under a per-deployment salt, and VerifyGateSecret compares digests in
// constant time. The Argon2id cost parameters are fixed so that digests
// remain stable across releases.
//
// # Security Considerations
//
//   - Fresh ephemeral keys and nonces for each operation
//   - Authenticated encryption everywhere, no unauthenticated modes
//   - Error messages are intentionally vague to prevent leaking information
//   - Signature verification always happens before decryption is attempted
//
// # Usage Example
//
//	// Seal a frame for broadcast
//	sealed, err := cryptoutils.SealPayload(channelKey, frameKey, frameData, associatedData)
//	if err != nil {
//	    log.Fatalf("Failed to seal: %v", err)
//	}
//
//	// On the decoder, open it again
//	plaintext, ad, err := cryptoutils.OpenPayload(channelPubkey, frameKey, sealed, len(associatedData))
//	if err != nil {
//	    log.Fatalf("Failed to open: %v", err)
//	}
//	_ = plaintext
//	_ = ad
package cryptoutils
