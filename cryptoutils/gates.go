package cryptoutils

import (
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for gate digests: time=1, memory=64MiB, threads=4.
// Tuned so a single gate check is slow enough to matter against brute
// force but fast enough not to block the device loop noticeably.
const (
	gateTime    = 1
	gateMemory  = 64 * 1024
	gateThreads = 4

	// GateDigestSize is the length of digests produced by HashGateSecret.
	GateDigestSize = 32
)

// HashGateSecret derives the stored digest for a gate secret (an attestation
// PIN or a replacement token) using Argon2id with a per-deployment salt.
// The same inputs always produce the same digest, so verification is a
// recompute-and-compare.
func HashGateSecret(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, gateTime, gateMemory, gateThreads, GateDigestSize)
}

// VerifyGateSecret recomputes the digest for the presented secret and
// compares it against the stored digest in constant time.
func VerifyGateSecret(secret, salt, digest []byte) bool {
	computed := HashGateSecret(secret, salt)
	return subtle.ConstantTimeCompare(computed, digest) == 1
}
