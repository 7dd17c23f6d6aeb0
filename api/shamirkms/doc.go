// Package shamirkms implements the KMS bootstrap service built on
// Shamir's Secret Sharing.
//
// The deployment master key never rests on disk. At first start the
// service splits a fresh key into shares, encrypts each share for one
// administrator, and hands them out over authenticated requests. After a
// restart the service comes up locked; administrators submit their shares
// back and the key is reconstructed in memory once the threshold is
// reached.
//
// # Key Components
//
//   - AdminHandler: share generation, distribution and collection with
//     per-admin encryption and signature-authenticated requests
//   - AdminShareClient (api/clients): client library administrators use to
//     fetch and submit shares
//
// # Bootstrap Process
//
// Two operational modes are supported:
//
//  1. Generation Mode:
//     - The service generates a strong master key
//     - The key is split into shares, one per registered admin
//     - Each share is encrypted with its admin's public key
//     - Admins retrieve their encrypted shares individually
//
//  2. Recovery Mode:
//     - The service starts locked, awaiting admin shares
//     - Admins submit their shares with signatures over the share data
//     - Once threshold shares are validated, the master key is
//       reconstructed and the KMS unlocks
//
// Request authentication uses ECDSA signatures over the request path and
// body, carried in the X-Admin-ID and X-Admin-Signature headers.
package shamirkms
