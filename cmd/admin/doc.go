// Package main (cmd/admin) implements the deployment administration client
// for the registry service.
//
// The admin client manages deployments over the signed registry admin API:
// creating deployments, maintaining identity allowlists and component sets,
// and uploading artifacts. It also carries the offline key material tooling
// a deployment operator needs: sealing subscription payloads, encoding
// broadcast frames and inspecting derived secrets, all computed locally
// from the deployment master seed.
//
// Commands:
//
//	generate-admin-key    - Generate an ed25519 keypair for signing admin requests
//	init                  - Create a deployment with backends, gates and its configuration artifact
//	identity allow|revoke - Maintain the device identity allowlist
//	component add|remove|replace - Maintain the provisioned component set
//	artifact              - Upload an artifact into a content namespace
//	subscription generate - Seal a channel subscription payload for one decoder
//	frame encode          - Seal a broadcast frame for a channel at a timestamp
//	secrets show          - Print the key material derived from the master seed
//
// Server commands authenticate with an ed25519 signature over request path
// and body; the signing key must be a registry root key or a key registered
// for the deployment. Key material commands never talk to the server and
// require the deployment master seed instead.
//
// Example workflow:
//
//  1. Generate an admin keypair and register it with the registry server:
//     admin generate-admin-key --admin-key-file=admin-key.hex
//
//  2. Create the deployment with its gates and configuration artifact:
//     admin init --deployment=<40-hex> --kms-seed=<64-hex> --pin=123456 --token=tok \
//         --backend=file:///var/artifacts
//
//  3. Allow the device identity measured in the lab:
//     admin identity allow --deployment=<40-hex> --measurements-file=device.json
//
//  4. Provision the device's components:
//     admin component add --deployment=<40-hex> --id=0x11111124
//
//  5. Seal a subscription for the device's decoder:
//     admin subscription generate --deployment=<40-hex> --kms-seed=<64-hex> \
//         --decoder-id=0xdec0de01 --channel=1 --start=0 --end=1000000 --out=sub.bin
package main
