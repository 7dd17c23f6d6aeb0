// Package deviceutils provides device-side utilities for registering with
// the provisioning service and assembling the decoder runtime from the
// registration response.
//
// # Core Subpackages
//
// - serviceresolver: Discovers provisioning endpoints through DNS SRV records
//
// # Registration
//
// Provision runs the full round trip: it mints a fresh TLS keypair, sends
// the CSR to the provisioning service with the device's attestation
// evidence, and validates the returned configuration document. The
// resulting DeviceCredentials carry everything the device runs with.
//
// # Configuration Document
//
// DeviceConfig is the YAML schema of the deployment's config artifact:
// the subscribe key, broadcast verify keys, and emergency channel root,
// all hex-encoded. GenerateDeviceConfig derives the document from a KMS,
// which is how deployment administration produces the artifact in the
// first place; ParseDeviceConfig validates it device-side.
//
// # Service Discovery
//
// ServiceDirectory combines deployment metadata (which names the service
// domains) with DNS SRV resolution (which locates the instances behind
// each domain), caching resolved endpoint lists.
//
// # Usage
//
//	// Discover the provisioning service
//	resolver := &serviceresolver.Resolver{}
//	directory := deviceutils.NewServiceDirectory(metadataClient, resolver, 0, logger)
//	endpoints, err := directory.Endpoints(deployment)
//
//	// Register and build the decoder
//	client := &provisioner.ProvisioningClient{ServerAddr: "https://" + endpoints[0].String()}
//	creds, err := deviceutils.Provision(client, deployment)
//	cfg, err := creds.DecoderConfig(nil, logger)
//	dec, err := decoder.New(cfg)
package deviceutils
