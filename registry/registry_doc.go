// Package registry provides deployment registries: the per-deployment record
// of which device identities may register, which components are provisioned,
// which artifacts and storage backends serve the fleet, and which operator
// gates and admin keys govern mutations.
//
// Key features include:
//
//   - Device identity allowlisting per deployment
//   - Provisioned component set with ordered, atomic replacement
//   - One current artifact reference per content namespace
//   - Storage backend URI coordination for replica discovery
//   - Salted gate digests for the attestation PIN and replacement token
//   - Admin Ed25519 key registration for signed mutations
//
// # Providers
//
// Two providers implement interfaces.RegistryProvider:
//
// MemoryProvider keeps registries in process. It backs tests and the fleet
// emulator, where deployments are created and torn down per scenario.
//
// FileProvider persists each deployment as one JSON file under a base
// directory, written back atomically after every mutation. It is the store
// the provisioning server runs on: a deployment's file can be inspected and
// seeded by hand, and a restart loses nothing.
//
// # Usage Example
//
// Creating and populating a persisted registry:
//
//	provider, err := registry.NewFileProvider("/var/lib/provisioning/registry")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg, err := provider.CreateRegistry(deploymentID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = reg.AddComponent(componentID)
//	err = reg.AddStorageBackend("file:///var/lib/provisioning/artifacts/")
//	err = reg.SetGate(interfaces.GatePIN, record)
//
// Serving lookups:
//
//	reg, err := provider.RegistryFor(deploymentID)
//	if errors.Is(err, interfaces.ErrDeploymentNotFound) {
//	    // unknown deployment
//	}
//	allowed, err := reg.IdentityAllowed(identity)
//
// The package also ships testify mocks (MockRegistry, MockRegistryProvider)
// used by the API handler tests.
package registry
