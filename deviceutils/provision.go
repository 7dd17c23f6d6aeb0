package deviceutils

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/decoder"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/perimeterlabs/device-provisioning-backend/subscription"
)

// DeviceCredentials bundles everything a registered device runs with: the
// minted TLS key, the secrets bundle from the provisioning service, and
// the parsed configuration document.
type DeviceCredentials struct {
	// Deployment the device registered with.
	Deployment interfaces.DeploymentID

	// TLSKey is the PEM private key backing the issued certificate.
	TLSKey []byte

	// Secrets is the registration secrets bundle.
	Secrets interfaces.DeviceSecrets

	// Config is the parsed device configuration.
	Config *DeviceConfig

	// Artifacts lists the deployment's current artifact references.
	Artifacts []interfaces.ArtifactRef

	// StorageBackends lists locations devices can fetch artifacts from.
	StorageBackends []string
}

// Provision runs the full registration round trip: mint a TLS keypair and
// CSR, register, and parse the returned configuration document. The
// config must name the deployment the device registered with.
func Provision(client api.RegistrationProvider, deployment interfaces.DeploymentID) (*DeviceCredentials, error) {
	keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey(interfaces.NewDeviceCommonName(deployment).String())
	if err != nil {
		return nil, fmt.Errorf("could not create CSR: %w", err)
	}

	resp, err := client.Register(deployment, csr)
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	if len(resp.Config) == 0 {
		return nil, errors.New("registration response carries no configuration")
	}
	config, err := ParseDeviceConfig(resp.Config)
	if err != nil {
		return nil, err
	}
	if config.Deployment != deployment.String() {
		return nil, fmt.Errorf("configuration for deployment %s, registered with %s", config.Deployment, deployment)
	}

	return &DeviceCredentials{
		Deployment:      deployment,
		TLSKey:          keyPEM,
		Secrets:         resp.DeviceSecrets,
		Config:          config,
		Artifacts:       resp.Artifacts,
		StorageBackends: resp.StorageBackends,
	}, nil
}

// VerifySecretsAttestation checks the quote the provisioning service
// produced over the secrets bundle. Emulated deployments attest with the
// emulated provider; hardware fleets verify the DCAP quote out of band.
func VerifySecretsAttestation(deployment interfaces.DeploymentID, secrets *interfaces.DeviceSecrets) error {
	_, err := cryptoutils.VerifyDummyAttestation(secrets.ReportData(deployment), secrets.Attestation)
	return err
}

// DecoderConfig assembles the decoder provisioning inputs from the
// credentials. A nil store leaves the decoder with a fresh volatile slot
// store.
func (c *DeviceCredentials) DecoderConfig(store *subscription.Store, log *slog.Logger) (decoder.Config, error) {
	material, err := c.Config.keyMaterial()
	if err != nil {
		return decoder.Config{}, err
	}
	return decoder.Config{
		DecoderID:          c.Secrets.DecoderID,
		SubscribeKey:       material.subscribeKey,
		SubscribeVerifyKey: material.subscribeVerifyKey,
		EmergencyRoot:      material.emergencyRoot,
		EmergencyVerifyKey: material.emergencyVerifyKey,
		Store:              store,
		Log:                log,
	}, nil
}

// LocalRegistrationProvider implements api.RegistrationProvider against an
// in-process KMS. Useful for development and tests without a provisioning
// server; no identity check happens and no artifacts are served.
type LocalRegistrationProvider struct {
	// KMS derives the secrets and configuration served to devices.
	KMS *kms.SimpleKMS
}

// Register signs the CSR and bundles the deployment's secrets and
// configuration directly from the local KMS.
func (p *LocalRegistrationProvider) Register(deployment interfaces.DeploymentID, csr []byte) (*api.RegistrationResponse, error) {
	secrets, err := p.KMS.DeviceSecrets(deployment, csr)
	if err != nil {
		return nil, err
	}

	config, err := GenerateDeviceConfig(p.KMS, deployment)
	if err != nil {
		return nil, err
	}
	configDoc, err := config.Marshal()
	if err != nil {
		return nil, err
	}

	return &api.RegistrationResponse{
		DeviceSecrets: *secrets,
		Config:        configDoc,
	}, nil
}
