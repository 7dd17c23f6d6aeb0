package provisioner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// ProvisioningClient implements RegistrationProvider and MetadataProvider
// against a remote provisioning server.
type ProvisioningClient struct {
	// ServerAddr is the base URL of the provisioning server
	ServerAddr string

	// SetAttestationType is used to set the attestation type header
	// This is primarily for testing/development; in production it's derived from the attested transport
	SetAttestationType string

	// SetAttestationMeasurement is used to set the attestation measurement header
	// This is primarily for testing/development; in production it's derived from the attested transport
	SetAttestationMeasurement string
}

// Register sends a CSR to the provisioning server to register the device.
// The server verifies attestation evidence and returns cryptographic
// materials and configuration.
func (p *ProvisioningClient) Register(deployment interfaces.DeploymentID, csr []byte) (*api.RegistrationResponse, error) {
	url := fmt.Sprintf("%s/api/attested/register/%s", p.ServerAddr, deployment)
	registrationReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(csr))
	if err != nil {
		return nil, err
	}

	registrationReq.Header.Set("Content-Type", "application/octet-stream")
	if p.SetAttestationType != "" {
		registrationReq.Header.Set(api.AttestationTypeHeader, p.SetAttestationType)
	}
	if p.SetAttestationMeasurement != "" {
		registrationReq.Header.Set(api.MeasurementHeader, p.SetAttestationMeasurement)
	}

	registrationResp, err := http.DefaultClient.Do(registrationReq)
	if err != nil {
		return nil, fmt.Errorf("could not request registration endpoint: %w", err)
	}
	defer registrationResp.Body.Close()
	if registrationResp.StatusCode != 200 {
		bodyBytes, err := io.ReadAll(registrationResp.Body)
		if err != nil {
			return nil, fmt.Errorf("registration endpoint returned non-200 response: %d", registrationResp.StatusCode)
		}
		return nil, fmt.Errorf("registration endpoint returned error %d: %s", registrationResp.StatusCode, string(bodyBytes))
	}

	var parsedResponse api.RegistrationResponse
	err = json.NewDecoder(registrationResp.Body).Decode(&parsedResponse)
	if err != nil {
		return nil, fmt.Errorf("could not parse registration response: %w", err)
	}

	return &parsedResponse, nil
}

// GetDeploymentMetadata fetches the public PKI material and service
// domains for a deployment.
func (p *ProvisioningClient) GetDeploymentMetadata(deployment interfaces.DeploymentID) (*api.MetadataResponse, error) {
	url := fmt.Sprintf("%s/api/public/metadata/%s", p.ServerAddr, deployment)
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("could not request metadata endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("metadata endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("metadata endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsedResponse api.MetadataResponse
	err = json.NewDecoder(resp.Body).Decode(&parsedResponse)
	if err != nil {
		return nil, fmt.Errorf("could not parse metadata response: %w", err)
	}

	return &parsedResponse, nil
}

// GetProvisionedComponents fetches the deployment's provisioned component
// list.
func (p *ProvisioningClient) GetProvisionedComponents(deployment interfaces.DeploymentID) ([]interfaces.ComponentID, error) {
	url := fmt.Sprintf("%s/api/public/provisioned/%s", p.ServerAddr, deployment)
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("could not request provisioned endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("provisioned endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("provisioned endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsedResponse api.ProvisionedResponse
	err = json.NewDecoder(resp.Body).Decode(&parsedResponse)
	if err != nil {
		return nil, fmt.Errorf("could not parse provisioned response: %w", err)
	}

	components := make([]interfaces.ComponentID, 0, len(parsedResponse.Components))
	for _, raw := range parsedResponse.Components {
		id, err := interfaces.NewComponentIDFromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid component id in response: %w", err)
		}
		components = append(components, id)
	}

	return components, nil
}

// FetchArtifact downloads the deployment's current artifact for a content
// namespace through the server's artifact proxy.
func (p *ProvisioningClient) FetchArtifact(deployment interfaces.DeploymentID, contentType interfaces.ContentType) ([]byte, error) {
	url := fmt.Sprintf("%s/api/public/artifact/%s/%s", p.ServerAddr, deployment, contentType)
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("could not request artifact endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("artifact endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("artifact endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return io.ReadAll(resp.Body)
}

// MockProvider implements RegistrationProvider, MetadataProvider and
// ProvisionedProvider for testing.
type MockProvider struct {
	mock.Mock
}

// Register implements the RegistrationProvider interface for testing.
// The behavior is determined by how the mock is configured in tests.
func (m *MockProvider) Register(deployment interfaces.DeploymentID, csr []byte) (*api.RegistrationResponse, error) {
	args := m.Called(deployment, csr)
	return args.Get(0).(*api.RegistrationResponse), args.Error(1)
}

// GetDeploymentMetadata implements the MetadataProvider interface for testing.
func (m *MockProvider) GetDeploymentMetadata(deployment interfaces.DeploymentID) (*api.MetadataResponse, error) {
	args := m.Called(deployment)
	return args.Get(0).(*api.MetadataResponse), args.Error(1)
}

// GetProvisionedComponents implements the ProvisionedProvider interface for testing.
func (m *MockProvider) GetProvisionedComponents(deployment interfaces.DeploymentID) ([]interfaces.ComponentID, error) {
	args := m.Called(deployment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.ComponentID), args.Error(1)
}
