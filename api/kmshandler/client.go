package kmshandler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Client implements interfaces.KMS against a remote KMS service. A
// provisioning server configured with a Client holds no master key of its
// own; every derivation goes over the wire to the KMS cluster.
type Client struct {
	// ServerAddr is the base URL of the KMS service
	ServerAddr string

	// SetAttestationType is used to set the attestation type header
	// This is primarily for testing/development; in production it's derived from the attested transport
	SetAttestationType string

	// SetAttestationMeasurement is used to set the attestation measurement header
	// This is primarily for testing/development; in production it's derived from the attested transport
	SetAttestationMeasurement string
}

// GetPKI fetches the public PKI material for a deployment.
func (c *Client) GetPKI(deploymentID interfaces.DeploymentID) (interfaces.DevicePKI, error) {
	url := fmt.Sprintf("%s/api/public/pki/%s", c.ServerAddr, deploymentID)
	resp, err := http.Get(url)
	if err != nil {
		return interfaces.DevicePKI{}, fmt.Errorf("could not request pki endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return interfaces.DevicePKI{}, fmt.Errorf("pki endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return interfaces.DevicePKI{}, fmt.Errorf("pki endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsedResponse api.PKIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsedResponse); err != nil {
		return interfaces.DevicePKI{}, fmt.Errorf("could not parse pki response: %w", err)
	}

	return interfaces.DevicePKI{
		CA:          parsedResponse.CACert,
		Pubkey:      parsedResponse.DevicePubkey,
		Attestation: parsedResponse.Attestation,
	}, nil
}

// DeviceSecrets requests device key material from the KMS service,
// forwarding the device CSR. The request goes through the attested
// transport, so the KMS sees and verifies this service's identity.
func (c *Client) DeviceSecrets(deploymentID interfaces.DeploymentID, csr interfaces.TLSCSR) (*interfaces.DeviceSecrets, error) {
	url := fmt.Sprintf("%s/api/attested/secrets/%s", c.ServerAddr, deploymentID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(csr))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	if c.SetAttestationType != "" {
		req.Header.Set(api.AttestationTypeHeader, c.SetAttestationType)
	}
	if c.SetAttestationMeasurement != "" {
		req.Header.Set(api.MeasurementHeader, c.SetAttestationMeasurement)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request secrets endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("secrets endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("secrets endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsedResponse api.SecretsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsedResponse); err != nil {
		return nil, fmt.Errorf("could not parse secrets response: %w", err)
	}

	return &parsedResponse.DeviceSecrets, nil
}

// FetchOnboardKey retrieves the encrypted master key for a pending
// onboard request. The returned bytes decrypt with the transport private
// key the request was made with.
func (c *Client) FetchOnboardKey(identity interfaces.DeviceIdentity) ([]byte, error) {
	url := fmt.Sprintf("%s/api/attested/onboard/%s", c.ServerAddr, identity)
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("could not request onboard endpoint: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read onboard response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("onboard endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return bodyBytes, nil
}
