package clients

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/api"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// RegistryAdminClient drives the deployment administration API. Every
// mutating request is signed with the admin's Ed25519 key; the server
// decides whether that key is a root key or a deployment admin key.
type RegistryAdminClient struct {
	baseURL    string
	adminKey   ed25519.PrivateKey
	httpClient *http.Client
}

// NewRegistryAdminClient creates an admin client for the given server
// base URL (e.g. "http://localhost:8080"). An optional timeout overrides
// the 30 second default.
func NewRegistryAdminClient(baseURL string, adminKey ed25519.PrivateKey, timeout ...time.Duration) *RegistryAdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &RegistryAdminClient{
		baseURL:  baseURL,
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// doSigned sends a signed admin request and returns the response body.
// Non-200 responses are returned as errors carrying the server's message.
func (c *RegistryAdminClient) doSigned(method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	api.SignAdminRequest(req, c.adminKey, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &api.RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s %s: %s", method, path, bytes.TrimSpace(respBody))}
	}
	return respBody, nil
}

// CreateDeployment creates the registry for a new deployment. Requires a
// root admin key.
func (c *RegistryAdminClient) CreateDeployment(deployment interfaces.DeploymentID) error {
	_, err := c.doSigned(http.MethodPost, fmt.Sprintf("/api/admin/deployment/%s", deployment), nil)
	return err
}

// AllowIdentity adds a device identity to the deployment allowlist and
// returns the identity hash the server computed.
func (c *RegistryAdminClient) AllowIdentity(deployment interfaces.DeploymentID, req api.AllowIdentityRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.doSigned(http.MethodPost, fmt.Sprintf("/api/admin/identity/%s", deployment), body)
	if err != nil {
		return "", err
	}

	var resp api.IdentityResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Identity, nil
}

// RevokeIdentity removes a hex-encoded device identity from the
// deployment allowlist.
func (c *RegistryAdminClient) RevokeIdentity(deployment interfaces.DeploymentID, identity string) error {
	_, err := c.doSigned(http.MethodDelete, fmt.Sprintf("/api/admin/identity/%s/%s", deployment, identity), nil)
	return err
}

// AddComponent provisions a component ID and returns the updated
// provisioned component list.
func (c *RegistryAdminClient) AddComponent(deployment interfaces.DeploymentID, component interfaces.ComponentID) ([]string, error) {
	return c.componentRequest(http.MethodPost, fmt.Sprintf("/api/admin/component/%s/%s", deployment, component))
}

// RemoveComponent removes a provisioned component ID and returns the
// updated provisioned component list.
func (c *RegistryAdminClient) RemoveComponent(deployment interfaces.DeploymentID, component interfaces.ComponentID) ([]string, error) {
	return c.componentRequest(http.MethodDelete, fmt.Sprintf("/api/admin/component/%s/%s", deployment, component))
}

// ReplaceComponent swaps oldID for newID in place and returns the updated
// provisioned component list.
func (c *RegistryAdminClient) ReplaceComponent(deployment interfaces.DeploymentID, oldID, newID interfaces.ComponentID) ([]string, error) {
	return c.componentRequest(http.MethodPost, fmt.Sprintf("/api/admin/component/%s/%s/replace/%s", deployment, oldID, newID))
}

func (c *RegistryAdminClient) componentRequest(method, path string) ([]string, error) {
	respBody, err := c.doSigned(method, path, nil)
	if err != nil {
		return nil, err
	}

	var resp api.ProvisionedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Components, nil
}

// UploadArtifact stores an artifact in the deployment's storage backends
// and registers it as the current artifact for its content type.
func (c *RegistryAdminClient) UploadArtifact(deployment interfaces.DeploymentID, contentType interfaces.ContentType, data []byte) (*api.UploadArtifactResponse, error) {
	respBody, err := c.doSigned(http.MethodPost, fmt.Sprintf("/api/admin/artifact/%s/%s", deployment, contentType), data)
	if err != nil {
		return nil, err
	}

	var resp api.UploadArtifactResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// AddStorageBackend registers a storage backend location URI with the
// deployment and returns the updated backend list.
func (c *RegistryAdminClient) AddStorageBackend(deployment interfaces.DeploymentID, location string) ([]string, error) {
	return c.backendRequest(http.MethodPost, deployment, location)
}

// RemoveStorageBackend unregisters a storage backend location URI and
// returns the updated backend list.
func (c *RegistryAdminClient) RemoveStorageBackend(deployment interfaces.DeploymentID, location string) ([]string, error) {
	return c.backendRequest(http.MethodDelete, deployment, location)
}

func (c *RegistryAdminClient) backendRequest(method string, deployment interfaces.DeploymentID, location string) ([]string, error) {
	body, err := json.Marshal(api.StorageBackendRequest{Location: location})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.doSigned(method, fmt.Sprintf("/api/admin/backend/%s", deployment), body)
	if err != nil {
		return nil, err
	}

	var resp api.StorageBackendsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Backends, nil
}

// SetGate installs an operator gate secret for the deployment. The server
// salts and hashes the secret before storing it.
func (c *RegistryAdminClient) SetGate(deployment interfaces.DeploymentID, gate, secret string) error {
	body, err := json.Marshal(api.SetGateRequest{Secret: secret})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = c.doSigned(http.MethodPost, fmt.Sprintf("/api/admin/gate/%s/%s", deployment, gate), body)
	return err
}

// AddAdminKey registers an additional admin public key for the
// deployment.
func (c *RegistryAdminClient) AddAdminKey(deployment interfaces.DeploymentID, pubkey ed25519.PublicKey) error {
	body, err := json.Marshal(api.AddAdminKeyRequest{Pubkey: hex.EncodeToString(pubkey)})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = c.doSigned(http.MethodPost, fmt.Sprintf("/api/admin/adminkey/%s", deployment), body)
	return err
}
