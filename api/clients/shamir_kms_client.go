package clients

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
)

// AdminShareClient drives the KMS bootstrap API on behalf of one
// administrator. It signs every request, decrypts the admin's share on
// retrieval, and signs shares for submission during recovery.
type AdminShareClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminShareClient creates a bootstrap client. baseURL addresses the
// bootstrap mount point (e.g. "http://localhost:8081/admin"). An optional
// timeout overrides the 30 second default.
func NewAdminShareClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminShareClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	baseURL = strings.TrimSuffix(baseURL, "/")

	return &AdminShareClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// GetStatus queries the bootstrap state machine. The returned state is
// one of "initial", "generating_shares", "recovering" or "complete".
func (c *AdminShareClient) GetStatus() (string, error) {
	url := fmt.Sprintf("%s/status", c.baseURL)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse status response: %w", err)
	}

	return result.State, nil
}

// InitGenerate asks the server to generate a master key and prepare one
// encrypted share per admin. The share parameters are configured server
// side; the response reports the share assignments.
func (c *AdminShareClient) InitGenerate() (map[string]interface{}, error) {
	return c.signedJSONRequest(http.MethodPost, fmt.Sprintf("%s/init/generate", c.baseURL), nil)
}

// InitRecover switches the server into recovery mode so admins can submit
// their shares.
func (c *AdminShareClient) InitRecover() (map[string]interface{}, error) {
	return c.signedJSONRequest(http.MethodPost, fmt.Sprintf("%s/init/recover", c.baseURL), nil)
}

func (c *AdminShareClient) signedJSONRequest(method, url string, body []byte) (map[string]interface{}, error) {
	req, err := CreateSignedAdminRequest(method, url, body, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with code %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

// GetShare retrieves and decrypts this admin's share. The server returns
// the share encrypted with the admin's public key; decryption happens
// locally with the private key.
func (c *AdminShareClient) GetShare() (int, []byte, error) {
	url := fmt.Sprintf("%s/share", c.baseURL)

	req, err := CreateSignedAdminRequest(http.MethodGet, url, nil, c.adminID, c.privateKey)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("get share request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, nil, fmt.Errorf("get share failed with code %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ShareIndex     int    `json:"share_index"`
		EncryptedShare string `json:"encrypted_share"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, nil, fmt.Errorf("failed to parse response: %w", err)
	}

	encryptedShareBytes, err := base64.StdEncoding.DecodeString(result.EncryptedShare)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode encrypted share: %w", err)
	}

	privateKeyPEM, err := privateKeyToPEM(c.privateKey)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to convert private key to PEM: %w", err)
	}

	decryptedShare, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, encryptedShareBytes)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decrypt share: %w", err)
	}

	return result.ShareIndex, decryptedShare, nil
}

// SubmitShare signs and submits the admin's share during recovery. The
// returned message reports whether the KMS unlocked or is still waiting
// for more shares.
func (c *AdminShareClient) SubmitShare(shareIndex int, shareData []byte) (string, error) {
	url := fmt.Sprintf("%s/share", c.baseURL)

	hash := sha256.Sum256(shareData)
	signature, err := ecdsa.SignASN1(rand.Reader, c.privateKey, hash[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign share: %w", err)
	}

	reqBody := map[string]interface{}{
		"share_index": shareIndex,
		"share":       base64.StdEncoding.EncodeToString(shareData),
		"signature":   base64.StdEncoding.EncodeToString(signature),
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(http.MethodPost, url, reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit share request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit share failed with code %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	return result.Message, nil
}

// WaitForCompletion polls the bootstrap status until it reaches the
// "complete" state or the timeout elapses.
func (c *AdminShareClient) WaitForCompletion(timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		status, err := c.GetStatus()
		if err != nil {
			return fmt.Errorf("failed to get KMS status: %w", err)
		}

		if status == "complete" {
			return nil
		}

		time.Sleep(interval)
	}

	return errors.New("timeout waiting for KMS bootstrap completion")
}

// CreateSignedAdminRequest builds an HTTP request authenticated for the
// bootstrap API: the admin's ECDSA key signs sha256(path || body) and the
// signature travels in the X-Admin-Signature header next to X-Admin-ID.
func CreateSignedAdminRequest(method, reqUrl string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	var req *http.Request
	var err error

	if body != nil {
		req, err = http.NewRequest(method, reqUrl, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, reqUrl, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	// Only the path is signed, not the full URL.
	parsedURL, err := url.Parse(reqUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req.Header.Set("X-Admin-ID", adminID)

	message := parsedURL.Path
	if body != nil {
		message += string(body)
	}

	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))

	return req, nil
}

// SignBootstrapRequest adds bootstrap authentication headers to an
// existing request, reading and restoring its body.
func SignBootstrapRequest(req *http.Request, adminID string, privateKey *ecdsa.PrivateKey) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	req.Header.Set("X-Admin-ID", adminID)

	message := req.URL.Path

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}

		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		message += string(bodyBytes)
	}

	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))

	return nil
}

// privateKeyToPEM converts an ECDSA private key to PEM format.
func privateKeyToPEM(privateKey *ecdsa.PrivateKey) ([]byte, error) {
	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	return privateKeyPEM, nil
}
