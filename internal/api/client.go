// Package api is the HTTP client for the municipal violations platform.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/violation"
)

// Client handles communication with the violations platform. Every call
// carries an explicit timeout so a hung request surfaces as a per-item
// failure instead of stalling a sync pass.
type Client struct {
	config     *config.Manager
	httpClient *http.Client
}

// NewClient creates a new platform client.
func NewClient(cfg *config.Manager) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Result is the structured outcome of a create/update call. A conflict
// (HTTP 409) is not an error: Success is false, Status is 409 and Data
// carries the server's current version of the record.
type Result struct {
	Success bool                 `json:"success"`
	Status  int                  `json:"status"`
	Data    *violation.Violation `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// CreateViolation submits a new report to the platform.
func (c *Client) CreateViolation(v violation.Violation) (*Result, error) {
	return c.submit(http.MethodPost, "/api/violations", v)
}

// UpdateViolation pushes changes to an existing report.
func (c *Client) UpdateViolation(id string, v violation.Violation) (*Result, error) {
	if id == "" {
		return nil, fmt.Errorf("violation id is required for update")
	}
	return c.submit(http.MethodPut, "/api/violations/"+id, v)
}

func (c *Client) submit(method, path string, v violation.Violation) (*Result, error) {
	cfg := c.config.Get()
	if cfg.Platform.ServerURL == "" {
		return nil, fmt.Errorf("platform not configured")
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal violation: %w", err)
	}

	req, err := http.NewRequest(method, cfg.Platform.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Platform.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Platform.AuthToken)
	}
	if cfg.Platform.DeviceID != "" {
		req.Header.Set("X-Device-ID", cfg.Platform.DeviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach platform: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		res := &Result{Success: true, Status: resp.StatusCode}
		res.Data = decodeViolation(respBody)
		return res, nil

	case resp.StatusCode == http.StatusConflict:
		// The conflict body carries the server's current record.
		return &Result{
			Success: false,
			Status:  resp.StatusCode,
			Data:    decodeViolation(respBody),
		}, nil

	default:
		return &Result{
			Success: false,
			Status:  resp.StatusCode,
			Error:   strings.TrimSpace(string(respBody)),
		}, nil
	}
}

// decodeViolation parses a response body, tolerating both a bare record
// and a {"data": {...}} envelope.
func decodeViolation(body []byte) *violation.Violation {
	if len(body) == 0 {
		return nil
	}

	var envelope struct {
		Data *violation.Violation `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data
	}

	var v violation.Violation
	if err := json.Unmarshal(body, &v); err == nil {
		return &v
	}
	return nil
}

// Health performs the lightweight reachability check used by the network
// monitor. Any response with a status below 500 counts as reachable, since
// a 401 or 404 still proves the platform is up; only transport failures and
// server errors do not.
func (c *Client) Health(ctx context.Context) error {
	cfg := c.config.Get()
	if cfg.Platform.ServerURL == "" {
		return fmt.Errorf("platform not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Platform.ServerURL+"/api/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// RegisterRequest enrols this device with the platform.
type RegisterRequest struct {
	DeviceName string `json:"device_name"`
	PublicKey  string `json:"public_key"`
}

// RegisterResponse from the platform.
type RegisterResponse struct {
	Status    string `json:"status"`
	DeviceID  string `json:"device_id"`
	AuthToken string `json:"auth_token"`
	Message   string `json:"message,omitempty"`
}

// RegisterDevice enrols the node using its public key and stores the
// issued device ID and auth token.
func (c *Client) RegisterDevice(serverURL, deviceName string) error {
	cfg := c.config.Get()

	reqBody := RegisterRequest{
		DeviceName: deviceName,
		PublicKey:  cfg.Identity.PublicKey,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.httpClient.Post(
		serverURL+"/api/devices/register",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed: %s", string(respBody))
	}

	var reg RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if reg.DeviceID == "" {
		return fmt.Errorf("registration failed: %s", reg.Message)
	}

	platCfg := cfg.Platform
	platCfg.ServerURL = serverURL
	platCfg.DeviceID = reg.DeviceID
	platCfg.AuthToken = reg.AuthToken
	if err := c.config.SetPlatformConfig(platCfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if deviceName != "" {
		if err := c.config.SetNodeName(deviceName); err != nil {
			return fmt.Errorf("failed to save node name: %w", err)
		}
	}
	if err := c.config.SetState(config.StateRegistered); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	log.Printf("✅ Registered with platform as device %s", reg.DeviceID)
	return nil
}
