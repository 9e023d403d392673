package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/violation"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.NewManager(filepath.Join(dir, "config.json"), filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, cfg.SetPlatformConfig(config.PlatformConfig{
		ServerURL: serverURL,
		DeviceID:  "dev-1",
		AuthToken: "tok",
	}))
	return NewClient(cfg)
}

func sample() violation.Violation {
	return violation.Violation{
		Description: "overflowing bin",
		Category:    violation.CategoryTrash,
		ReportedAt:  time.Now(),
	}
}

func TestCreateViolationSuccess(t *testing.T) {
	var gotAuth, gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/violations", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-ID")

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"id": "srv-9", "description": "overflowing bin"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.CreateViolation(sample())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, http.StatusCreated, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, "srv-9", res.Data.ID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "dev-1", gotDevice)
}

func TestUpdateViolationConflictCarriesServerRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/violations/srv-9", r.URL.Path)

		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "srv-9",
			"description": "edited on server",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.UpdateViolation("srv-9", sample())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusConflict, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, "edited on server", res.Data.Description)
}

func TestUpdateViolationRequiresID(t *testing.T) {
	c := newTestClient(t, "http://unused")
	_, err := c.UpdateViolation("", sample())
	assert.Error(t, err)
}

func TestSubmitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.CreateViolation(sample())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Contains(t, res.Error, "internal error")
}

func TestSubmitUnreachable(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.CreateViolation(sample())
	assert.Error(t, err)
}

func TestHealthBelow500IsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealth500IsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	assert.Error(t, c.Health(context.Background()))
}

func TestRegisterDeviceStoresCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/register", r.URL.Path)

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.PublicKey)
		assert.Equal(t, "kiosk-3", req.DeviceName)

		json.NewEncoder(w).Encode(RegisterResponse{
			Status:    "ok",
			DeviceID:  "dev-42",
			AuthToken: "secret",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.RegisterDevice(srv.URL, "kiosk-3"))

	cfg := c.config.Get()
	assert.Equal(t, "dev-42", cfg.Platform.DeviceID)
	assert.Equal(t, "secret", cfg.Platform.AuthToken)
	assert.Equal(t, "kiosk-3", cfg.NodeName)
	assert.Equal(t, config.StateRegistered, cfg.State)
}
