// Package photo uploads evidence photos to the external photo storage
// service, treated as an opaque "upload file, get a URL back" capability.
package photo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/civicreport/civicnode/internal/config"
)

// UploadResult is the structured outcome of an upload attempt. Failures
// are reported in Error, never thrown.
type UploadResult struct {
	Success   bool   `json:"success"`
	SecureURL string `json:"secureUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Uploader sends photos as multipart forms.
type Uploader struct {
	config     *config.Manager
	httpClient *http.Client
}

// NewUploader creates a new photo uploader.
func NewUploader(cfg *config.Manager) *Uploader {
	return &Uploader{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Upload sends one photo. A single attempt only: the retry cadence is
// owned by the sync pass, not the uploader.
func (u *Uploader) Upload(path string) *UploadResult {
	cfg := u.config.Get()
	uploadURL := cfg.Platform.UploadURL
	if uploadURL == "" {
		if cfg.Platform.ServerURL == "" {
			return &UploadResult{Error: "photo storage not configured"}
		}
		uploadURL = cfg.Platform.ServerURL + "/api/photos"
	}

	file, err := os.Open(path)
	if err != nil {
		return &UploadResult{Error: fmt.Sprintf("failed to open photo: %v", err)}
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("photo", filepath.Base(path))
	if err != nil {
		return &UploadResult{Error: err.Error()}
	}
	if _, err := io.Copy(part, file); err != nil {
		return &UploadResult{Error: fmt.Sprintf("failed to read photo: %v", err)}
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, uploadURL, &body)
	if err != nil {
		return &UploadResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if cfg.Platform.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Platform.AuthToken)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return &UploadResult{Error: fmt.Sprintf("upload failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &UploadResult{Error: fmt.Sprintf("upload rejected: %s", string(respBody))}
	}

	var parsed struct {
		SecureURL string `json:"secure_url"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return &UploadResult{Error: "upload response missing URL"}
	}
	url := parsed.SecureURL
	if url == "" {
		url = parsed.URL
	}
	if url == "" {
		return &UploadResult{Error: "upload response missing URL"}
	}

	return &UploadResult{Success: true, SecureURL: url}
}
