// Package config handles node configuration persistence and access.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

// NodeState represents the enrolment state of the node.
type NodeState string

const (
	StateUnregistered NodeState = "unregistered"
	StateRegistered   NodeState = "registered"
	StateError        NodeState = "error"
)

// ConflictStrategy selects how conflicting edits are reconciled.
type ConflictStrategy string

const (
	StrategyServer ConflictStrategy = "server"
	StrategyLocal  ConflictStrategy = "local"
	StrategyMerge  ConflictStrategy = "merge"
)

// PlatformConfig holds the municipal platform connection settings.
type PlatformConfig struct {
	ServerURL string `json:"serverUrl"`
	DeviceID  string `json:"deviceId,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
	UploadURL string `json:"uploadUrl,omitempty"` // photo storage endpoint; defaults to the platform
}

// IdentityConfig holds the device keypair presented during enrolment.
// The private key never leaves the device.
type IdentityConfig struct {
	PrivateKey string `json:"privateKey,omitempty"`
	PublicKey  string `json:"publicKey,omitempty"`
}

// SyncSettings control the sync engine. Persisted so the choices survive
// restarts.
type SyncSettings struct {
	AutoSync         bool             `json:"autoSync"`
	SyncIntervalMs   int              `json:"syncInterval"` // milliseconds
	BatchSize        int              `json:"batchSize"`
	RetryAttempts    int              `json:"retryAttempts"`
	ResolveConflicts ConflictStrategy `json:"resolveConflicts"`
}

// Interval returns the auto-sync cadence as a duration.
func (s SyncSettings) Interval() time.Duration {
	if s.SyncIntervalMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.SyncIntervalMs) * time.Millisecond
}

// DefaultSyncSettings returns the settings a fresh node starts with.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		AutoSync:         true,
		SyncIntervalMs:   300000,
		BatchSize:        10,
		RetryAttempts:    3,
		ResolveConflicts: StrategyServer,
	}
}

// AppConfig holds the complete node configuration.
type AppConfig struct {
	NodeName string `json:"nodeName"`

	State NodeState `json:"state"`

	Platform PlatformConfig `json:"platform"`

	Identity IdentityConfig `json:"identity"`

	Sync SyncSettings `json:"sync"`

	LastSync  time.Time `json:"lastSync"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager handles configuration persistence and access.
type Manager struct {
	configPath string
	dataDir    string
	config     *AppConfig
	mu         sync.RWMutex
}

// NewManager creates a config manager, loading the existing config file or
// creating a default one.
func NewManager(configPath, dataDir string) (*Manager, error) {
	m := &Manager{
		configPath: configPath,
		dataDir:    dataDir,
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(m.GetStoreDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := os.MkdirAll(m.GetPhotosDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create photos directory: %w", err)
	}

	if err := m.load(); err != nil {
		m.config = createDefaultConfig()
		if err := m.save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}

	return m, nil
}

// GetStoreDir returns the durable key-value store directory.
func (m *Manager) GetStoreDir() string {
	return filepath.Join(m.dataDir, "store")
}

// GetPhotosDir returns the directory for captured evidence photos.
func (m *Manager) GetPhotosDir() string {
	return filepath.Join(m.dataDir, "photos")
}

// Get returns a copy of the current config.
func (m *Manager) Get() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// GetState returns the current node state.
func (m *Manager) GetState() NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.State
}

// SetState updates the node state.
func (m *Manager) SetState(state NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.State = state
	m.config.UpdatedAt = time.Now()
	return m.saveUnsafe()
}

// SetPlatformConfig updates the platform connection settings.
func (m *Manager) SetPlatformConfig(platform PlatformConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Platform = platform
	m.config.UpdatedAt = time.Now()
	return m.saveUnsafe()
}

// SetNodeName updates the node name.
func (m *Manager) SetNodeName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.NodeName = name
	m.config.UpdatedAt = time.Now()
	return m.saveUnsafe()
}

// SetSyncSettings replaces the sync settings, filling gaps with defaults.
func (m *Manager) SetSyncSettings(s SyncSettings) error {
	if s.SyncIntervalMs <= 0 {
		s.SyncIntervalMs = DefaultSyncSettings().SyncIntervalMs
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultSyncSettings().BatchSize
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultSyncSettings().RetryAttempts
	}
	if s.ResolveConflicts == "" {
		s.ResolveConflicts = StrategyServer
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Sync = s
	m.config.UpdatedAt = time.Now()
	return m.saveUnsafe()
}

// UpdateLastSync records the completion time of a sync pass.
func (m *Manager) UpdateLastSync(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.LastSync = t
	return m.saveUnsafe()
}

// Reset clears the configuration to default. The device keypair is
// regenerated, severing the old platform identity.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = createDefaultConfig()
	return m.saveUnsafe()
}

// IsConfigured returns true if the node is enrolled with a platform.
func (m *Manager) IsConfigured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.State != StateUnregistered && m.config.Platform.ServerURL != ""
}

// load reads config from file.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}

	// Older config files may predate some settings.
	if cfg.Sync.SyncIntervalMs <= 0 {
		cfg.Sync = DefaultSyncSettings()
	}
	if cfg.Identity.PublicKey == "" {
		cfg.Identity = generateIdentity()
	}

	m.config = &cfg
	return nil
}

// save writes config to file.
func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

// saveUnsafe writes config to file (caller must hold lock).
func (m *Manager) saveUnsafe() error {
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.configPath, data, 0600)
}

// createDefaultConfig creates a new default configuration.
func createDefaultConfig() *AppConfig {
	hostname, _ := os.Hostname()

	return &AppConfig{
		NodeName:  hostname,
		State:     StateUnregistered,
		Platform:  PlatformConfig{},
		Identity:  generateIdentity(),
		Sync:      DefaultSyncSettings(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// generateIdentity creates a curve25519 keypair identifying this device to
// the platform.
func generateIdentity() IdentityConfig {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return IdentityConfig{}
	}

	// Clamp per curve25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return IdentityConfig{
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(pub[:]),
	}
}
