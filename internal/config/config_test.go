package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "config.json"), filepath.Join(dir, "data"))
	require.NoError(t, err)
	return m
}

func TestDefaults(t *testing.T) {
	m := newTestManager(t)
	cfg := m.Get()

	assert.Equal(t, StateUnregistered, cfg.State)
	assert.Equal(t, DefaultSyncSettings(), cfg.Sync)
	assert.True(t, cfg.Sync.AutoSync)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval())
	assert.Equal(t, StrategyServer, cfg.Sync.ResolveConflicts)
	assert.False(t, m.IsConfigured())

	// A fresh node always has a device identity.
	assert.NotEmpty(t, cfg.Identity.PublicKey)
	assert.NotEmpty(t, cfg.Identity.PrivateKey)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	m1, err := NewManager(path, filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, m1.SetNodeName("kiosk-12"))
	require.NoError(t, m1.SetPlatformConfig(PlatformConfig{ServerURL: "https://city.example"}))
	require.NoError(t, m1.SetState(StateRegistered))
	identity := m1.Get().Identity

	m2, err := NewManager(path, filepath.Join(dir, "data"))
	require.NoError(t, err)
	cfg := m2.Get()
	assert.Equal(t, "kiosk-12", cfg.NodeName)
	assert.Equal(t, "https://city.example", cfg.Platform.ServerURL)
	assert.Equal(t, StateRegistered, cfg.State)
	assert.Equal(t, identity, cfg.Identity)
	assert.True(t, m2.IsConfigured())
}

func TestSetSyncSettingsFillsGaps(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SetSyncSettings(SyncSettings{AutoSync: false, SyncIntervalMs: 60000}))

	got := m.Get().Sync
	assert.False(t, got.AutoSync)
	assert.Equal(t, 60000, got.SyncIntervalMs)
	assert.Equal(t, DefaultSyncSettings().BatchSize, got.BatchSize)
	assert.Equal(t, DefaultSyncSettings().RetryAttempts, got.RetryAttempts)
	assert.Equal(t, StrategyServer, got.ResolveConflicts)
}

func TestUpdateLastSync(t *testing.T) {
	m := newTestManager(t)
	ts := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)

	require.NoError(t, m.UpdateLastSync(ts))
	assert.True(t, m.Get().LastSync.Equal(ts))
}

func TestResetRegeneratesIdentity(t *testing.T) {
	m := newTestManager(t)
	before := m.Get().Identity

	require.NoError(t, m.SetState(StateRegistered))
	require.NoError(t, m.Reset())

	cfg := m.Get()
	assert.Equal(t, StateUnregistered, cfg.State)
	assert.NotEqual(t, before.PublicKey, cfg.Identity.PublicKey)
}

func TestIntervalFallback(t *testing.T) {
	s := SyncSettings{SyncIntervalMs: 0}
	assert.Equal(t, 5*time.Minute, s.Interval())

	s.SyncIntervalMs = 1500
	assert.Equal(t, 1500*time.Millisecond, s.Interval())
}
