package facade

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicreport/civicnode/internal/api"
	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/network"
	"github.com/civicreport/civicnode/internal/photo"
	"github.com/civicreport/civicnode/internal/queue"
	"github.com/civicreport/civicnode/internal/store"
	syncengine "github.com/civicreport/civicnode/internal/sync"
	"github.com/civicreport/civicnode/internal/violation"
)

type okAPI struct{}

func (okAPI) CreateViolation(violation.Violation) (*api.Result, error) {
	return &api.Result{Success: true, Status: http.StatusCreated}, nil
}

func (okAPI) UpdateViolation(string, violation.Violation) (*api.Result, error) {
	return &api.Result{Success: true, Status: http.StatusOK}, nil
}

type okPhotos struct{}

func (okPhotos) Upload(string) *photo.UploadResult {
	return &photo.UploadResult{Success: true, SecureURL: "https://photos.example/x.jpg"}
}

type stubHealth struct{}

func (stubHealth) Health(context.Context) error { return nil }

func newTestFacade(t *testing.T) *Facade {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.NewManager(filepath.Join(dir, "config.json"), filepath.Join(dir, "data"))
	require.NoError(t, err)

	q := queue.New(store.NewMemoryStore(), 3)
	monitor := network.NewMonitor(stubHealth{}, network.Config{
		Device: func() (bool, network.Quality) { return false, network.QualityNone },
	})
	engine := syncengine.NewEngine(cfg, q, okAPI{}, okPhotos{}, monitor, nil)

	return New(cfg, q, monitor, engine)
}

func TestSaveOfflineViolationValidates(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.SaveOfflineViolation(violation.Violation{Category: "parking"}, true)
	assert.Error(t, err)

	item, err := f.SaveOfflineViolation(violation.Violation{
		Description: "double parked",
		Category:    violation.CategoryParking,
		ReportedAt:  time.Now(),
	}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, item.LocalID)

	assert.Len(t, f.GetOfflineViolations(), 1)
}

func TestSnapshotCombinesComponents(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.SaveOfflineViolation(violation.Violation{
		Description: "noise after hours",
		Category:    violation.CategoryNoise,
	}, true)
	require.NoError(t, err)

	snap := f.Snapshot()
	assert.Equal(t, 1, snap.Queue.Pending)
	assert.Equal(t, 1, snap.Sync.PendingCount)
	assert.False(t, snap.Network.IsOnline)
	assert.False(t, snap.Sync.Paused)
}

func TestSyncDataOffline(t *testing.T) {
	f := newTestFacade(t)
	f.CheckNetwork()

	res, err := f.SyncData()
	require.NoError(t, err)
	assert.True(t, res.NoConnection)
}

func TestPauseResume(t *testing.T) {
	f := newTestFacade(t)

	f.PauseSync()
	assert.True(t, f.Snapshot().Sync.Paused)

	f.ResumeSync()
	assert.False(t, f.Snapshot().Sync.Paused)
}

func TestUpdateSyncSettingsPersists(t *testing.T) {
	f := newTestFacade(t)

	s := config.DefaultSyncSettings()
	s.SyncIntervalMs = 120000
	require.NoError(t, f.UpdateSyncSettings(s))

	assert.Equal(t, 120000, f.SyncSettings().SyncIntervalMs)
}

func TestClearOfflineViolations(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.SaveOfflineViolation(violation.Violation{
		Description: "pothole",
		Category:    violation.CategoryRoad,
	}, true)
	require.NoError(t, err)

	require.NoError(t, f.ClearOfflineViolations())
	assert.Empty(t, f.GetOfflineViolations())
}
