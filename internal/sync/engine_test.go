package sync

import (
	"errors"
	"net/http"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicreport/civicnode/internal/api"
	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/photo"
	"github.com/civicreport/civicnode/internal/queue"
	"github.com/civicreport/civicnode/internal/store"
	"github.com/civicreport/civicnode/internal/violation"
)

type fakeAPI struct {
	mu           stdsync.Mutex
	createCalls  int
	updateCalls  int
	lastUpdateID string
	lastPayload  violation.Violation
	createFn     func(violation.Violation) (*api.Result, error)
	updateFn     func(string, violation.Violation) (*api.Result, error)
}

func (f *fakeAPI) CreateViolation(v violation.Violation) (*api.Result, error) {
	f.mu.Lock()
	f.createCalls++
	f.lastPayload = v
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(v)
	}
	return &api.Result{Success: true, Status: http.StatusCreated}, nil
}

func (f *fakeAPI) UpdateViolation(id string, v violation.Violation) (*api.Result, error) {
	f.mu.Lock()
	f.updateCalls++
	f.lastUpdateID = id
	f.lastPayload = v
	fn := f.updateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, v)
	}
	return &api.Result{Success: true, Status: http.StatusOK}, nil
}

func (f *fakeAPI) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeAPI) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

type fakeNet struct{ online bool }

func (f *fakeNet) Online() bool { return f.online }

type fakePhotos struct {
	result *photo.UploadResult
	calls  int
}

func (f *fakePhotos) Upload(path string) *photo.UploadResult {
	f.calls++
	if f.result != nil {
		return f.result
	}
	return &photo.UploadResult{Success: true, SecureURL: "https://photos.example/up.jpg"}
}

type fixture struct {
	engine *Engine
	cfg    *config.Manager
	queue  *queue.OfflineQueue
	api    *fakeAPI
	net    *fakeNet
	photos *fakePhotos
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.NewManager(filepath.Join(dir, "config.json"), filepath.Join(dir, "data"))
	require.NoError(t, err)

	f := &fixture{
		cfg:    cfg,
		queue:  queue.New(store.NewMemoryStore(), 3),
		api:    &fakeAPI{},
		net:    &fakeNet{online: true},
		photos: &fakePhotos{},
	}
	f.engine = NewEngine(cfg, f.queue, f.api, f.photos, f.net, nil)
	return f
}

func (f *fixture) enqueue(t *testing.T, v violation.Violation, isNew bool) *queue.QueuedViolation {
	t.Helper()
	item, err := f.queue.Save(v, isNew)
	require.NoError(t, err)
	return item
}

func report(desc string) violation.Violation {
	return violation.Violation{
		Description: desc,
		Category:    violation.CategoryParking,
		ReportedAt:  time.Now(),
	}
}

func TestSyncOfflineTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.net.online = false
	f.enqueue(t, report("offline"), true)

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.True(t, res.NoConnection)
	assert.Equal(t, 1, f.queue.Count())
	assert.Zero(t, f.api.creates())
	assert.Empty(t, f.engine.Status().SyncErrors)
}

func TestSyncPassDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("one"), true)
	f.enqueue(t, report("two"), true)

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 2, f.api.creates())
	assert.Zero(t, f.queue.Count())

	st := f.engine.Status()
	assert.False(t, st.IsSyncing)
	assert.Equal(t, 100, st.SyncProgress)
	assert.False(t, st.LastSync.IsZero())
	assert.True(t, st.NextSync.After(st.LastSync))
	// Completion time is persisted.
	assert.False(t, f.cfg.Get().LastSync.IsZero())
}

func TestSyncSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("contended"), true)

	started := make(chan struct{})
	release := make(chan struct{})
	f.api.createFn = func(violation.Violation) (*api.Result, error) {
		close(started)
		<-release
		return &api.Result{Success: true, Status: http.StatusCreated}, nil
	}

	type outcome struct {
		res *PassResult
		err error
	}
	results := make(chan outcome, 6)

	go func() {
		res, err := f.engine.Sync()
		results <- outcome{res, err}
	}()
	<-started

	// Late callers must join the in-flight pass, not start their own.
	for i := 0; i < 5; i++ {
		go func() {
			res, err := f.engine.Sync()
			results <- outcome{res, err}
		}()
	}
	// Give the waiters time to block on the in-flight pass before it is
	// allowed to finish.
	time.Sleep(100 * time.Millisecond)
	close(release)

	var first *PassResult
	for i := 0; i < 6; i++ {
		out := <-results
		require.NoError(t, out.err)
		if first == nil {
			first = out.res
		} else {
			assert.Same(t, first, out.res)
		}
	}

	assert.Equal(t, 1, f.api.creates())
	assert.Zero(t, f.queue.Count())
}

func TestSyncConflictKeepsItemQueued(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, report("local edit"), true)

	f.api.createFn = func(violation.Violation) (*api.Result, error) {
		return &api.Result{
			Success: false,
			Status:  http.StatusConflict,
			Data:    &violation.Violation{ID: "srv-1", Description: "edited on server"},
		}, nil
	}

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, f.queue.Count())

	conflicts := f.engine.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, item.LocalID, conflicts[0].LocalID)
	assert.Equal(t, "edited on server", conflicts[0].ServerData.Description)
	assert.NotEmpty(t, conflicts[0].ID)

	// A repeat pass refreshes the conflict instead of stacking a duplicate.
	_, err = f.engine.Sync()
	require.NoError(t, err)
	assert.Len(t, f.engine.Conflicts(), 1)

	// Conflicts do not consume retries.
	items := f.queue.List()
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount)
}

func TestSyncPhotoFailureBlocksSubmit(t *testing.T) {
	f := newFixture(t)
	v := report("with photo")
	v.PhotoPath = "/photos/evidence.jpg"
	f.enqueue(t, v, true)

	f.photos.result = &photo.UploadResult{Error: "storage unavailable"}

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	// A report with a photo is never submitted without it.
	assert.Zero(t, f.api.creates())
	assert.Equal(t, 1, f.photos.calls)

	items := f.queue.List()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Contains(t, items[0].LastError, "photo upload failed")

	errs := f.engine.Status().SyncErrors
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "storage unavailable")
}

func TestSyncUploadsPhotoBeforeCreate(t *testing.T) {
	f := newFixture(t)
	v := report("with photo")
	v.PhotoPath = "/photos/evidence.jpg"
	f.enqueue(t, v, true)

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, f.photos.calls)
	assert.Equal(t, "https://photos.example/up.jpg", f.api.lastPayload.PhotoURL)
	assert.Empty(t, f.api.lastPayload.PhotoPath)
}

func TestSyncUpdatesExistingRecords(t *testing.T) {
	f := newFixture(t)
	v := report("amended")
	v.ID = "srv-7"
	f.enqueue(t, v, false)

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, f.api.creates())
	assert.Equal(t, 1, f.api.updates())
	assert.Equal(t, "srv-7", f.api.lastUpdateID)
	assert.Zero(t, f.queue.Count())
}

func TestSyncDeadLettersAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("always fails"), true)

	f.api.createFn = func(violation.Violation) (*api.Result, error) {
		return nil, errors.New("connection reset")
	}

	for i := 0; i < 3; i++ {
		res, err := f.engine.Sync()
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	assert.Zero(t, f.queue.Count())
	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].RetryCount)
}

func TestSyncRespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	settings := config.DefaultSyncSettings()
	settings.BatchSize = 2
	require.NoError(t, f.cfg.SetSyncSettings(settings))

	for i := 0; i < 3; i++ {
		f.enqueue(t, report("batched"), true)
	}

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, f.queue.Count())
}

func TestSyncExpiresStaleBeforeSubmitting(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("stale"), true)

	// Age the item past the cutoff by pointing the engine's clock forward.
	f.engine.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	res, err := f.engine.Sync()
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Total)
	assert.Zero(t, f.api.creates())
	assert.Len(t, f.queue.DeadLetters(), 1)
}

func TestAllowAutoPolicy(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("pending"), true)

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.engine.now = func() time.Time { return now }

	require.True(t, f.engine.allowAuto())

	// Inside the floor window every source is suppressed.
	now = base.Add(5 * time.Second)
	assert.False(t, f.engine.allowAuto())

	now = base.Add(11 * time.Second)
	assert.True(t, f.engine.allowAuto())

	// Paused wins over everything.
	f.engine.Pause()
	now = base.Add(30 * time.Second)
	assert.False(t, f.engine.allowAuto())
	f.engine.mu.Lock()
	f.engine.paused = false
	f.engine.mu.Unlock()

	// AutoSync off suppresses automatic passes.
	settings := config.DefaultSyncSettings()
	settings.AutoSync = false
	require.NoError(t, f.cfg.SetSyncSettings(settings))
	now = base.Add(60 * time.Second)
	assert.False(t, f.engine.allowAuto())
	settings.AutoSync = true
	require.NoError(t, f.cfg.SetSyncSettings(settings))

	// An in-flight pass suppresses triggers.
	f.engine.mu.Lock()
	f.engine.current = &passToken{done: make(chan struct{})}
	f.engine.mu.Unlock()
	now = base.Add(90 * time.Second)
	assert.False(t, f.engine.allowAuto())
	f.engine.mu.Lock()
	f.engine.current = nil
	f.engine.mu.Unlock()

	// Nothing queued means nothing to sync.
	require.NoError(t, f.queue.Clear())
	now = base.Add(120 * time.Second)
	assert.False(t, f.engine.allowAuto())

	// Offline suppresses triggers.
	f.enqueue(t, report("again"), true)
	f.net.online = false
	now = base.Add(150 * time.Second)
	assert.False(t, f.engine.allowAuto())
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)

	f.engine.Pause()
	assert.True(t, f.engine.Status().Paused)

	f.engine.Resume()
	assert.False(t, f.engine.Status().Paused)
}

func TestClearErrors(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("fails"), true)
	f.api.createFn = func(violation.Violation) (*api.Result, error) {
		return &api.Result{Success: false, Status: http.StatusBadGateway, Error: "bad gateway"}, nil
	}

	_, err := f.engine.Sync()
	require.NoError(t, err)
	require.NotEmpty(t, f.engine.Status().SyncErrors)

	f.engine.ClearErrors()
	assert.Empty(t, f.engine.Status().SyncErrors)
}

func TestStatusReportsPendingCount(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, report("a"), true)
	f.enqueue(t, report("b"), true)

	st := f.engine.Status()
	assert.Equal(t, 2, st.PendingCount)
	assert.False(t, st.IsSyncing)
}
