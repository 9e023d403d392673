// Package sync drives single-flight synchronization of the offline queue
// against the violations platform.
package sync

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicreport/civicnode/internal/api"
	"github.com/civicreport/civicnode/internal/bus"
	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/photo"
	"github.com/civicreport/civicnode/internal/queue"
	"github.com/civicreport/civicnode/internal/violation"
)

// autoFloor is the minimum spacing between automatically triggered passes.
// Interval ticks, reachability recovery and queue growth all funnel through
// this single rate limiter, so connectivity flapping cannot stack passes.
const autoFloor = 10 * time.Second

// maxErrorLog caps the cumulative error log kept for the UI; the oldest
// entries are dropped past this point.
const maxErrorLog = 100

// ViolationAPI is the remote violations API the engine submits to.
// Implemented by api.Client.
type ViolationAPI interface {
	CreateViolation(v violation.Violation) (*api.Result, error)
	UpdateViolation(id string, v violation.Violation) (*api.Result, error)
}

// PhotoUploader is the photo storage capability. Implemented by
// photo.Uploader.
type PhotoUploader interface {
	Upload(path string) *photo.UploadResult
}

// NetworkSource reports whether the platform is reachable. Implemented by
// network.Monitor.
type NetworkSource interface {
	Online() bool
}

// SyncError is one entry in the cumulative error log shown to the UI.
type SyncError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ItemCount int       `json:"itemCount"`
}

// Conflict pairs a queued local report with the server's version of the
// same record, awaiting resolution.
type Conflict struct {
	ID         string                `json:"id"`
	LocalID    string                `json:"localId"`
	Local      queue.QueuedViolation `json:"localViolation"`
	ServerData violation.Violation   `json:"serverData"`
	DetectedAt time.Time             `json:"detectedAt"`
}

// Status is the reactive sync state exposed to the facade.
type Status struct {
	IsSyncing    bool        `json:"isSyncing"`
	SyncProgress int         `json:"syncProgress"`
	LastSync     time.Time   `json:"lastSync"`
	NextSync     time.Time   `json:"nextSync"`
	SyncErrors   []SyncError `json:"syncErrors"`
	Conflicts    []Conflict  `json:"conflicts"`
	Paused       bool        `json:"paused"`
	PendingCount int         `json:"pendingCount"`
}

// PassResult aggregates one sync pass.
type PassResult struct {
	Synced       int  `json:"synced"`
	Conflicts    int  `json:"conflicts"`
	Failed       int  `json:"failed"`
	Expired      int  `json:"expired"`
	Total        int  `json:"total"`
	NoConnection bool `json:"noConnection,omitempty"`
}

// passToken ties waiters to the pass they joined, so a late caller always
// reads the result of the pass it awaited.
type passToken struct {
	done chan struct{}
	res  *PassResult
	err  error
}

// Engine drains the offline queue against the platform. Exactly one pass
// runs at a time; concurrent trigger sources collapse into it and receive
// the same result. Items are processed strictly sequentially to bound
// backend load and keep conflict handling deterministic.
type Engine struct {
	cfg     *config.Manager
	queue   *queue.OfflineQueue
	api     ViolationAPI
	photos  PhotoUploader
	network NetworkSource
	bus     *bus.Bus // optional

	mu        sync.Mutex
	current   *passToken
	progress  int
	lastSync  time.Time
	nextSync  time.Time
	errors    []SyncError
	conflicts []Conflict
	paused    bool
	lastAuto  time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewEngine creates a sync engine. bus may be nil (tests, library use).
func NewEngine(cfg *config.Manager, q *queue.OfflineQueue, apiClient ViolationAPI, photos PhotoUploader, network NetworkSource, b *bus.Bus) *Engine {
	return &Engine{
		cfg:      cfg,
		queue:    q,
		api:      apiClient,
		photos:   photos,
		network:  network,
		bus:      b,
		lastSync: cfg.Get().LastSync,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the auto-sync timer.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.autoSyncLoop()
}

// Stop halts the auto-sync timer. A pass already running completes over
// its snapshot; mid-pass cancellation is not supported.
func (e *Engine) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Engine) autoSyncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Get().Sync.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			// Settings can change at runtime; follow the configured cadence.
			ticker.Reset(e.cfg.Get().Sync.Interval())
			e.TriggerAuto("interval")
		}
	}
}

// TriggerAuto requests an automatic pass. All automatic trigger sources go
// through this one rate-limited entry point; triggers inside the floor
// window, while paused, while a pass is in flight, with an empty queue or
// while offline are dropped.
func (e *Engine) TriggerAuto(reason string) {
	if !e.allowAuto() {
		return
	}
	log.Printf("🔄 Auto-sync triggered (%s)", reason)
	go func() {
		if _, err := e.Sync(); err != nil {
			log.Printf("⚠️ Auto-sync failed: %v", err)
		}
	}()
}

// allowAuto applies the auto-trigger policy and, when it admits a trigger,
// consumes a rate-limiter slot.
func (e *Engine) allowAuto() bool {
	settings := e.cfg.Get().Sync

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused || !settings.AutoSync {
		return false
	}
	if e.current != nil {
		return false
	}
	now := e.now()
	if !e.lastAuto.IsZero() && now.Sub(e.lastAuto) < autoFloor {
		return false
	}
	if e.queue.Count() == 0 || !e.network.Online() {
		return false
	}
	e.lastAuto = now
	return true
}

// Sync runs one synchronization pass. Concurrent callers collapse into a
// single pass: late callers block until the in-flight pass finishes and
// receive its result. Manual callers bypass the auto-trigger rate limiter
// by design.
func (e *Engine) Sync() (*PassResult, error) {
	e.mu.Lock()
	if e.current != nil {
		token := e.current
		e.mu.Unlock()
		<-token.done
		return token.res, token.err
	}
	token := &passToken{done: make(chan struct{})}
	e.current = token
	e.progress = 0
	e.mu.Unlock()

	res, err := e.runPass()

	e.mu.Lock()
	token.res, token.err = res, err
	e.current = nil
	close(token.done)
	e.mu.Unlock()

	e.publishStatus()
	return res, err
}

// runPass drains a snapshot of the queue. Per-item failures never abort
// the pass; an error return means something outside the per-item protocol
// broke.
func (e *Engine) runPass() (*PassResult, error) {
	if !e.network.Online() {
		// Soft outcome: queue untouched, nothing logged as an error.
		return &PassResult{NoConnection: true}, nil
	}

	expired := e.queue.ExpireStale(e.now())
	if expired > 0 {
		log.Printf("⏰ %d stale report(s) moved to dead letter", expired)
	}

	items := e.queue.List()
	settings := e.cfg.Get().Sync
	if settings.BatchSize > 0 && len(items) > settings.BatchSize {
		items = items[:settings.BatchSize]
	}

	result := &PassResult{Total: len(items), Expired: expired}
	if len(items) == 0 {
		e.finishPass(settings)
		return result, nil
	}

	log.Printf("🔄 Sync pass started: %d pending report(s)", len(items))

	for i, item := range items {
		e.setProgress(i * 100 / len(items))
		e.syncItem(item, result)
	}
	e.setProgress(100)
	e.finishPass(settings)

	log.Printf("✅ Sync pass finished: %d synced, %d conflicts, %d failed",
		result.Synced, result.Conflicts, result.Failed)
	return result, nil
}

// syncItem submits one queued report: photo first, then create or update.
// A report that had a photo is never submitted without it.
func (e *Engine) syncItem(item queue.QueuedViolation, result *PassResult) {
	data := item.Data

	if data.PhotoPath != "" && data.PhotoURL == "" {
		up := e.photos.Upload(data.PhotoPath)
		if !up.Success {
			e.recordItemFailure(item, fmt.Sprintf("photo upload failed: %s", up.Error), result)
			return
		}
		data.PhotoURL = up.SecureURL
		data.PhotoPath = ""
	}

	var res *api.Result
	var err error
	if item.IsNew {
		res, err = e.api.CreateViolation(data)
	} else {
		res, err = e.api.UpdateViolation(data.ID, data)
	}
	if err != nil {
		e.recordItemFailure(item, err.Error(), result)
		return
	}

	switch {
	case res.Success:
		if err := e.queue.Remove(item.LocalID); err != nil {
			log.Printf("⚠️ Failed to remove synced report %s: %v", item.LocalID, err)
		}
		result.Synced++

	case res.Status == http.StatusConflict:
		// Not a failure: the report stays queued awaiting resolution.
		server := violation.Violation{}
		if res.Data != nil {
			server = *res.Data
		}
		e.addConflict(item, server)
		result.Conflicts++

	default:
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("platform returned %d", res.Status)
		}
		e.recordItemFailure(item, msg, result)
	}
}

// recordItemFailure keeps the item queued for the next pass (or promotes
// it to dead letter) and appends to the cumulative error log.
func (e *Engine) recordItemFailure(item queue.QueuedViolation, msg string, result *PassResult) {
	result.Failed++

	promoted, err := e.queue.MarkFailed(item.LocalID, msg)
	if err != nil {
		log.Printf("⚠️ Failed to record failure for %s: %v", item.LocalID, err)
	}
	if !promoted {
		log.Printf("⚠️ Report %s failed: %s", item.LocalID, msg)
	}

	e.mu.Lock()
	e.errors = append(e.errors, SyncError{
		Message:   fmt.Sprintf("%s: %s", item.LocalID, msg),
		Timestamp: e.now(),
		ItemCount: 1,
	})
	if len(e.errors) > maxErrorLog {
		e.errors = e.errors[len(e.errors)-maxErrorLog:]
	}
	e.mu.Unlock()
}

// addConflict records a pending conflict, replacing any earlier entry for
// the same queued report so repeated passes do not stack duplicates.
func (e *Engine) addConflict(item queue.QueuedViolation, server violation.Violation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.conflicts {
		if e.conflicts[i].LocalID == item.LocalID {
			e.conflicts[i].Local = item
			e.conflicts[i].ServerData = server
			e.conflicts[i].DetectedAt = e.now()
			return
		}
	}
	e.conflicts = append(e.conflicts, Conflict{
		ID:         uuid.New().String(),
		LocalID:    item.LocalID,
		Local:      item,
		ServerData: server,
		DetectedAt: e.now(),
	})
}

func (e *Engine) setProgress(p int) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

func (e *Engine) finishPass(settings config.SyncSettings) {
	now := e.now()

	e.mu.Lock()
	e.lastSync = now
	e.nextSync = now.Add(settings.Interval())
	e.mu.Unlock()

	if err := e.cfg.UpdateLastSync(now); err != nil {
		log.Printf("⚠️ Failed to persist last sync time: %v", err)
	}
}

// Pause stops future automatic passes from being scheduled. It does not
// abort a pass already running.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Println("⏸️ Auto-sync paused")
	e.publishStatus()
}

// Resume re-enables automatic passes and immediately offers a trigger.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Println("▶️ Auto-sync resumed")
	e.publishStatus()
	e.TriggerAuto("resume")
}

// Status returns a snapshot of the reactive sync state.
func (e *Engine) Status() Status {
	pending := e.queue.Count()

	e.mu.Lock()
	defer e.mu.Unlock()

	errs := make([]SyncError, len(e.errors))
	copy(errs, e.errors)
	conflicts := make([]Conflict, len(e.conflicts))
	copy(conflicts, e.conflicts)

	return Status{
		IsSyncing:    e.current != nil,
		SyncProgress: e.progress,
		LastSync:     e.lastSync,
		NextSync:     e.nextSync,
		SyncErrors:   errs,
		Conflicts:    conflicts,
		Paused:       e.paused,
		PendingCount: pending,
	}
}

// Conflicts returns the pending conflicts.
func (e *Engine) Conflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// ClearErrors empties the cumulative error log.
func (e *Engine) ClearErrors() {
	e.mu.Lock()
	e.errors = nil
	e.mu.Unlock()
	e.publishStatus()
}

// publishStatus pushes the current status onto the bus for live consumers.
func (e *Engine) publishStatus() {
	if e.bus == nil {
		return
	}
	if err := e.bus.PublishJSON(bus.SubjectSyncStatus, e.Status()); err != nil {
		log.Printf("⚠️ Failed to publish sync status: %v", err)
	}
}
