// Package facade is the single surface the UI layer talks to. It forwards
// to the queue, the network monitor and the sync engine without adding
// logic of its own, so callers never reach into the components directly.
package facade

import (
	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/network"
	"github.com/civicreport/civicnode/internal/queue"
	syncengine "github.com/civicreport/civicnode/internal/sync"
	"github.com/civicreport/civicnode/internal/violation"
)

// Snapshot is the combined reactive state handed to the UI in one read.
type Snapshot struct {
	Sync    syncengine.Status `json:"sync"`
	Network network.State     `json:"network"`
	Queue   queue.Stats       `json:"queue"`
}

// Facade bundles the offline sync core behind one API.
type Facade struct {
	cfg     *config.Manager
	queue   *queue.OfflineQueue
	monitor *network.Monitor
	engine  *syncengine.Engine
}

// New creates the facade over already-wired components.
func New(cfg *config.Manager, q *queue.OfflineQueue, m *network.Monitor, e *syncengine.Engine) *Facade {
	return &Facade{cfg: cfg, queue: q, monitor: m, engine: e}
}

// Snapshot returns the current combined state.
func (f *Facade) Snapshot() Snapshot {
	return Snapshot{
		Sync:    f.engine.Status(),
		Network: f.monitor.State(),
		Queue:   f.queue.Stats(),
	}
}

// SyncData runs a manual sync pass, joining the in-flight one if present.
func (f *Facade) SyncData() (*syncengine.PassResult, error) {
	return f.engine.Sync()
}

// PauseSync suspends automatic syncing.
func (f *Facade) PauseSync() { f.engine.Pause() }

// ResumeSync re-enables automatic syncing.
func (f *Facade) ResumeSync() { f.engine.Resume() }

// SaveOfflineViolation validates and queues a report for later sync.
func (f *Facade) SaveOfflineViolation(v violation.Violation, isNew bool) (*queue.QueuedViolation, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return f.queue.Save(v, isNew)
}

// GetOfflineViolations lists the pending reports.
func (f *Facade) GetOfflineViolations() []queue.QueuedViolation {
	return f.queue.List()
}

// ClearOfflineViolations empties the pending queue.
func (f *Facade) ClearOfflineViolations() error {
	return f.queue.Clear()
}

// ResolveConflict settles one conflict with the given strategy; empty means
// the configured default.
func (f *Facade) ResolveConflict(conflictID string, strategy config.ConflictStrategy) error {
	return f.engine.ResolveConflict(conflictID, strategy)
}

// Conflicts lists the pending conflicts.
func (f *Facade) Conflicts() []syncengine.Conflict {
	return f.engine.Conflicts()
}

// UpdateSyncSettings persists new sync settings.
func (f *Facade) UpdateSyncSettings(s config.SyncSettings) error {
	return f.cfg.SetSyncSettings(s)
}

// SyncSettings returns the current sync settings.
func (f *Facade) SyncSettings() config.SyncSettings {
	return f.cfg.Get().Sync
}

// ClearSyncErrors empties the cumulative error log.
func (f *Facade) ClearSyncErrors() { f.engine.ClearErrors() }

// CheckNetwork forces an immediate reachability check.
func (f *Facade) CheckNetwork() network.State {
	return f.monitor.Check()
}

// DeadLetters lists reports that exhausted their retries or went stale.
func (f *Facade) DeadLetters() []queue.QueuedViolation {
	return f.queue.DeadLetters()
}

// RetryDeadLetter requeues one dead-lettered report.
func (f *Facade) RetryDeadLetter(localID string) error {
	return f.queue.RetryDead(localID)
}

// RetryAllDeadLetters requeues every dead-lettered report.
func (f *Facade) RetryAllDeadLetters() (int, error) {
	return f.queue.RetryAllDead()
}

// ClearDeadLetters empties the dead-letter list.
func (f *Facade) ClearDeadLetters() error {
	return f.queue.ClearDead()
}
