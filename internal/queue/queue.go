// Package queue implements the durable offline violation queue: a
// crash-safe holding area for reports created while the platform is out of
// reach, persisted as a JSON array in the key-value store.
package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicreport/civicnode/internal/store"
	"github.com/civicreport/civicnode/internal/violation"
)

const (
	queueKey = "offline_violations"
	deadKey  = "dead_letter_violations"
)

// MaxAge is how long a queued report stays eligible for sync. Older items
// are expired to the dead-letter list instead of being submitted.
const MaxAge = 24 * time.Hour

// QueuedViolation is one report awaiting server confirmation. Synced flips
// to true only on removal, so a queued entry is always unconfirmed.
type QueuedViolation struct {
	LocalID    string              `json:"localId"`
	Data       violation.Violation `json:"data"`
	IsNew      bool                `json:"isNew"`
	Synced     bool                `json:"synced"`
	SavedAt    time.Time           `json:"savedAt"`
	RetryCount int                 `json:"retryCount"`
	LastError  string              `json:"lastError,omitempty"`
}

// Stats holds queue counters.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

// OfflineQueue is a FIFO of violations not yet confirmed on the server.
// Every mutation is a read-modify-write of the whole persisted array under
// one mutex; entries leave the pending list only after confirmed server
// acceptance, dead-letter promotion or explicit clearing.
type OfflineQueue struct {
	store      store.Store
	maxRetries int

	mu       sync.Mutex
	onChange func(pending int)
}

// New creates a queue over the given store. maxRetries bounds how many
// failed passes an item survives before moving to the dead-letter list.
func New(s store.Store, maxRetries int) *OfflineQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OfflineQueue{store: s, maxRetries: maxRetries}
}

// OnChange registers a callback invoked with the pending count after every
// mutation. The sync engine hooks its queue-growth trigger here. The
// callback runs outside the queue lock.
func (q *OfflineQueue) OnChange(fn func(pending int)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Save assigns a local ID and appends the report to the persisted queue.
func (q *OfflineQueue) Save(v violation.Violation, isNew bool) (*QueuedViolation, error) {
	q.mu.Lock()
	items := q.loadLocked(queueKey)
	item := QueuedViolation{
		LocalID: newLocalID(),
		Data:    v,
		IsNew:   isNew,
		SavedAt: time.Now(),
	}
	items = append(items, item)
	err := q.persistLocked(queueKey, items)
	fn, n := q.onChange, len(items)
	q.mu.Unlock()

	if err != nil {
		return nil, err
	}
	log.Printf("📥 Report queued offline: %s (%s)", item.LocalID, v.Category)
	if fn != nil {
		fn(n)
	}
	return &item, nil
}

// List returns the pending reports, insertion order preserved.
func (q *OfflineQueue) List() []QueuedViolation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(queueKey)
}

// Count returns the number of pending reports.
func (q *OfflineQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.loadLocked(queueKey))
}

// Stats returns pending and dead-letter counts.
func (q *OfflineQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending: len(q.loadLocked(queueKey)),
		Dead:    len(q.loadLocked(deadKey)),
	}
}

// Remove drops one confirmed report from the queue. Removing an absent ID
// is a no-op.
func (q *OfflineQueue) Remove(localID string) error {
	q.mu.Lock()
	items := q.loadLocked(queueKey)
	kept := items[:0]
	removed := false
	for _, it := range items {
		if it.LocalID == localID {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	var err error
	if removed {
		err = q.persistLocked(queueKey, kept)
	}
	fn, n := q.onChange, len(kept)
	q.mu.Unlock()

	if err != nil {
		return err
	}
	if removed && fn != nil {
		fn(n)
	}
	return nil
}

// Clear empties the pending queue.
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	err := q.persistLocked(queueKey, nil)
	fn := q.onChange
	q.mu.Unlock()

	if err != nil {
		return err
	}
	if fn != nil {
		fn(0)
	}
	return nil
}

// MarkFailed records a failed sync attempt for a report. After maxRetries
// failures the report is promoted to the dead-letter list. Returns true if
// the report was promoted.
func (q *OfflineQueue) MarkFailed(localID, errMsg string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.loadLocked(queueKey)
	for i := range items {
		if items[i].LocalID != localID {
			continue
		}
		items[i].RetryCount++
		items[i].LastError = errMsg

		if items[i].RetryCount >= q.maxRetries {
			dead := append(q.loadLocked(deadKey), items[i])
			if err := q.persistLocked(deadKey, dead); err != nil {
				return false, err
			}
			remaining := append(items[:i:i], items[i+1:]...)
			if err := q.persistLocked(queueKey, remaining); err != nil {
				return false, err
			}
			log.Printf("❌ Report %s dead-lettered after %d attempts", localID, items[i].RetryCount)
			return true, nil
		}

		err := q.persistLocked(queueKey, items)
		return false, err
	}
	return false, nil
}

// ExpireStale moves reports older than MaxAge to the dead-letter list and
// returns how many were expired.
func (q *OfflineQueue) ExpireStale(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.loadLocked(queueKey)
	kept := items[:0]
	var expired []QueuedViolation
	for _, it := range items {
		if now.Sub(it.SavedAt) > MaxAge {
			it.LastError = "expired: report older than 24h"
			expired = append(expired, it)
			continue
		}
		kept = append(kept, it)
	}
	if len(expired) == 0 {
		return 0
	}

	dead := append(q.loadLocked(deadKey), expired...)
	if err := q.persistLocked(deadKey, dead); err != nil {
		return 0
	}
	if err := q.persistLocked(queueKey, kept); err != nil {
		return 0
	}
	return len(expired)
}

// DeadLetters returns the dead-letter list.
func (q *OfflineQueue) DeadLetters() []QueuedViolation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(deadKey)
}

// RetryDead moves one dead-lettered report back to the pending queue with
// its retry count reset.
func (q *OfflineQueue) RetryDead(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead := q.loadLocked(deadKey)
	for i := range dead {
		if dead[i].LocalID != localID {
			continue
		}
		item := dead[i]
		item.RetryCount = 0
		item.LastError = ""

		items := append(q.loadLocked(queueKey), item)
		if err := q.persistLocked(queueKey, items); err != nil {
			return err
		}
		remaining := append(dead[:i:i], dead[i+1:]...)
		return q.persistLocked(deadKey, remaining)
	}
	return fmt.Errorf("report %s not found in dead-letter list", localID)
}

// RetryAllDead requeues every dead-lettered report and returns the count.
func (q *OfflineQueue) RetryAllDead() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead := q.loadLocked(deadKey)
	if len(dead) == 0 {
		return 0, nil
	}
	items := q.loadLocked(queueKey)
	for _, item := range dead {
		item.RetryCount = 0
		item.LastError = ""
		items = append(items, item)
	}
	if err := q.persistLocked(queueKey, items); err != nil {
		return 0, err
	}
	if err := q.persistLocked(deadKey, nil); err != nil {
		return 0, err
	}
	return len(dead), nil
}

// ClearDead empties the dead-letter list.
func (q *OfflineQueue) ClearDead() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked(deadKey, nil)
}

// loadLocked reads a persisted list. A missing or corrupt value is an
// empty queue, never a fatal error.
func (q *OfflineQueue) loadLocked(key string) []QueuedViolation {
	raw, ok, err := q.store.GetItem(key)
	if err != nil {
		log.Printf("⚠️ Failed to read %s: %v", key, err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var items []QueuedViolation
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		log.Printf("⚠️ Corrupt %s payload, treating as empty: %v", key, err)
		return nil
	}
	return items
}

// persistLocked writes a list back to the store.
func (q *OfflineQueue) persistLocked(key string, items []QueuedViolation) error {
	if items == nil {
		items = []QueuedViolation{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := q.store.SetItem(key, string(data)); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

// newLocalID generates a queue-unique identifier. IDs are never reused.
func newLocalID() string {
	return fmt.Sprintf("local_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}
