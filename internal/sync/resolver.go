package sync

import (
	"fmt"
	"log"

	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/violation"
)

// ResolveConflict settles one pending conflict using the given strategy.
// An empty strategy falls back to the configured default. On any failure
// both the queued report and the conflict entry stay intact, so resolution
// can be retried.
func (e *Engine) ResolveConflict(conflictID string, strategy config.ConflictStrategy) error {
	if strategy == "" {
		strategy = e.cfg.Get().Sync.ResolveConflicts
	}

	e.mu.Lock()
	var conflict Conflict
	found := false
	for _, c := range e.conflicts {
		if c.ID == conflictID || c.LocalID == conflictID {
			conflict = c
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		return fmt.Errorf("conflict %s not found", conflictID)
	}

	switch strategy {
	case config.StrategyServer:
		// The server version wins; the local edit is discarded.

	case config.StrategyLocal:
		data := conflict.Local.Data
		data.PhotoPath = ""
		if err := e.pushResolution(conflict, data); err != nil {
			return err
		}

	case config.StrategyMerge:
		merged := violation.Merge(conflict.ServerData, conflict.Local.Data, e.now())
		merged.PhotoPath = ""
		if err := e.pushResolution(conflict, merged); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	if err := e.queue.Remove(conflict.LocalID); err != nil {
		return fmt.Errorf("failed to dequeue resolved report: %w", err)
	}
	e.removeConflict(conflict.ID)
	log.Printf("✅ Conflict %s resolved (%s)", conflict.ID, strategy)
	e.publishStatus()
	return nil
}

// pushResolution submits the chosen version back to the platform under the
// server's record ID.
func (e *Engine) pushResolution(c Conflict, data violation.Violation) error {
	id := c.ServerData.ID
	if id == "" {
		id = c.Local.Data.ID
	}
	if id == "" {
		return fmt.Errorf("conflict %s has no server record id", c.ID)
	}

	res, err := e.api.UpdateViolation(id, data)
	if err != nil {
		return fmt.Errorf("failed to push resolution: %w", err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("platform returned %d", res.Status)
		}
		return fmt.Errorf("resolution rejected: %s", msg)
	}
	return nil
}

func (e *Engine) removeConflict(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conflicts {
		if e.conflicts[i].ID == id {
			e.conflicts = append(e.conflicts[:i], e.conflicts[i+1:]...)
			return
		}
	}
}
