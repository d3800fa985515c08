// ABOUTME: Append-only audit chain over an AuditStore with serialized appends.
// ABOUTME: Verify reports how many links held before the first break.

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/opsrelay/internal/store"
)

// Audit actions recorded by the coordinator.
const (
	ActionCommandCreated   = "command.created"
	ActionCommandConfirmed = "command.confirmed"
	ActionCommandDenied    = "command.denied"
	ActionCommandCancelled = "command.cancelled"
	ActionCommandRetried   = "command.retried"
	ActionCommandCompleted = "command.completed"
	ActionMacroRunStarted  = "macro_run.started"
	ActionMacroRunFinished = "macro_run.finished"
	ActionSessionDeleted   = "session.deleted"
)

// Verification is the outcome of Verify.
type Verification struct {
	Valid   bool `json:"valid"`
	Checked int  `json:"checked"`
	// BrokenAt is the id of the first entry that failed, zero when valid.
	BrokenAt int64 `json:"broken_at,omitempty"`
	// Reason describes the failure, empty when valid.
	Reason string `json:"reason,omitempty"`
}

// Chain appends to and verifies the audit log.
type Chain struct {
	mu     sync.Mutex
	store  store.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a chain over s.
func New(s store.AuditStore, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		store:  s,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Append links e to the newest stored entry, computes its hash and persists
// it. Appends are serialized so prev_hash always names the row stored
// immediately before.
func (c *Chain) Append(ctx context.Context, e *store.AuditEntry) (*store.AuditEntry, error) {
	if e.Action == "" {
		return nil, errors.New("audit action is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.store.LastAuditEntry(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.PrevHash = ""
	case err != nil:
		return nil, fmt.Errorf("reading chain head: %w", err)
	default:
		e.PrevHash = prev.EntryHash
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now().UTC()
	}
	if e.EntryHash, err = EntryHash(e); err != nil {
		return nil, err
	}
	if err := c.store.InsertAuditEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Verify checks count consecutive entries starting at startID.
func (c *Chain) Verify(ctx context.Context, startID int64, count int) (Verification, error) {
	if startID < 1 {
		startID = 1
	}
	entries, err := c.store.AuditRange(ctx, startID, count)
	if err != nil {
		return Verification{}, fmt.Errorf("loading audit range: %w", err)
	}

	v := Verification{Valid: true}
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.ID != prev.ID+1 {
				return c.broken(v, e.ID, fmt.Sprintf("entry %d missing", prev.ID+1)), nil
			}
			if e.PrevHash != prev.EntryHash {
				return c.broken(v, e.ID, "prev_hash does not match predecessor"), nil
			}
		}
		want, err := EntryHash(e)
		if err != nil {
			return Verification{}, err
		}
		if want != e.EntryHash {
			return c.broken(v, e.ID, "entry_hash does not match content"), nil
		}
		if i > 0 {
			v.Checked++
		}
	}
	return v, nil
}

func (c *Chain) broken(v Verification, id int64, reason string) Verification {
	v.Valid = false
	v.BrokenAt = id
	v.Reason = reason
	c.logger.Warn("audit chain broken", "entry_id", id, "reason", reason, "intact_links", v.Checked)
	return v
}
