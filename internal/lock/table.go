// Package lock implements the in-memory row lock table.
//
// Locks are advisory: the coordinator grants and broadcasts them, but edits
// are still accepted from non-holders (see DESIGN.md). A lock is keyed by a
// row-instance id (row id bound to its rendered position), carries a lease,
// and is lost on process restart.
package lock

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyLocked is returned when a different holder owns the row.
var ErrAlreadyLocked = errors.New("row already locked")

// Holder identifies who owns a lock. SpaceID records the owning scope so an
// expired lock can be announced to the right space.
type Holder struct {
	DisplayName string
	ConnID      string
	SpaceID     int64
}

type entry struct {
	holder    Holder
	expiresAt time.Time
}

// Table is the process-wide lock table. All access is serialized by one
// mutex; concurrent Acquire calls for the same row are linearized so exactly
// one wins.
type Table struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]entry
	now   func() time.Time
}

// New creates a table whose locks expire ttl after the last acquire.
// A non-positive ttl disables expiry.
func New(ttl time.Duration) *Table {
	return &Table{
		ttl:   ttl,
		locks: make(map[string]entry),
		now:   time.Now,
	}
}

func (t *Table) expired(e entry, now time.Time) bool {
	return t.ttl > 0 && now.After(e.expiresAt)
}

// Acquire grants the lock to holder or returns ErrAlreadyLocked. Re-acquire
// by the current holder is a no-op grant and renews the lease, so an editor
// can resume a session without releasing first.
func (t *Table) Acquire(instanceID string, holder Holder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if current, ok := t.locks[instanceID]; ok && !t.expired(current, now) {
		if current.holder.ConnID != holder.ConnID {
			return ErrAlreadyLocked
		}
	}
	t.locks[instanceID] = entry{holder: holder, expiresAt: now.Add(t.ttl)}
	return nil
}

// Release frees the lock. Releasing an unheld row is a no-op.
func (t *Table) Release(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, instanceID)
}

// IsLocked reports whether a live lock exists for the row instance.
func (t *Table) IsLocked(instanceID string) bool {
	_, ok := t.Info(instanceID)
	return ok
}

// Info returns the current holder, if any.
func (t *Table) Info(instanceID string) (Holder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[instanceID]
	if !ok || t.expired(e, t.now()) {
		return Holder{}, false
	}
	return e.holder, true
}

// ReleaseHeldBy frees every lock owned by connID and returns the freed
// instance ids. Called unconditionally on disconnect.
func (t *Table) ReleaseHeldBy(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []string
	for id, e := range t.locks {
		if e.holder.ConnID == connID {
			delete(t.locks, id)
			released = append(released, id)
		}
	}
	return released
}

// Swept describes a lock removed by Sweep.
type Swept struct {
	InstanceID string
	Holder     Holder
}

// Sweep removes expired locks and returns them so the caller can broadcast
// the unlocks to the owning scopes.
func (t *Table) Sweep() []Swept {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []Swept
	for id, e := range t.locks {
		if t.expired(e, now) {
			delete(t.locks, id)
			expired = append(expired, Swept{InstanceID: id, Holder: e.holder})
		}
	}
	return expired
}
