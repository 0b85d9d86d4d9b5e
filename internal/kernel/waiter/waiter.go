// Package waiter implements the in-process waiter table: a one-shot
// signal plus optional response payload slot keyed by (session, agent),
// used to hand a reply directly to a caller blocked in send_and_wait.
package waiter

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
)

// Outcome is the result of a Wait call.
type Outcome string

const (
	Delivered Outcome = "delivered"
	TimedOut  Outcome = "timed_out"
	Cancelled Outcome = "cancelled"
)

// Key identifies a single blocked caller.
type Key struct {
	SessionID uuid.UUID
	AgentID   uuid.UUID
}

// Handle is returned by Register and consumed by Wait.
type Handle struct {
	key uuid.UUID
	ch  chan []byte
}

type entry struct {
	ch        chan []byte
	delivered bool
	cancelled bool
}

// Table is the process-global waiter map. Thread-safe.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// New creates an empty waiter table.
func New() *Table {
	return &Table{entries: make(map[Key]*entry)}
}

// Register inserts a waiter entry for key. It fails with
// kernelerr.SessionLockConflict if an entry already exists for that key,
// mirroring the corpus's PendingRequests map which is also one-shot per
// key.
func (t *Table) Register(key Key) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		return Handle{}, kernelerr.New("waiter.Register", kernelerr.SessionLockConflict)
	}

	e := &entry{ch: make(chan []byte, 1)}
	t.entries[key] = e
	return Handle{ch: e.ch}, nil
}

// Wait blocks until the handle is delivered, cancelled, or deadlineCh
// fires. deadlineCh is typically a time.After(...) channel; passing it
// in rather than a duration keeps this package free of any Timer
// bookkeeping and lets callers share a single context deadline.
func (t *Table) Wait(h Handle, deadlineCh <-chan time.Time) ([]byte, Outcome) {
	select {
	case payload, ok := <-h.ch:
		if !ok {
			return nil, Cancelled
		}
		return payload, Delivered
	case <-deadlineCh:
		return nil, TimedOut
	}
}

// Deliver hands payload to the waiter registered for key, if any.
// Idempotent: delivering twice to the same key is a no-op on the second
// call. Returns true if a waiter was found and signalled.
func (t *Table) Deliver(key Key, payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.delivered || e.cancelled {
		return false
	}
	e.delivered = true
	e.ch <- payload
	return true
}

// Has reports whether a waiter is currently registered for key, used by
// send_no_wait's direct-delivery and notification-rule branches.
func (t *Table) Has(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Cancel removes the waiter entry for key and wakes any blocked Wait
// call with outcome Cancelled. Used by end_session/end_meeting to fail
// blocked callers with SessionEnded/MeetingEnded instead of leaving them
// to time out.
func (t *Table) Cancel(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return
	}
	if !e.delivered && !e.cancelled {
		e.cancelled = true
		close(e.ch)
	}
	delete(t.entries, key)
}

// Release removes the waiter entry for key without signalling anything
// further; called by the finally-clause after Wait has already returned
// via Delivered or TimedOut, since Cancel's close would panic on an
// already-delivered channel.
func (t *Table) Release(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// CancelAllForSession cancels every waiter belonging to sessionID,
// regardless of which agent is waiting. Used by end_session.
func (t *Table) CancelAllForSession(sessionID uuid.UUID) {
	t.mu.Lock()
	var keys []Key
	for k := range t.entries {
		if k.SessionID == sessionID {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()

	for _, k := range keys {
		t.Cancel(k)
	}
}

// Shutdown cancels every waiter currently registered, regardless of
// session or meeting. Used by the facade's release path so no caller is
// left blocked past process shutdown.
func (t *Table) Shutdown() {
	t.mu.Lock()
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	for _, k := range keys {
		t.Cancel(k)
	}
}
