// Package ingest owns the background pipeline that turns validated upload
// text into a stored, embedded document, and the per-document status state
// machine observed by status polling.
package ingest

import (
	"fmt"
	"sync"
)

// Status is a document's position in the ingestion state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the only legal path. Both terminal states
// share a rank: neither can follow the other.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// ErrUnknownDocument is returned by Advance and reported by Query for ids
// that were never initialized.
type ErrUnknownDocument struct {
	ID string
}

func (e *ErrUnknownDocument) Error() string {
	return fmt.Sprintf("ingest: unknown document: %s", e.ID)
}

// ErrAlreadyTracked is returned when Initialize sees an id twice. Document
// ids are generated fresh per upload, so this only fires on a programming
// error, never on user input.
type ErrAlreadyTracked struct {
	ID string
}

func (e *ErrAlreadyTracked) Error() string {
	return fmt.Sprintf("ingest: document already tracked: %s", e.ID)
}

// ErrBadTransition is returned for any transition that does not move
// exactly one step forward through queued → processing → completed|failed.
type ErrBadTransition struct {
	ID   string
	From Status
	To   Status
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("ingest: illegal transition %s → %s for document %s", e.From, e.To, e.ID)
}

// Snapshot is a consistent copy of one document's tracking state.
type Snapshot struct {
	Status Status
	Error  string
}

type entry struct {
	status Status
	errMsg string
}

// Tracker is the in-memory per-document status map. Entries live for the
// process lifetime; durability across restarts is explicitly not provided.
// Safe for concurrent use: one pipeline task writes a given id, any number
// of status requests read it.
type Tracker struct {
	mu   sync.RWMutex
	docs map[string]*entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{docs: make(map[string]*entry)}
}

// Initialize registers id in state queued. It must be called before any
// Advance for that id.
func (t *Tracker) Initialize(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.docs[id]; ok {
		return &ErrAlreadyTracked{ID: id}
	}
	t.docs[id] = &entry{status: StatusQueued}
	return nil
}

// Advance moves id to next, enforcing the forward-only ordering. errMsg is
// recorded only when next is failed.
func (t *Tracker) Advance(id string, next Status, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.docs[id]
	if !ok {
		return &ErrUnknownDocument{ID: id}
	}
	if e.status.Terminal() || next.rank() != e.status.rank()+1 {
		return &ErrBadTransition{ID: id, From: e.status, To: next}
	}
	e.status = next
	if next == StatusFailed {
		e.errMsg = errMsg
	}
	return nil
}

// Forget removes id from the tracker. Used to roll back an Initialize when
// the document record could not be persisted.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.docs, id)
}

// Query returns a snapshot of id's state, or ok=false for unknown ids.
// The snapshot is a copy: later transitions do not mutate it.
func (t *Tracker) Query(id string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.docs[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Status: e.status, Error: e.errMsg}, true
}
