package ingest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestTracker_ForwardPath(t *testing.T) {
	// WHAT: queued → processing → completed is the happy path.
	tr := NewTracker()
	if err := tr.Initialize("d1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if snap, ok := tr.Query("d1"); !ok || snap.Status != StatusQueued {
		t.Fatalf("after init: %+v, %v", snap, ok)
	}
	if err := tr.Advance("d1", StatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := tr.Advance("d1", StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if snap, _ := tr.Query("d1"); snap.Status != StatusCompleted || snap.Error != "" {
		t.Fatalf("final snapshot: %+v", snap)
	}
}

func TestTracker_FailedRecordsError(t *testing.T) {
	// WHAT: Advancing to failed stores the error message; Query returns it.
	tr := NewTracker()
	_ = tr.Initialize("d1")
	_ = tr.Advance("d1", StatusProcessing, "")
	if err := tr.Advance("d1", StatusFailed, "embedding backend down"); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	snap, _ := tr.Query("d1")
	if snap.Status != StatusFailed || snap.Error != "embedding backend down" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestTracker_RejectsIllegalTransitions(t *testing.T) {
	// WHAT: Skips, reversals, and transitions out of terminal states are
	// all rejected with *ErrBadTransition.
	// WHY: A status observed by a poller must never move backwards; the
	// tracker enforces it even against a buggy caller.
	cases := []struct {
		name string
		prep []Status
		next Status
	}{
		{"skip to completed", nil, StatusCompleted},
		{"skip to failed", nil, StatusFailed},
		{"back to queued", []Status{StatusProcessing}, StatusQueued},
		{"completed then failed", []Status{StatusProcessing, StatusCompleted}, StatusFailed},
		{"failed then completed", []Status{StatusProcessing, StatusFailed}, StatusCompleted},
		{"failed then processing", []Status{StatusProcessing, StatusFailed}, StatusProcessing},
		{"repeat processing", []Status{StatusProcessing}, StatusProcessing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker()
			_ = tr.Initialize("d1")
			for _, s := range tc.prep {
				if err := tr.Advance("d1", s, "x"); err != nil {
					t.Fatalf("prep %s: %v", s, err)
				}
			}
			err := tr.Advance("d1", tc.next, "x")
			var bad *ErrBadTransition
			if !errors.As(err, &bad) {
				t.Fatalf("error = %v, want *ErrBadTransition", err)
			}
		})
	}
}

func TestTracker_UnknownAndDuplicate(t *testing.T) {
	// WHAT: Advance on an unknown id and a second Initialize both fail.
	tr := NewTracker()
	var unknown *ErrUnknownDocument
	if err := tr.Advance("ghost", StatusProcessing, ""); !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *ErrUnknownDocument", err)
	}
	_ = tr.Initialize("d1")
	var dup *ErrAlreadyTracked
	if err := tr.Initialize("d1"); !errors.As(err, &dup) {
		t.Fatalf("error = %v, want *ErrAlreadyTracked", err)
	}
}

func TestTracker_Forget(t *testing.T) {
	// WHAT: Forget removes the entry so the id reads as unknown again.
	tr := NewTracker()
	_ = tr.Initialize("d1")
	tr.Forget("d1")
	if _, ok := tr.Query("d1"); ok {
		t.Fatal("forgotten id still tracked")
	}
}

func TestTracker_ConcurrentDocuments(t *testing.T) {
	// WHAT: Many goroutines driving distinct ids to terminal states leave
	// every entry consistent.
	// WHY: Each pipeline task owns its own id; the map underneath still has
	// to survive concurrent insert/update/read.
	tr := NewTracker()
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		if err := tr.Initialize(id); err != nil {
			t.Fatalf("initialize %s: %v", id, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Advance(id, StatusProcessing, "")
			if _, ok := tr.Query(id); !ok {
				t.Errorf("query %s during run: missing", id)
			}
			_ = tr.Advance(id, StatusCompleted, "")
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		snap, ok := tr.Query(id)
		if !ok || snap.Status != StatusCompleted {
			t.Fatalf("%s: %+v, %v", id, snap, ok)
		}
	}
}
