package pending

import (
	"errors"
	"sync"
	"testing"
)

func TestTracker_PutTake(t *testing.T) {
	tr := NewTracker()
	job := "job-1"
	token := tr.Put(Request{ConnectionID: "conn-0", PortID: "wasm.port", Principal: "alice", JobID: &job})

	if tr.Len() != 1 {
		t.Fatalf("pending:tracker_test - Len = %d, want 1", tr.Len())
	}

	got, err := tr.Take(token)
	if err != nil {
		t.Fatalf("pending:tracker_test - Take failed: %v", err)
	}
	if got.Principal != "alice" || got.ConnectionID != "conn-0" || got.PortID != "wasm.port" {
		t.Errorf("pending:tracker_test - unexpected request %+v", got)
	}
	if got.JobID == nil || *got.JobID != "job-1" {
		t.Errorf("pending:tracker_test - JobID = %v, want job-1", got.JobID)
	}
	if tr.Len() != 0 {
		t.Errorf("pending:tracker_test - Len after Take = %d, want 0", tr.Len())
	}
}

func TestTracker_TakeEmpty(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Take(1); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("pending:tracker_test - err = %v, want ErrNoPendingRequest", err)
	}
}

func TestTracker_TakeTwice(t *testing.T) {
	tr := NewTracker()
	token := tr.Put(Request{Principal: "alice"})
	if _, err := tr.Take(token); err != nil {
		t.Fatalf("pending:tracker_test - first Take failed: %v", err)
	}
	if _, err := tr.Take(token); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("pending:tracker_test - second Take err = %v, want ErrNoPendingRequest", err)
	}
}

func TestTracker_StaleContextNotMisattributed(t *testing.T) {
	tr := NewTracker()
	stale := tr.Put(Request{Principal: "timed-out"})
	fresh := tr.Put(Request{Principal: "bob"})

	got, err := tr.Take(fresh)
	if err != nil {
		t.Fatalf("pending:tracker_test - Take failed: %v", err)
	}
	if got.Principal != "bob" {
		t.Errorf("pending:tracker_test - Principal = %q, want bob", got.Principal)
	}
	if tr.Len() != 1 {
		t.Errorf("pending:tracker_test - stale entry should remain, Len = %d", tr.Len())
	}

	tr.Discard(stale)
	if tr.Len() != 0 {
		t.Errorf("pending:tracker_test - Len after Discard = %d, want 0", tr.Len())
	}
}

func TestTracker_TokensUnique(t *testing.T) {
	tr := NewTracker()
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := tr.Put(Request{})
			mu.Lock()
			seen[tok] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Errorf("pending:tracker_test - unique tokens = %d, want 50", len(seen))
	}
}
