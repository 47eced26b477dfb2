// Package pending correlates a dispatched sub-operation with the request
// that triggered it, so the completion handler can recover who asked and
// which job id to echo back.
package pending

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPendingRequest is returned by Take when nothing is stored under the token.
var ErrNoPendingRequest = errors.New("no pending request")

// Request is the context saved between receive and completion.
type Request struct {
	// ConnectionID is the sender's connection (light client) id on this side.
	ConnectionID string
	// PortID is the sender's module / port id.
	PortID string
	// Principal is the caller named inside the packet.
	Principal string
	// JobID is echoed back unchanged in the acknowledgement.
	JobID *string
}

// Tracker stores pending requests keyed by correlation token. Tokens are
// never reused, so a completion can only consume the context it was
// dispatched with.
type Tracker struct {
	mu      sync.Mutex
	entries map[uint64]Request
	next    uint64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[uint64]Request)}
}

// Put stores req and returns its token.
func (t *Tracker) Put(req Request) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	t.entries[t.next] = req
	return t.next
}

// Take returns and clears the request stored under token.
func (t *Tracker) Take(token uint64) (Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[token]
	if !ok {
		return Request{}, fmt.Errorf("%w: token %d", ErrNoPendingRequest, token)
	}
	delete(t.entries, token)
	return req, nil
}

// Discard drops the request stored under token, if any.
func (t *Tracker) Discard(token uint64) {
	t.mu.Lock()
	delete(t.entries, token)
	t.mu.Unlock()
}

// Len returns the number of unconsumed requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
