package bridge

import (
	"sync"
	"time"
)

// expiredGrace is how long a timed-out request id stays recognizable, so a
// late answer gets a timeout error instead of an unknown-id error.
const expiredGrace = time.Minute

type pendingState int

const (
	pendingOK pendingState = iota
	pendingMissing
	pendingExpired
)

// pendingRequests tracks interactive requests pi has raised and the client
// has not yet answered. Approvals wait indefinitely; user-input requests
// auto-deny after the configured timeout.
type pendingRequests struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[string]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	expired bool
	timer   *time.Timer
}

func newPendingRequests(timeout time.Duration) *pendingRequests {
	return &pendingRequests{
		timeout: timeout,
		entries: map[string]*pendingEntry{},
	}
}

// addApproval registers an approval request. Approvals carry no deadline;
// the session outliving them is the only bound.
func (p *pendingRequests) addApproval(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.entries[id] = &pendingEntry{}
}

// addUserInput registers a user-input request with a deadline. When it
// fires, onTimeout runs once and the id is kept as an expired marker for a
// grace period.
func (p *pendingRequests) addUserInput(id string, onTimeout func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	entry := &pendingEntry{}
	entry.timer = time.AfterFunc(p.timeout, func() {
		p.expire(id)
		if onTimeout != nil {
			onTimeout()
		}
	})
	p.entries[id] = entry
}

func (p *pendingRequests) expire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok || entry.expired {
		return
	}
	entry.expired = true
	entry.timer = time.AfterFunc(expiredGrace, func() {
		p.mu.Lock()
		delete(p.entries, id)
		p.mu.Unlock()
	})
}

// resolve consumes a live entry, or reports why it cannot. Expired markers
// are left in place so repeated late answers keep getting the same verdict.
func (p *pendingRequests) resolve(id string) pendingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return pendingMissing
	}
	if entry.expired {
		return pendingExpired
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(p.entries, id)
	return pendingOK
}

func (p *pendingRequests) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, entry := range p.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(p.entries, id)
	}
}
