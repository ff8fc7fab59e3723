package transport

import (
	"sync"
	"time"
)

// slidingWindow is a fixed-size per-connection message window. The first
// message after the window elapses resets the window and restarts the count
// at 1; exceeding the limit inside a window is a policy violation.
type slidingWindow struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	count int
	start time.Time
}

func newSlidingWindow(limit int, span time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, span: span}
}

// allow counts one message at now and reports whether it is within policy.
// A disallowed message is dropped by the caller, never delivered.
func (w *slidingWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || now.Sub(w.start) >= w.span {
		w.start = now
		w.count = 1
		return true
	}
	w.count++
	return w.count <= w.limit
}
