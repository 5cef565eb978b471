package window

import "sync"

// Notifier implements the "enable then read then wait" protocol: a waiter
// takes a reference to the current wait channel before performing its read,
// then selects on that channel afterward. A Notify call between Wait() and
// the select swaps in a fresh channel and closes the old one, so the
// already-closed channel returns immediately instead of the wakeup being
// lost — the Go realisation of tokio::sync::Notify::enable() without a
// direct stdlib equivalent.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier builds a ready-to-use Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Wait returns the current generation's wait channel. Callers must call
// this before performing the read they want to be notified about; the
// returned channel closes on the next Notify call (or any later one, if a
// Notify already fired concurrently with this call).
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Notify wakes every waiter currently holding a reference to the current
// generation's channel, then rotates to a fresh channel for the next
// generation. Multiple Notify calls between two Wait calls coalesce into a
// single wakeup — this is correct because a woken reader scans everything
// since its cursor, not just what changed since the last notify.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
