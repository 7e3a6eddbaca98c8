package auth

import (
	"context"
	"sync"
	"time"

	"morph/internal/logging"
)

// Decision is the outcome of a confirmation wait.
type Decision int

const (
	Confirmed Decision = iota
	Denied
	TimedOut
)

func (d Decision) String() string {
	switch d {
	case Confirmed:
		return "confirmed"
	case Denied:
		return "denied"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ConfirmationBroker correlates pending confirmation waits with later
// confirm/deny commands by record id. Waiters hold no locks on pipeline
// resources while blocked, so unrelated commands proceed freely.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewConfirmationBroker creates an empty broker.
func NewConfirmationBroker() *ConfirmationBroker {
	return &ConfirmationBroker{pending: make(map[string]chan Decision)}
}

// Await blocks until a decision arrives for recordID, the timeout
// elapses, or ctx is cancelled. Cancellation counts as a timeout: the
// command did not receive an explicit decision.
func (b *ConfirmationBroker) Await(ctx context.Context, recordID string, timeout time.Duration) Decision {
	ch := make(chan Decision, 1)

	b.mu.Lock()
	b.pending[recordID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, recordID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d
	case <-timer.C:
		logging.Gate("confirmation wait timed out for record %s after %v", recordID, timeout)
		return TimedOut
	case <-ctx.Done():
		logging.Gate("confirmation wait cancelled for record %s", recordID)
		return TimedOut
	}
}

// Resolve delivers a decision to the waiter for recordID. Returns false
// if no confirmation is pending for that record.
func (b *ConfirmationBroker) Resolve(recordID string, d Decision) bool {
	b.mu.Lock()
	ch, ok := b.pending[recordID]
	if ok {
		delete(b.pending, recordID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- d
	return true
}

// Pending reports whether a confirmation wait exists for recordID.
func (b *ConfirmationBroker) Pending(recordID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[recordID]
	return ok
}
