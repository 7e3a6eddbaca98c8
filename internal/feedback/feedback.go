// Package feedback delivers human-readable progress lines to whoever
// submitted a command. Every line carries a sender tag and a timestamp
// so interleaved output from concurrent commands stays attributable.
package feedback

import (
	"fmt"
	"io"
	"sync"
	"time"

	"morph/internal/logging"
)

// Sender tags used across the pipeline.
const (
	SenderOrchestrator = "orchestrator"
	SenderGate         = "gate"
	SenderUpdater      = "updater"
	SenderValidator    = "validator"
)

// Message is one feedback line.
type Message struct {
	Sender string
	Text   string
	At     time.Time
}

// Reporter serializes feedback lines onto a writer. Safe for use from
// concurrent pipeline workers.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewReporter creates a reporter writing to out.
func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out, now: time.Now}
}

// Send emits one formatted feedback line.
func (r *Reporter) Send(sender, format string, args ...interface{}) {
	msg := Message{
		Sender: sender,
		Text:   fmt.Sprintf(format, args...),
		At:     r.now(),
	}

	r.mu.Lock()
	fmt.Fprintf(r.out, "[%s] %s: %s\n", msg.At.Format("15:04:05"), msg.Sender, msg.Text)
	r.mu.Unlock()

	logging.Feedback("%s: %s", msg.Sender, msg.Text)
}
