package feedback

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)
	r.now = func() time.Time { return time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC) }

	r.Send(SenderGate, "command %s confirmed", "abc123")

	assert.Equal(t, "[09:30:00] gate: command abc123 confirmed\n", buf.String())
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Send(SenderOrchestrator, "progress line")
		}()
	}
	wg.Wait()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 20)
	for _, line := range lines {
		assert.Contains(t, string(line), "orchestrator: progress line")
	}
}
