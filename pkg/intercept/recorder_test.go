package intercept

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
)

type message struct {
	typ     transport.MessageType
	payload any
}

// recorder is a Sender that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recorder) Send(typ transport.MessageType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message{typ, payload})
}

func (r *recorder) messages() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) waitCount(t *testing.T, n int) []message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return r.messages()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, r.count())
	return nil
}

// toJSON renders a payload the way the transport will.
func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

// mockLogger records messages by level.
type mockLogger struct {
	mu    sync.Mutex
	lines []string
}

func (m *mockLogger) add(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, level+": "+msg)
}

func (m *mockLogger) Debug(msg string, fields ...log.Field) { m.add("debug", msg) }
func (m *mockLogger) Info(msg string, fields ...log.Field)  { m.add("info", msg) }
func (m *mockLogger) Warn(msg string, fields ...log.Field)  { m.add("warn", msg) }
func (m *mockLogger) Error(msg string, fields ...log.Field) { m.add("error", msg) }

func (m *mockLogger) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}
