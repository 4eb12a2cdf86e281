package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	to   []string
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, to, text string) error {
	r.mu.Lock()
	r.to = append(r.to, to)
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.to...), append([]string(nil), r.msgs...)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "DEBUG"})
	t.Cleanup(func() { _ = svc.Close() })

	sender := &recordingSender{}
	svc.SetAlertSender(sender)
	svc.Apply(Config{
		Level: "DEBUG",
		Alert: AlertConfig{Enabled: true, Recipient: "15550001", MinLevel: "WARN", RatePerSec: 10},
	})

	log.Info("routine")
	log.Warn("send failed", String("request_id", "r1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if to, _ := sender.snapshot(); len(to) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	to, msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one alert, got %d (%v)", len(msgs), msgs)
	}
	if to[0] != "15550001" {
		t.Fatalf("alert recipient = %q", to[0])
	}
	if !strings.Contains(msgs[0], "[WARN] send failed") || !strings.Contains(msgs[0], "request_id=r1") {
		t.Fatalf("unexpected alert text: %q", msgs[0])
	}
}

func TestWithFieldsAreApplied(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("comp", "queue"))
	log.Debug("hidden")
	log.Info("hello", Int("depth", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "queue" || m["message"] != "hello" || m["depth"] != float64(3) {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	l.Info("nothing happens")
}
