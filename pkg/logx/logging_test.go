package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatAlertSortsFields(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"dispatch failed","dest":"-100","err":"boom"}`
	got := formatAlert([]byte(line))
	want := "[WARN] dispatch failed\n- dest=-100\n- err=boom"
	if got != want {
		t.Fatalf("formatAlert=%q want %q", got, want)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestNewWriterWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "relay"))
	log.Info("hello", Int("n", 2))
	out := buf.String()
	for _, want := range []string{`"comp":"relay"`, `"n":2`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) SendAlert(_ context.Context, dest, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, dest+"|"+text)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestAlertSinkHonoursMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Telegram: AlertConfig{
			Enabled:     true,
			Destination: "-1001",
			MinLevel:    "error",
			RatePerSec:  10,
		},
	})
	defer svc.Close()
	cs := &captureSender{}
	svc.SetAlertSender(cs)

	log.Warn("below threshold")
	log.Error("above threshold")

	deadline := time.Now().Add(2 * time.Second)
	for cs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := cs.count(); n != 1 {
		t.Fatalf("sent=%d want 1", n)
	}
	if !strings.HasPrefix(cs.sent[0], "-1001|[ERROR] above threshold") {
		t.Fatalf("unexpected alert %q", cs.sent[0])
	}
}
