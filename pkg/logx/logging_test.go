package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyhub/internal/transport"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return transport.MessageRef{ChatID: 1, MessageID: 1}, nil
}

func (c *captureSender) CopyMessage(context.Context, transport.ChatTarget, transport.MessageRef, *transport.CopyOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (c *captureSender) SendDocument(context.Context, transport.ChatTarget, transport.Document, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (c *captureSender) CreateInviteLink(context.Context, int64, string) (string, error) {
	return "", nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestWithAddsFixedFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	l.Info("row sent", Int64("row_id", 7))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["row_id"] != float64(7) {
		t.Fatalf("row_id = %v", m["row_id"])
	}
}

func TestOperatorSinkForwardsWarnOnly(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		Operator: OperatorConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	}, sender)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("job", "9"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := sender.snapshot()
	if len(got) != 1 {
		t.Fatalf("forwarded %d lines, want 1: %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[WARN] loud") || !strings.Contains(got[0], "job=9") {
		t.Fatalf("unexpected operator line: %q", got[0])
	}
}

func TestFormatOperatorLineNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatOperatorLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}
