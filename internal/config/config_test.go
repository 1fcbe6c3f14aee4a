package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseYAMLWithEnv(t *testing.T) {
	t.Setenv("NOTIFYHUB_TEST_TOKEN", "abc:123")
	p := writeFile(t, t.TempDir(), "config.yaml", `
telegram:
  enabled: true
  token: ${NOTIFYHUB_TEST_TOKEN}
dispatch:
  enabled: true
  batch_size: 50
  retry_ceiling: 10
  send_delay: 100ms
report:
  operators: [1, 2]
  format: xlsx
`)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "abc:123" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Dispatch.BatchSize != 50 || cfg.Dispatch.RetryCeiling != 10 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if len(cfg.Report.Operators) != 2 || cfg.Report.Format != "xlsx" {
		t.Fatalf("report = %+v", cfg.Report)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"dispatch":{"batchsize":5}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{} {}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad duration", cfg: Config{Dispatch: DispatchConfig{SendDelay: "soon"}}, wantErr: "dispatch.send_delay"},
		{name: "token required", cfg: Config{Telegram: TelegramConfig{Enabled: true}}, wantErr: "telegram.token"},
		{name: "negative redeliveries", cfg: Config{Queue: QueueConfig{MaxRedeliveries: &neg}}, wantErr: "max_redeliveries"},
		{name: "unknown format", cfg: Config{Report: ReportConfig{Format: "pdf"}}, wantErr: "report.format"},
		{name: "redis lease without addr", cfg: Config{Dispatch: DispatchConfig{LeaseBackend: "redis"}}, wantErr: "redis.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvKeepsBareDollar(t *testing.T) {
	t.Setenv("NH_X", "y")
	got := string(expandEnv([]byte(`{"a":"${NH_X}","b":"pa$word"}`)))
	if got != `{"a":"y","b":"pa$word"}` {
		t.Fatalf("got %s", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 10*time.Second)
	if err != nil || d != 10*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestWatchPublishesChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"dispatch":{"paused":false}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"dispatch":{"paused":true}}`)

	select {
	case cfg := <-ch:
		if !cfg.Dispatch.Paused {
			t.Fatalf("published config not updated: %+v", cfg.Dispatch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Dispatch: DispatchConfig{Paused: false}}
	b := &Config{Dispatch: DispatchConfig{Paused: true}, API: APIConfig{Addr: ":9090"}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "dispatch,api(restart)" {
		t.Fatalf("changed = %v", changed)
	}
}
