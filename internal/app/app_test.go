package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"notifyhub/internal/config"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/model"
	"notifyhub/internal/queue"
	"notifyhub/internal/task/scheduler"
)

func init() { gin.SetMode(gin.TestMode) }

func TestMapQueueConfigRedeliveries(t *testing.T) {
	t.Parallel()
	zero := 0
	tests := []struct {
		name string
		in   *int
		want int
	}{
		{name: "default", in: nil, want: queue.DefaultMaxRedeliveries},
		{name: "explicit zero disables", in: &zero, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			qc, err := mapQueueConfig(&config.Config{Queue: config.QueueConfig{MaxRedeliveries: tt.in}})
			if err != nil {
				t.Fatalf("mapQueueConfig: %v", err)
			}
			if qc.MaxRedeliveries != tt.want {
				t.Fatalf("MaxRedeliveries = %d, want %d", qc.MaxRedeliveries, tt.want)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.Path != defaultStoragePath || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("defaults = %+v", sc)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestMapGatewayConfigInboundLimit(t *testing.T) {
	t.Parallel()
	gs, err := mapGatewayConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapGatewayConfig: %v", err)
	}
	if gs.RateLimit != defaultInboundLimit || gs.RateWindow != 10*time.Second {
		t.Fatalf("defaults = %d/%v", gs.RateLimit, gs.RateWindow)
	}
	off := 0
	gs, err = mapGatewayConfig(&config.Config{Gateway: config.GatewayConfig{RateLimit: &off}})
	if err != nil {
		t.Fatalf("mapGatewayConfig: %v", err)
	}
	if gs.RateLimit != 0 {
		t.Fatalf("RateLimit = %d, want 0 (disabled)", gs.RateLimit)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{name: "defaults ok", cfg: config.Config{}},
		{name: "bad dispatch schedule", cfg: config.Config{Dispatch: config.DispatchConfig{Schedule: "often"}}, wantErr: "dispatch.schedule"},
		{name: "bad maintenance", cfg: config.Config{Scheduler: config.SchedulerConfig{Maintenance: "-5s"}}, wantErr: "scheduler.maintenance"},
		{name: "cron accepted", cfg: config.Config{Dispatch: config.DispatchConfig{Schedule: "cron:*/30 * * * * *"}}},
		{name: "bad reply timezone", cfg: config.Config{Reply: config.ReplyConfig{Timezone: "Mars/Base"}}, wantErr: "reply.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validate(&tt.cfg)
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

func TestAuditEntry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name       string
		data       any
		wantAction string
	}{
		{name: "reply", data: eventbus.NotificationReplied{NotificationID: 4, UserID: 9}, wantAction: "notification.replied"},
		{name: "undeliverable", data: eventbus.NotificationUndeliverable{NotificationID: 4}, wantAction: "notification.undeliverable"},
		{name: "failed row", data: eventbus.DispatchRow{JobID: 1, State: string(model.RowFailed), Error: "blocked"}, wantAction: "dispatch.row_failed"},
		{name: "sent row skipped", data: eventbus.DispatchRow{JobID: 1, State: string(model.RowSent)}},
		{name: "task error", data: scheduler.TaskEvent{Name: "dispatch", Error: "boom"}, wantAction: "task.failed"},
		{name: "task ok skipped", data: scheduler.TaskEvent{Name: "dispatch"}},
		{name: "delivered skipped", data: eventbus.NotificationDelivered{NotificationID: 4}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			entry, ok := auditEntry(eventbus.Event{Time: now, Data: tt.data})
			if tt.wantAction == "" {
				if ok {
					t.Fatalf("unexpected audit entry %+v", entry)
				}
				return
			}
			if !ok || entry.Action != tt.wantAction {
				t.Fatalf("entry = %+v ok=%v, want action %q", entry, ok, tt.wantAction)
			}
		})
	}
}

func TestAuditRetentionFloor(t *testing.T) {
	t.Parallel()
	if got := auditRetention(0); got != 30*24*time.Hour {
		t.Fatalf("auditRetention(0) = %v", got)
	}
	if got := auditRetention(90 * 24 * time.Hour); got != 90*24*time.Hour {
		t.Fatalf("auditRetention(90d) = %v", got)
	}
}

const testAdminToken = "admin-secret"

func writeConfig(t *testing.T) string {
	t.Helper()
	cfg := map[string]any{
		"logging":  map[string]any{"level": "error"},
		"storage":  map[string]any{"driver": "sqlite", "path": filepath.Join(t.TempDir(), "nh.db")},
		"queue":    map[string]any{"retry_ttl": "100ms"},
		"dispatch": map[string]any{"enabled": true, "schedule": "1h"},
		"api": map[string]any{
			"addr":        "127.0.0.1:0",
			"admin_token": testAdminToken,
			"jwt_secret":  "jwt-secret-for-tests",
		},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func startApp(t *testing.T) *App {
	t.Helper()
	a, err := NewApp(writeConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a
}

func adminCall(t *testing.T, a *App, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://"+a.APIAddr()+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestAppServesHealthAndJobs(t *testing.T) {
	a := startApp(t)

	resp, err := http.Get("http://" + a.APIAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	var created struct {
		Data struct {
			Job        model.DeliveryJob `json:"job"`
			Recipients int               `json:"recipients"`
		} `json:"data"`
	}
	status := adminCall(t, a, http.MethodPost, "/api/jobs", map[string]any{
		"createdBy":   1,
		"title":       "launch",
		"templated":   true,
		"messageText": "hello",
		"recipients":  []int64{10, 11, 11},
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create job status = %d", status)
	}
	if created.Data.Recipients != 2 {
		t.Fatalf("recipients = %d, want 2 (deduplicated)", created.Data.Recipients)
	}

	if status := adminCall(t, a, http.MethodPost, "/api/dispatch/pause", nil, nil); status != http.StatusOK {
		t.Fatalf("pause status = %d", status)
	}
	if !a.disp.Paused() {
		t.Fatal("dispatch not paused")
	}
}

func TestAppDeliversNotificationToSession(t *testing.T) {
	a := startApp(t)

	var tok struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if status := adminCall(t, a, http.MethodPost, "/api/tokens", map[string]any{"recipientId": 42}, &tok); status != http.StatusOK {
		t.Fatalf("token status = %d", status)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.APIAddr()+"/ws?token="+tok.Data.Token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	status := adminCall(t, a, http.MethodPost, "/api/notifications", map[string]any{
		"recipientId": 42,
		"title":       "Your item shipped",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create notification status = %d", status)
	}

	// The session may register after the first delivery attempt; the queue
	// retries until it is live.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Event != gateway.EventNotification {
			continue
		}
		var p model.Payload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Title != "Your item shipped" || p.NotificationID == 0 {
			t.Fatalf("payload = %+v", p)
		}
		return
	}
}
