package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/notifier"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminToken = "s3cret"

type mockDispatch struct {
	jobs       []model.DeliveryJob
	polls      []model.Poll
	recipients []int64
	createErr  error
	stats      map[int64]model.JobStats
	reported   map[int64]bool
	added      map[int64][]int64
	paused     bool
}

func (m *mockDispatch) CreateJob(_ context.Context, job model.DeliveryJob, rcpt []int64) (model.DeliveryJob, int, error) {
	if m.createErr != nil {
		return job, 0, m.createErr
	}
	job.JobID = int64(len(m.jobs) + 1)
	m.jobs = append(m.jobs, job)
	m.recipients = rcpt
	return job, len(rcpt), nil
}

func (m *mockDispatch) CreatePollJob(ctx context.Context, by int64, p model.Poll, rcpt []int64) (model.DeliveryJob, int, error) {
	m.polls = append(m.polls, p)
	return m.CreateJob(ctx, model.DeliveryJob{CreatedBy: by, Kind: model.KindPoll, PollID: 1}, rcpt)
}

func (m *mockDispatch) Stats(_ context.Context, id int64) (model.JobStats, error) {
	st, ok := m.stats[id]
	if !ok {
		return st, storage.ErrNotFound
	}
	return st, nil
}

func (m *mockDispatch) AddRecipients(_ context.Context, id int64, rcpt []int64) (int, error) {
	if _, ok := m.stats[id]; !ok {
		return 0, storage.ErrNotFound
	}
	if m.reported[id] {
		return 0, storage.ErrJobReported
	}
	if m.added == nil {
		m.added = map[int64][]int64{}
	}
	m.added[id] = append(m.added[id], rcpt...)
	return len(rcpt), nil
}

func (m *mockDispatch) ListJobs(_ context.Context, limit int) ([]model.DeliveryJob, error) {
	if len(m.jobs) > limit {
		return m.jobs[:limit], nil
	}
	return m.jobs, nil
}

func (m *mockDispatch) Pause()       { m.paused = true }
func (m *mockDispatch) Resume()      { m.paused = false }
func (m *mockDispatch) Paused() bool { return m.paused }

type mockNotify struct {
	got []model.Notification
	err error
}

func (m *mockNotify) Create(_ context.Context, n model.Notification) (model.Notification, error) {
	if m.err != nil {
		return n, m.err
	}
	n.ID = 77
	n.Status = model.StatusWaitingToSend
	m.got = append(m.got, n)
	return n, nil
}

type mockTokens struct{}

func (mockTokens) Issue(id int64) (string, error) { return fmt.Sprintf("tok-%d", id), nil }

func newTestServer(d *mockDispatch, n *mockNotify) http.Handler {
	return New(Config{AdminToken: adminToken}, Deps{
		Dispatch: d,
		Notify:   n,
		Tokens:   mockTokens{},
		Health: func(context.Context) map[string]error {
			return map[string]error{"storage": nil}
		},
	}, logx.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	h := newTestServer(&mockDispatch{}, &mockNotify{})
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"ok", adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodGet, "/api/dispatch", tt.token, nil); w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	disabled := New(Config{}, Deps{Dispatch: &mockDispatch{}}, logx.Nop()).Handler()
	if w := do(t, disabled, http.MethodGet, "/api/dispatch", "anything", nil); w.Code != http.StatusForbidden {
		t.Fatalf("empty admin token: status = %d", w.Code)
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	d := &mockDispatch{}
	h := newTestServer(d, &mockNotify{})

	w := do(t, h, http.MethodPost, "/api/jobs", adminToken, map[string]any{
		"createdBy": 9, "sourceChatId": -100, "sourceMessageId": 5, "recipients": []int64{1, 2, 3},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	var resp struct {
		Data jobResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Job.JobID != 1 || resp.Data.Recipients != 3 || d.jobs[0].SourceMessageID != 5 {
		t.Fatalf("resp = %+v jobs = %+v", resp, d.jobs)
	}

	w = do(t, h, http.MethodPost, "/api/jobs", adminToken, map[string]any{
		"poll":       map[string]any{"question": "Q?", "answers": []string{"a", "b"}},
		"recipients": []int64{4},
	})
	if w.Code != http.StatusCreated || len(d.polls) != 1 || len(d.polls[0].Answers) != 2 {
		t.Fatalf("poll job: status = %d polls = %+v", w.Code, d.polls)
	}
}

func TestCreateJobRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body any
		err  error
		want int
	}{
		{"no recipients", map[string]any{"sourceChatId": 1, "sourceMessageId": 1}, nil, http.StatusBadRequest},
		{"one answer poll", map[string]any{"poll": map[string]any{"question": "Q", "answers": []string{"a"}}, "recipients": []int64{1}}, nil, http.StatusBadRequest},
		{"service validation", map[string]any{"recipients": []int64{1}}, fmt.Errorf("%w: needs a source", dispatch.ErrInvalid), http.StatusBadRequest},
		{"store down", map[string]any{"recipients": []int64{1}}, errors.New("disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&mockDispatch{createErr: tt.err}, &mockNotify{})
			if w := do(t, h, http.MethodPost, "/api/jobs", adminToken, tt.body); w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	d := &mockDispatch{stats: map[int64]model.JobStats{4: {JobID: 4, Sent: 2, Failed: 1}}}
	h := newTestServer(d, &mockNotify{})

	w := do(t, h, http.MethodGet, "/api/jobs/4", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data struct {
			Stats    model.JobStats `json:"stats"`
			Total    int            `json:"total"`
			Finished bool           `json:"finished"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Total != 3 || !resp.Data.Finished || resp.Data.Stats.Sent != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if w := do(t, h, http.MethodGet, "/api/jobs/5", adminToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/jobs/abc", adminToken, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}
}

func TestAddRecipients(t *testing.T) {
	t.Parallel()
	d := &mockDispatch{
		stats:    map[int64]model.JobStats{4: {JobID: 4, Pending: 1}, 6: {JobID: 6, Sent: 3}},
		reported: map[int64]bool{6: true},
	}
	h := newTestServer(d, &mockNotify{})

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "open job", path: "/api/jobs/4/recipients", body: map[string]any{"recipients": []int64{20, 21}}, want: http.StatusOK},
		{name: "reported job", path: "/api/jobs/6/recipients", body: map[string]any{"recipients": []int64{20}}, want: http.StatusConflict},
		{name: "missing job", path: "/api/jobs/9/recipients", body: map[string]any{"recipients": []int64{20}}, want: http.StatusNotFound},
		{name: "empty list", path: "/api/jobs/4/recipients", body: map[string]any{"recipients": []int64{}}, want: http.StatusBadRequest},
		{name: "bad id", path: "/api/jobs/x/recipients", body: map[string]any{"recipients": []int64{1}}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(t, h, http.MethodPost, tt.path, adminToken, tt.body); w.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d (%s)", tt.name, w.Code, tt.want, w.Body.String())
		}
	}
	if got := d.added[4]; len(got) != 2 || len(d.added[6]) != 0 {
		t.Fatalf("added = %v", d.added)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	d := &mockDispatch{jobs: []model.DeliveryJob{{JobID: 2, Title: "b"}, {JobID: 1, Title: "a"}}}
	h := newTestServer(d, &mockNotify{})

	w := do(t, h, http.MethodGet, "/api/jobs?limit=1", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data []model.DeliveryJob `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Data[0].JobID != 2 {
		t.Fatalf("jobs = %+v", resp.Data)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	d := &mockDispatch{}
	h := newTestServer(d, &mockNotify{})
	if w := do(t, h, http.MethodPost, "/api/dispatch/pause", adminToken, nil); w.Code != http.StatusOK || !d.paused {
		t.Fatalf("pause: %d paused=%v", w.Code, d.paused)
	}
	if w := do(t, h, http.MethodPost, "/api/dispatch/resume", adminToken, nil); w.Code != http.StatusOK || d.paused {
		t.Fatalf("resume: %d paused=%v", w.Code, d.paused)
	}
}

func TestCreateNotification(t *testing.T) {
	t.Parallel()
	n := &mockNotify{}
	h := newTestServer(&mockDispatch{}, n)

	w := do(t, h, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"recipientId": 42, "type": "poa_simple", "itemType": "POA_TRIGGER", "title": "Are you here?",
		"actionTimeout": 30, "additionalData": map[string]any{"eventId": 3},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	got := n.got[0]
	if got.OwnerUserID != 42 || got.Type != model.TypePOASimple || got.ActionTimeout != 30 {
		t.Fatalf("notification = %+v", got)
	}

	bad := newTestServer(&mockDispatch{}, &mockNotify{err: fmt.Errorf("%w: unknown type", notifier.ErrInvalid)})
	if w := do(t, bad, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"recipientId": 1, "title": "x", "type": "nope",
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid notification status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/notifications", adminToken, map[string]any{"title": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing recipient status = %d", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	t.Parallel()
	h := newTestServer(&mockDispatch{}, &mockNotify{})
	w := do(t, h, http.MethodPost, "/api/tokens", adminToken, map[string]any{"recipientId": 8})
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"tok-8"`)) {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestServer(&mockDispatch{}, &mockNotify{})
	if w := do(t, h, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	sick := New(Config{}, Deps{Health: func(context.Context) map[string]error {
		return map[string]error{"queue": errors.New("connection refused")}
	}}, logx.Nop()).Handler()
	w := do(t, sick, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable || !bytes.Contains(w.Body.Bytes(), []byte("connection refused")) {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	h := newTestServer(&mockDispatch{}, &mockNotify{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}
