package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"autopub/internal/eventbus"
	"autopub/internal/planner"
	"autopub/internal/policy"
	"autopub/internal/storage"
	"autopub/internal/task/scheduler"
	logx "autopub/pkg/logx"
)

type fakeScheduler struct{ ticks int }

func (f *fakeScheduler) Tick(context.Context) (scheduler.TickReport, error) {
	f.ticks++
	return scheduler.TickReport{Due: 2, Submitted: 2}, nil
}

func (f *fakeScheduler) DailyReset(context.Context) (scheduler.DailyReport, error) {
	return scheduler.DailyReport{Counters: 1}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newServer(t *testing.T, secret string) (*Server, *fakeScheduler) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "admin.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sch := &fakeScheduler{}
	pl := planner.New(st, policy.NewLive(policy.Policy{MinInterval: 30 * time.Minute}), eventbus.New(), logx.Nop())
	srv := New(Config{JWTSecret: secret}, Deps{
		Scheduler: sch,
		Planner:   pl,
		Store:     st,
		Status:    func() any { return map[string]int{"workers": 1} },
	}, logx.Nop())
	return srv, sch
}

func call(t *testing.T, s *Server, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func idOf(t *testing.T, env envelope) int64 {
	t.Helper()
	var v struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &v); err != nil || v.ID == 0 {
		t.Fatalf("no id in %s (%v)", env.Data, err)
	}
	return v.ID
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, "s3cret")
	if code, _ := call(t, s, http.MethodGet, "/health", "", nil); code != http.StatusOK {
		t.Fatalf("health=%d", code)
	}
	if code, _ := call(t, s, http.MethodGet, "/api/snapshot", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token=%d", code)
	}
	bad, _ := IssueToken("other", "ops", time.Hour)
	if code, _ := call(t, s, http.MethodGet, "/api/snapshot", bad, nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret=%d", code)
	}
	expired, _ := IssueToken("s3cret", "ops", -time.Minute)
	if code, _ := call(t, s, http.MethodGet, "/api/snapshot", expired, nil); code != http.StatusUnauthorized {
		t.Fatalf("expired=%d", code)
	}
	good, err := IssueToken("s3cret", "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	code, env := call(t, s, http.MethodGet, "/api/snapshot", good, nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("valid token=%d %+v", code, env)
	}
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	s, sch := newServer(t, "")

	code, env := call(t, s, http.MethodPost, "/api/accounts", "", map[string]any{"nickname": "maple", "status": "active"})
	if code != http.StatusOK {
		t.Fatalf("account=%d %+v", code, env)
	}
	account := idOf(t, env)

	_, env = call(t, s, http.MethodPost, "/api/contents", "", map[string]any{"title": "Autumn walk", "body": "leaves"})
	content := idOf(t, env)
	_, env = call(t, s, http.MethodPost, "/api/contents", "", map[string]any{"title": "Winter walk"})
	other := idOf(t, env)

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	code, env = call(t, s, http.MethodPost, "/api/schedules", "", map[string]any{"content_id": content, "account_id": account, "scheduled_at": at})
	if code != http.StatusOK {
		t.Fatalf("schedule=%d %+v", code, env)
	}
	scheduleID := idOf(t, env)

	code, env = call(t, s, http.MethodPost, "/api/schedules", "", map[string]any{"content_id": content, "account_id": account, "scheduled_at": at})
	if code != http.StatusConflict || idOf(t, env) != scheduleID {
		t.Fatalf("active conflict=%d %+v", code, env)
	}
	code, env = call(t, s, http.MethodPost, "/api/schedules", "", map[string]any{"content_id": other, "account_id": account, "scheduled_at": at})
	if code != http.StatusConflict || idOf(t, env) != scheduleID {
		t.Fatalf("interval conflict=%d %+v", code, env)
	}
	if code, _ := call(t, s, http.MethodPost, "/api/schedules", "", map[string]any{"content_id": other, "account_id": account, "scheduled_at": "tomorrow"}); code != http.StatusBadRequest {
		t.Fatalf("bad time=%d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/api/schedules", "", map[string]any{"content_id": 999, "account_id": account, "scheduled_at": at}); code != http.StatusNotFound {
		t.Fatalf("missing content=%d", code)
	}

	if code, _ := call(t, s, http.MethodPost, "/api/schedules/"+itoa(scheduleID)+"/run", "", nil); code != http.StatusOK {
		t.Fatalf("run now=%d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/api/tick", "", nil); code != http.StatusOK || sch.ticks != 1 {
		t.Fatalf("tick=%d ticks=%d", code, sch.ticks)
	}
	if code, _ := call(t, s, http.MethodPost, "/api/schedules/"+itoa(scheduleID)+"/cancel", "", nil); code != http.StatusOK {
		t.Fatalf("cancel=%d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/api/schedules/"+itoa(scheduleID)+"/cancel", "", nil); code != http.StatusConflict {
		t.Fatalf("second cancel=%d", code)
	}

	code, env = call(t, s, http.MethodGet, "/api/schedules/"+itoa(scheduleID)+"/logs", "", nil)
	var logs []map[string]any
	_ = json.Unmarshal(env.Data, &logs)
	if code != http.StatusOK || len(logs) != 3 {
		t.Fatalf("logs=%d %s", code, env.Data)
	}
	if code, _ := call(t, s, http.MethodGet, "/api/schedules/abc", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id=%d", code)
	}
}

func TestSettingsAndStats(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, "")
	if code, _ := call(t, s, http.MethodGet, "/api/settings/daily_limit", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing setting=%d", code)
	}
	if code, _ := call(t, s, http.MethodPut, "/api/settings/daily_limit", "", map[string]string{"value": "3"}); code != http.StatusOK {
		t.Fatalf("put=%d", code)
	}
	code, env := call(t, s, http.MethodGet, "/api/settings/daily_limit", "", nil)
	var kv struct{ Value string }
	_ = json.Unmarshal(env.Data, &kv)
	if code != http.StatusOK || kv.Value != "3" {
		t.Fatalf("get=%d %s", code, env.Data)
	}
	if code, _ := call(t, s, http.MethodGet, "/api/stats", "", nil); code != http.StatusOK {
		t.Fatalf("stats=%d", code)
	}
	if code, _ := call(t, s, http.MethodDelete, "/api/logs", "", nil); code != http.StatusOK {
		t.Fatalf("cleanup=%d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/api/daily-reset", "", nil); code != http.StatusOK {
		t.Fatalf("daily reset=%d", code)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
