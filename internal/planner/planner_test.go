package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/policy"
	"autopub/internal/storage"
	logx "autopub/pkg/logx"
)

type env struct {
	store   storage.Store
	planner *Planner
	bus     *eventbus.MemBus
	account int64
	now     time.Time
}

func newEnv(t *testing.T, pol policy.Policy) *env {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "autopub.db"),
		Now:    func() time.Time { return now },
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	aid, err := st.CreateAccount(context.Background(), domain.Account{Nickname: "willow", Status: domain.AccountActive})
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	bus := eventbus.New()
	return &env{store: st, planner: New(st, policy.NewLive(pol), bus, logx.Nop()), bus: bus, account: aid, now: now}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCreateContentSniffsType(t *testing.T) {
	t.Parallel()

	e := newEnv(t, policy.Policy{})
	ctx := context.Background()
	mp4 := writeFile(t, "clip.bin", append([]byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00"), make([]byte, 32)...))
	png := writeFile(t, "shot.bin", append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...))

	tests := []struct {
		name  string
		in    ContentInput
		want  domain.ContentType
		isErr bool
	}{
		{name: "video by magic", in: ContentInput{Title: "clip", MediaPaths: []string{mp4}}, want: domain.ContentVideo},
		{name: "image by magic", in: ContentInput{Title: "shot", MediaPaths: []string{png}}, want: domain.ContentImage},
		{name: "missing file defaults to image", in: ContentInput{Title: "gone", MediaPaths: []string{"/nope/x.mp4"}}, want: domain.ContentImage},
		{name: "explicit type wins", in: ContentInput{Title: "forced", Type: domain.ContentVideo, MediaPaths: []string{png}}, want: domain.ContentVideo},
		{name: "unknown type", in: ContentInput{Title: "bad", Type: "gif"}, isErr: true},
		{name: "blank title", in: ContentInput{Title: "  "}, isErr: true},
	}
	for _, tt := range tests {
		id, created, err := e.planner.CreateContent(ctx, tt.in)
		if tt.isErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil || !created {
			t.Fatalf("%s: err=%v created=%v", tt.name, err, created)
		}
		c, _ := e.store.GetContent(ctx, id)
		if c.Type != tt.want || c.Status != domain.ContentDraft {
			t.Fatalf("%s: content=%+v", tt.name, c)
		}
	}

	again, created, err := e.planner.CreateContent(ctx, ContentInput{Title: "clip"})
	if err != nil || created || again == 0 {
		t.Fatalf("duplicate title: id=%d created=%v err=%v", again, created, err)
	}
}

func TestCreateScheduleLogsAndConflicts(t *testing.T) {
	t.Parallel()

	e := newEnv(t, policy.Policy{MinInterval: 30 * time.Minute})
	ctx := context.Background()
	c1, _, _ := e.planner.CreateContent(ctx, ContentInput{Title: "one"})
	c2, _, _ := e.planner.CreateContent(ctx, ContentInput{Title: "two"})

	at := e.now.Add(time.Hour)
	id, err := e.planner.CreateSchedule(ctx, c1, e.account, at)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	logs, _ := e.store.ListLogs(ctx, id)
	if len(logs) != 1 || logs[0].Status != domain.LogQueued {
		t.Fatalf("logs=%+v", logs)
	}

	_, err = e.planner.CreateSchedule(ctx, c1, e.account, at.Add(2*time.Hour))
	if ce, ok := domain.AsConflict(err); !ok || ce.Kind != domain.ConflictActiveSchedule || ce.ExistingID != id {
		t.Fatalf("active conflict err=%v", err)
	}
	_, err = e.planner.CreateSchedule(ctx, c2, e.account, at.Add(10*time.Minute))
	if ce, ok := domain.AsConflict(err); !ok || ce.Kind != domain.ConflictInterval || ce.MinInterval != 30 {
		t.Fatalf("interval conflict err=%v", err)
	}
	if _, err := e.planner.CreateSchedule(ctx, c2, e.account, at.Add(31*time.Minute)); err != nil {
		t.Fatalf("outside interval: %v", err)
	}
	if _, err := e.planner.CreateSchedule(ctx, c2, e.account, time.Time{}); err == nil {
		t.Fatalf("zero time accepted")
	}
}

func TestCancelAndRunNow(t *testing.T) {
	t.Parallel()

	e := newEnv(t, policy.Policy{})
	ctx := context.Background()
	events, unsub := e.bus.Subscribe(8)
	defer unsub()

	cid, _, _ := e.planner.CreateContent(ctx, ContentInput{Title: "later"})
	id, err := e.planner.CreateSchedule(ctx, cid, e.account, e.now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	s, err := e.planner.RunNow(ctx, id)
	if err != nil || !s.ScheduledAt.Equal(e.now) {
		t.Fatalf("run now: s=%+v err=%v", s, err)
	}
	due, _ := e.store.GetPendingDue(ctx, e.now)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due=%+v", due)
	}

	if _, err := e.planner.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.planner.Cancel(ctx, id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel err=%v", err)
	}
	if _, err := e.planner.RunNow(ctx, id); err == nil {
		t.Fatalf("run now on cancelled schedule accepted")
	}
	c, _ := e.store.GetContent(ctx, cid)
	if c.Status != domain.ContentDraft {
		t.Fatalf("content=%s want draft", c.Status)
	}

	logs, _ := e.store.ListLogs(ctx, id)
	want := []domain.LogStatus{domain.LogQueued, domain.LogRequeued, domain.LogCancelled}
	if len(logs) != len(want) {
		t.Fatalf("logs=%+v", logs)
	}
	for i, st := range want {
		if logs[i].Status != st {
			t.Fatalf("log %d=%s want %s", i, logs[i].Status, st)
		}
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.ScheduleRequeued || types[1] != eventbus.ScheduleCancelled {
		t.Fatalf("events=%v", types)
	}
}
