package publisher

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"autopub/internal/config"
	"autopub/internal/domain"
	logx "autopub/pkg/logx"
)

type stepRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *stepRecorder) progress(step, msg string) {
	r.mu.Lock()
	r.steps = append(r.steps, step+":"+msg)
	r.mu.Unlock()
}

func shellPublisher(t *testing.T, script string) *Command {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	c, err := NewCommand(config.PublisherConfig{
		Command: []string{"sh", "-c", script},
		Env:     map[string]string{"AUTOPUB_TEST": "1"},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	return c
}

func TestCommandSuccess(t *testing.T) {
	t.Parallel()

	c := shellPublisher(t, `
read -r input
case "$input" in *'"title":"Hello"'*) ;; *) exit 3 ;; esac
echo '{"step":"init","message":"browser up"}'
echo 'not json'
echo '{"step":"switch_tab","message":"image tab"}'
echo '{"result":{"success":true,"note_url":"https://example.test/n/1","screenshot":"/tmp/shot.png"}}'
`)
	rec := &stepRecorder{}
	res, err := c.Publish(context.Background(), Descriptor{ScheduleID: 7, Title: "Hello", Type: domain.ContentImage}, rec.progress)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.Success || res.NoteURL != "https://example.test/n/1" || res.ScreenshotPath != "/tmp/shot.png" || res.Duration <= 0 {
		t.Fatalf("result=%+v", res)
	}
	if strings.Join(rec.steps, ",") != "init:browser up,switch_tab:image tab" {
		t.Fatalf("steps=%v", rec.steps)
	}
}

func TestCommandReportedFailure(t *testing.T) {
	t.Parallel()

	c := shellPublisher(t, `cat >/dev/null; echo '{"result":{"success":false}}'`)
	res, err := c.Publish(context.Background(), Descriptor{ScheduleID: 1}, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Success || res.Error != "publish failed" {
		t.Fatalf("result=%+v", res)
	}
}

func TestCommandExitWithoutResult(t *testing.T) {
	t.Parallel()

	c := shellPublisher(t, `cat >/dev/null; echo "login expired" >&2; exit 2`)
	_, err := c.Publish(context.Background(), Descriptor{ScheduleID: 1}, nil)
	if err == nil || !strings.Contains(err.Error(), "login expired") {
		t.Fatalf("err=%v", err)
	}
}

func TestCommandOversizedLineDoesNotStall(t *testing.T) {
	t.Parallel()

	// A 2 MiB line overflows the scanner; the rest must still be drained.
	c := shellPublisher(t, `cat >/dev/null
head -c 2097152 /dev/zero | tr '\0' x
echo
head -c 2097152 /dev/zero | tr '\0' y
echo
echo '{"result":{"success":true}}'`)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := c.Publish(ctx, Descriptor{ScheduleID: 1}, nil)
	if err == nil || !strings.Contains(err.Error(), "read publisher output") {
		t.Fatalf("err=%v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("publish stalled until its deadline")
	}
}

func TestCommandRespectsContext(t *testing.T) {
	t.Parallel()

	c := shellPublisher(t, `cat >/dev/null; exec sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Publish(ctx, Descriptor{ScheduleID: 1}, nil)
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("publish did not stop with its context")
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	if p, err := Open(config.PublisherConfig{Driver: "noop"}, logx.Nop()); err != nil || p == nil {
		t.Fatalf("noop: %v", err)
	}
	if _, err := Open(config.PublisherConfig{Driver: "command"}, logx.Nop()); err == nil {
		t.Fatalf("command driver without argv accepted")
	}
	if _, err := Open(config.PublisherConfig{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestNoopAndDescriptor(t *testing.T) {
	t.Parallel()

	d := DescriptorFor(domain.DueSchedule{
		Schedule: domain.Schedule{ID: 4, AccountID: 2},
		Content:  domain.Content{Title: "t", Tags: []string{"x"}, Type: domain.ContentVideo},
		Account:  domain.Account{Nickname: "nick", CookieRef: "cookies/2.json"},
	})
	if d.ScheduleID != 4 || d.Account != "nick" || d.CookieRef != "cookies/2.json" || d.Type != domain.ContentVideo {
		t.Fatalf("descriptor=%+v", d)
	}
	rec := &stepRecorder{}
	res, err := Noop{}.Publish(context.Background(), d, rec.progress)
	if err != nil || !res.Success || res.NoteURL != "noop://schedule/4" || len(rec.steps) != 2 {
		t.Fatalf("res=%+v err=%v steps=%v", res, err, rec.steps)
	}
}
