package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"autopub/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		c := &config.Config{}
		c.Normalize()
		return c
	}
	if err := validateConfig(context.Background(), base()); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	cases := map[string]func(c *config.Config){
		"tick":     func(c *config.Config) { c.Scheduler.Tick = "every now and then" },
		"daily":    func(c *config.Config) { c.Scheduler.DailyReset = "25:00" },
		"timezone": func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"timeout":  func(c *config.Config) { c.Queue.JobTimeout = "soon" },
		"busy":     func(c *config.Config) { c.Storage.BusyTimeout = "-" },
	}
	for name, mutate := range cases {
		c := base()
		mutate(c)
		if err := validateConfig(context.Background(), c); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestMapSchedulerConfigCarriesQueueLimits(t *testing.T) {
	t.Parallel()

	c := &config.Config{Queue: config.QueueConfig{PerAccount: 2, JobTimeout: "90s"}}
	c.Scheduler.Enabled = true
	c.Normalize()
	sc, err := mapSchedulerConfig(c)
	if err != nil {
		t.Fatal(err)
	}
	if !sc.Enabled || sc.PerAccount != 2 || sc.JobTimeout != 90*time.Second {
		t.Fatalf("got %+v", sc)
	}
	if _, enabled := mapAdminConfig(c); enabled {
		t.Fatal("admin should be off without an admin section")
	}
	if mapNotifyConfig(c).Enabled {
		t.Fatal("notifier should be off without a notifier section")
	}
}

func TestAppLifecycle(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "app.db")
	path := writeConfig(t, `{
		"logging": {"level": "error"},
		"storage": {"driver": "sqlite", "dsn": "`+filepath.ToSlash(dsn)+`"},
		"scheduler": {"enabled": false, "timezone": "Asia/Shanghai"},
		"publish": {"daily_limit": 5, "max_retries": 3},
		"publisher": {"driver": "noop"}
	}`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := a.clock.Location().String(); got != "Asia/Shanghai" {
		t.Fatalf("publishing day zone=%s", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	st, ok := a.status().(map[string]any)
	if !ok || st["scheduler"] == nil || st["queue"] == nil || st["supervisor"] == nil {
		t.Fatalf("status=%v", a.status())
	}

	next := *a.cfgm.Get()
	next.Publish.DailyLimit = 9
	a.applyConfig(ctx, a.cfgm.Get(), &next)
	if got := a.policy.Get().DailyLimit; got != 9 {
		t.Fatalf("daily limit=%d after reload", got)
	}
	moved := next
	moved.Scheduler.Timezone = "UTC"
	a.applyConfig(ctx, &next, &moved)
	if got := a.clock.Location().String(); got != "UTC" {
		t.Fatalf("zone after reload=%s", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor context still live after stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"storage": {"driver": "mysql"}}`)
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
