package publisher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"autopub/internal/config"
	logx "autopub/pkg/logx"
)

const (
	maxLineBytes   = 1 << 20
	stderrTailSize = 4 << 10
	waitDelay      = 5 * time.Second
)

// Command runs an external automation program once per attempt.
//
// The Descriptor is written to stdin as one JSON document. Every stdout line
// is a JSON object: {"step":"upload","message":"..."} for progress, and one
// {"result":{"success":true,"note_url":"...","screenshot":"..."}} at the end.
// A non-zero exit without a result line is a failure.
type Command struct {
	argv []string
	dir  string
	env  []string
	log  logx.Logger
}

type line struct {
	Step    string  `json:"step"`
	Message string  `json:"message"`
	Result  *Result `json:"result"`
}

func NewCommand(cfg config.PublisherConfig, log logx.Logger) (*Command, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("publisher: command is required")
	}
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return &Command{
		argv: append([]string(nil), cfg.Command...),
		dir:  cfg.Dir,
		env:  env,
		log:  log.Component("publisher"),
	}, nil
}

func (c *Command) Publish(ctx context.Context, d Descriptor, progress ProgressFunc) (Result, error) {
	start := time.Now()
	input, err := json.Marshal(d)
	if err != nil {
		return Result{}, fmt.Errorf("encode descriptor: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.Env = c.env
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start publisher: %w", err)
	}

	log := c.log.With(logx.Int64("schedule_id", d.ScheduleID))
	var res *Result
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ln line
		if err := json.Unmarshal(raw, &ln); err != nil {
			log.Debug("publisher output", logx.String("line", string(raw)))
			continue
		}
		if ln.Result != nil {
			r := *ln.Result
			res = &r
			continue
		}
		if ln.Step != "" {
			emit(progress, ln.Step, ln.Message)
		}
	}
	scanErr := sc.Err()
	if scanErr != nil {
		// Keep the pipe flowing so the child can exit.
		log.Warn("publisher output unreadable; discarding the rest", logx.Err(scanErr))
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	dur := time.Since(start)

	if ctx.Err() != nil {
		return Result{Duration: dur}, fmt.Errorf("publisher interrupted: %w", ctx.Err())
	}
	if res != nil {
		res.Duration = dur
		if !res.Success && res.Error == "" {
			res.Error = "publish failed"
		}
		return *res, nil
	}
	if scanErr != nil {
		return Result{Duration: dur}, fmt.Errorf("read publisher output: %w", scanErr)
	}
	if waitErr != nil {
		return Result{Duration: dur}, fmt.Errorf("publisher exited: %w%s", waitErr, stderr.suffix())
	}
	return Result{Duration: dur}, errors.New("publisher produced no result")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}
