// Package admin exposes the operator HTTP API: manual triggers, content and
// schedule management, execution logs and runtime snapshots.
package admin

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"autopub/internal/domain"
	"autopub/internal/planner"
	"autopub/internal/storage"
	"autopub/internal/task/scheduler"
	logx "autopub/pkg/logx"
)

type Config struct {
	Addr      string
	JWTSecret string
}

// Scheduler is the trigger surface the API drives.
type Scheduler interface {
	Tick(ctx context.Context) (scheduler.TickReport, error)
	DailyReset(ctx context.Context) (scheduler.DailyReport, error)
}

// Planner mutates contents and schedules.
type Planner interface {
	CreateContent(ctx context.Context, in planner.ContentInput) (int64, bool, error)
	CreateSchedule(ctx context.Context, contentID, accountID int64, at time.Time) (int64, error)
	Cancel(ctx context.Context, id int64) (domain.Schedule, error)
	RunNow(ctx context.Context, id int64) (domain.Schedule, error)
}

// Store is the read side plus account and settings writes.
type Store interface {
	CreateAccount(ctx context.Context, a domain.Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error
	GetContent(ctx context.Context, id int64) (domain.Content, error)
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	ListLogs(ctx context.Context, scheduleID int64) ([]domain.LogEntry, error)
	RecentLogs(ctx context.Context, limit int) ([]domain.LogEntry, error)
	Cleanup(ctx context.Context) (storage.CleanupReport, error)
	Stats(ctx context.Context, day time.Time) (domain.Stats, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Deps struct {
	Scheduler Scheduler
	Planner   Planner
	Store     Store
	// Status returns the runtime snapshot served by /api/snapshot.
	Status func() any
	// Now picks the day reported by /api/stats. Defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	app  *fiber.App

	mu      sync.Mutex
	serving bool
	done    chan error
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{cfg: cfg, deps: deps, log: log.Component("admin")}
	s.app = fiber.New(fiber.Config{
		AppName:               "autopub",
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return fail(c, fe.Code, fe.Message)
			}
			s.log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
			return fail(c, fiber.StatusInternalServerError, err.Error())
		},
	})
	s.routes()
	return s
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	api := s.app.Group("/api", s.bearerAuth())
	api.Get("/snapshot", s.snapshot)
	api.Post("/tick", s.tick)
	api.Post("/daily-reset", s.dailyReset)

	api.Post("/accounts", s.createAccount)
	api.Get("/accounts/:id", s.getAccount)
	api.Put("/accounts/:id/status", s.setAccountStatus)

	api.Post("/contents", s.createContent)
	api.Get("/contents/:id", s.getContent)

	api.Post("/schedules", s.createSchedule)
	api.Get("/schedules/:id", s.getSchedule)
	api.Post("/schedules/:id/cancel", s.cancelSchedule)
	api.Post("/schedules/:id/run", s.runSchedule)
	api.Get("/schedules/:id/logs", s.scheduleLogs)

	api.Get("/logs", s.recentLogs)
	api.Delete("/logs", s.cleanup)
	api.Get("/stats", s.stats)

	api.Get("/settings/:key", s.getSetting)
	api.Put("/settings/:key", s.putSetting)
}

// Start listens in the background. Listen errors are logged and reported by
// Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.cfg.JWTSecret == "" && !isLoopback(s.cfg.Addr) {
		s.log.Warn("admin API has no jwt_secret and is not bound to loopback", logx.String("addr", s.cfg.Addr))
	}
	s.serving = true
	s.done = make(chan error, 1)
	done := s.done
	go func() {
		err := s.app.Listener(ln)
		if err != nil {
			s.log.Error("admin listener stopped", logx.Err(err))
		}
		done <- err
	}()
	s.log.Info("admin API listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	serving, done := s.serving, s.done
	s.serving = false
	s.mu.Unlock()
	if !serving {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
