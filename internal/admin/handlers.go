package admin

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"autopub/internal/domain"
	"autopub/internal/planner"
	logx "autopub/pkg/logx"
)

func success(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"success": true, "data": data})
}

func fail(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(fiber.Map{"success": false, "error": msg})
}

// storeError maps domain errors onto HTTP statuses.
func storeError(c *fiber.Ctx, err error) error {
	if ce, isConflict := domain.AsConflict(err); isConflict {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   ce.Error(),
			"data":    fiber.Map{"id": ce.ExistingID, "kind": ce.Kind},
		})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fail(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrAccountInactive):
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return err
}

func paramID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (s *Server) snapshot(c *fiber.Ctx) error {
	if s.deps.Status == nil {
		return success(c, fiber.Map{})
	}
	return success(c, s.deps.Status())
}

func (s *Server) tick(c *fiber.Ctx) error {
	rep, err := s.deps.Scheduler.Tick(c.UserContext())
	if err != nil {
		return err
	}
	return success(c, rep)
}

func (s *Server) dailyReset(c *fiber.Ctx) error {
	rep, err := s.deps.Scheduler.DailyReset(c.UserContext())
	if err != nil {
		return err
	}
	return success(c, rep)
}

type accountRequest struct {
	Nickname  string               `json:"nickname"`
	Status    domain.AccountStatus `json:"status"`
	CookieRef string               `json:"cookie_ref"`
}

func validAccountStatus(st domain.AccountStatus) bool {
	switch st {
	case domain.AccountPending, domain.AccountActive, domain.AccountExpired:
		return true
	}
	return false
}

func (s *Server) createAccount(c *fiber.Ctx) error {
	var req accountRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	req.Nickname = strings.TrimSpace(req.Nickname)
	if req.Nickname == "" {
		return fail(c, fiber.StatusBadRequest, "nickname is required")
	}
	if req.Status == "" {
		req.Status = domain.AccountPending
	}
	if !validAccountStatus(req.Status) {
		return fail(c, fiber.StatusBadRequest, "unknown account status")
	}
	id, err := s.deps.Store.CreateAccount(c.UserContext(), domain.Account{Nickname: req.Nickname, Status: req.Status, CookieRef: req.CookieRef})
	if err != nil {
		return storeError(c, err)
	}
	return success(c, fiber.Map{"id": id})
}

func (s *Server) getAccount(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	a, err := s.deps.Store.GetAccount(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, a)
}

func (s *Server) setAccountStatus(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req accountRequest
	if err := c.BodyParser(&req); err != nil || !validAccountStatus(req.Status) {
		return fail(c, fiber.StatusBadRequest, "invalid status")
	}
	if err := s.deps.Store.UpdateAccountStatus(c.UserContext(), id, req.Status); err != nil {
		return storeError(c, err)
	}
	return success(c, fiber.Map{"id": id, "status": req.Status})
}

func (s *Server) createContent(c *fiber.Ctx) error {
	var in planner.ContentInput
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	id, created, err := s.deps.Planner.CreateContent(c.UserContext(), in)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, fiber.Map{"id": id, "created": created})
}

func (s *Server) getContent(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	ct, err := s.deps.Store.GetContent(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, ct)
}

type scheduleRequest struct {
	ContentID   int64  `json:"content_id"`
	AccountID   int64  `json:"account_id"`
	ScheduledAt string `json:"scheduled_at"`
}

func (s *Server) createSchedule(c *fiber.Ctx) error {
	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledAt))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "scheduled_at must be RFC 3339")
	}
	id, err := s.deps.Planner.CreateSchedule(c.UserContext(), req.ContentID, req.AccountID, at)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, fiber.Map{"id": id})
}

func (s *Server) getSchedule(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	sch, err := s.deps.Store.GetSchedule(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, sch)
}

func (s *Server) cancelSchedule(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	sch, err := s.deps.Planner.Cancel(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, sch)
}

func (s *Server) runSchedule(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	sch, err := s.deps.Planner.RunNow(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, sch)
}

func (s *Server) scheduleLogs(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	logs, err := s.deps.Store.ListLogs(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	return success(c, logs)
}

func (s *Server) recentLogs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	logs, err := s.deps.Store.RecentLogs(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return success(c, logs)
}

func (s *Server) cleanup(c *fiber.Ctx) error {
	rep, err := s.deps.Store.Cleanup(c.UserContext())
	if err != nil {
		return err
	}
	s.log.Info("logs cleaned up", logx.Int64("logs", rep.Logs), logx.Int64("schedules", rep.Schedules))
	return success(c, rep)
}

func (s *Server) stats(c *fiber.Ctx) error {
	st, err := s.deps.Store.Stats(c.UserContext(), s.deps.Now())
	if err != nil {
		return err
	}
	return success(c, st)
}

func (s *Server) getSetting(c *fiber.Ctx) error {
	key := c.Params("key")
	v, found, err := s.deps.Store.GetSetting(c.UserContext(), key)
	if err != nil {
		return err
	}
	if !found {
		return fail(c, fiber.StatusNotFound, "setting not found")
	}
	return success(c, fiber.Map{"key": key, "value": v})
}

func (s *Server) putSetting(c *fiber.Ctx) error {
	key := c.Params("key")
	var req struct {
		Value string `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	if err := s.deps.Store.SetSetting(c.UserContext(), key, req.Value); err != nil {
		return err
	}
	return success(c, fiber.Map{"key": key, "value": req.Value})
}
