// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/neurolearn/focusnet/pkg/sessions"
	"github.com/pkg/errors"
)

const defaultListLimit = 20

type sessionsHandler struct {
	server  *Server
	service *sessions.Service
}

func (h *sessionsHandler) Start(router fiber.Router) {
	group := router.Group("/sessions", h.server.middleware.Token)
	group.Post("/start", h.StartSession)
	group.Get("/", h.List)
	group.Get("/active", h.Active)
	group.Get("/today", h.Today)
	group.Get("/stats", h.Stats)
	group.Get("/stats/daily", h.Daily)
	group.Get("/stats/weekly", h.Weekly)
	group.Get("/insights", h.Insights)
	group.Get("/achievements", h.Achievements)
	group.Put("/goals", h.Goals)
	group.Post("/distraction", h.ActiveDistraction)
	group.Post("/:id/pause", h.Pause)
	group.Post("/:id/resume", h.Resume)
	group.Post("/:id/break", h.Break)
	group.Put("/:id/end", h.End)
	group.Post("/:id/distraction", h.Distraction)
}

// requestContext bounds the handling of the request by Config.RequestTimeout.
func (h *sessionsHandler) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if h.server.cfg.RequestTimeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), h.server.cfg.RequestTimeout)
}

// parseBody parses and validates the optional JSON body into req.
func (h *sessionsHandler) parseBody(c *fiber.Ctx, req any) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}
	return h.server.validator.Struct(req)
}

// sendError maps the errors of the sessions service to HTTP statuses.
func (h *sessionsHandler) sendError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Server error"
	var fiberErr *fiber.Error
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fiberErr):
		status, message = fiberErr.Code, fiberErr.Message
	case errors.As(err, &validationErrs):
		status, message = fiber.StatusBadRequest, validationErrs.Error()
	case errors.Is(err, sessions.ErrNotFound):
		status, message = fiber.StatusNotFound, "Session not found"
	case errors.Is(err, sessions.ErrActiveSessionExists):
		status, message = fiber.StatusBadRequest, "You already have an active session"
	case errors.Is(err, sessions.ErrInvalidTransition):
		status, message = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status, message = fiber.StatusServiceUnavailable, "Request timed out"
	}
	if status >= fiber.StatusInternalServerError {
		log.WithContext(c.UserContext()).WithError(err).WithField("path", c.Path()).Error("Sessions request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

// StartSession starts a session for the authenticated user.
func (h *sessionsHandler) StartSession(c *fiber.Ctx) error {
	var req sessions.StartRequest
	if err := h.parseBody(c, &req); err != nil {
		return h.sendError(c, err)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	session, err := h.service.Start(ctx, UserID(c), req)
	if err != nil {
		return h.sendError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session": session})
}

// List the sessions of the user, paginated with "limit" and "offset", and filtered by the
// "startDate" and "endDate" query parameters.
func (h *sessionsHandler) List(c *fiber.Ctx) error {
	filter := sessions.ListFilter{Limit: defaultListLimit}
	var err error
	if value := c.Query("limit"); value != "" {
		if filter.Limit, err = strconv.Atoi(value); err != nil || filter.Limit < 0 {
			return h.sendError(c, fiber.NewError(fiber.StatusBadRequest, "Invalid limit"))
		}
	}
	if value := c.Query("offset"); value != "" {
		if filter.Offset, err = strconv.Atoi(value); err != nil || filter.Offset < 0 {
			return h.sendError(c, fiber.NewError(fiber.StatusBadRequest, "Invalid offset"))
		}
	}
	if filter.From, err = parseDate(c.Query("startDate"), false); err != nil {
		return h.sendError(c, fiber.NewError(fiber.StatusBadRequest, "Invalid startDate"))
	}
	if filter.To, err = parseDate(c.Query("endDate"), true); err != nil {
		return h.sendError(c, fiber.NewError(fiber.StatusBadRequest, "Invalid endDate"))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()
	list, total, err := h.service.List(ctx, UserID(c), filter)
	if err != nil {
		return h.sendError(c, err)
	}
	if list == nil {
		list = []*sessions.Session{}
	}
	return c.JSON(fiber.Map{
		"sessions": list,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain endDate includes the whole day.
func parseDate(value string, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

// Active returns the open session of the user, or a null session.
func (h *sessionsHandler) Active(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	session, err := h.service.Active(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"session": session})
}

func (h *sessionsHandler) Today(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	summary, err := h.service.Today(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(summary)
}

func (h *sessionsHandler) Stats(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	stats, err := h.service.Stats(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"stats": stats, "completionRate": stats.CompletionRate()})
}

// Daily returns today's progress towards the daily goal.
func (h *sessionsHandler) Daily(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	daily, err := h.service.Daily(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(daily)
}

// Weekly returns the last 7 days, broken down by day.
func (h *sessionsHandler) Weekly(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	weekly, err := h.service.Weekly(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(weekly)
}

func (h *sessionsHandler) Insights(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	insights, err := h.service.Insights(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(insights)
}

// Achievements returns the milestones reached by the user.
func (h *sessionsHandler) Achievements(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	stats, err := h.service.Stats(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"milestones": stats.Milestones, "totalXP": stats.TotalXP, "level": stats.Level})
}

// Goals updates the daily and weekly goals of the user.
func (h *sessionsHandler) Goals(c *fiber.Ctx) error {
	var req sessions.GoalsRequest
	if err := h.parseBody(c, &req); err != nil {
		return h.sendError(c, err)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	stats, err := h.service.SetGoals(ctx, UserID(c), req)
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Goals updated", "stats": stats})
}

// sessionOp runs an operation on the session ":id" and returns the updated session.
func (h *sessionsHandler) sessionOp(c *fiber.Ctx, op func(ctx context.Context, userID, id string) (*sessions.Session, error)) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()
	session, err := op(ctx, UserID(c), c.Params("id"))
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"session": session})
}

func (h *sessionsHandler) Pause(c *fiber.Ctx) error {
	return h.sessionOp(c, h.service.Pause)
}

func (h *sessionsHandler) Resume(c *fiber.Ctx) error {
	return h.sessionOp(c, h.service.Resume)
}

func (h *sessionsHandler) Break(c *fiber.Ctx) error {
	var req sessions.BreakRequest
	if err := h.parseBody(c, &req); err != nil {
		return h.sendError(c, err)
	}
	return h.sessionOp(c, func(ctx context.Context, userID, id string) (*sessions.Session, error) {
		return h.service.Break(ctx, userID, id, req)
	})
}

// End completes or abandons a session, and returns it with the updated statistics of the user.
func (h *sessionsHandler) End(c *fiber.Ctx) error {
	var req sessions.EndRequest
	if err := h.parseBody(c, &req); err != nil {
		return h.sendError(c, err)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	userID := UserID(c)
	session, err := h.service.End(ctx, userID, c.Params("id"), req)
	if err != nil {
		return h.sendError(c, err)
	}
	stats, err := h.service.Stats(ctx, userID)
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"session": session, "stats": stats})
}

func (h *sessionsHandler) Distraction(c *fiber.Ctx) error {
	req := sessions.DistractionRequest{Confidence: sessions.DefaultDistractionConfidence}
	if err := h.parseBody(c, &req); err != nil {
		return h.sendError(c, err)
	}
	return h.sessionOp(c, func(ctx context.Context, userID, id string) (*sessions.Session, error) {
		return h.service.LogDistraction(ctx, userID, id, req)
	})
}

// ActiveDistraction logs a distraction in the open session of the user.
func (h *sessionsHandler) ActiveDistraction(c *fiber.Ctx) error {
	req := sessions.DistractionRequest{Confidence: sessions.DefaultDistractionConfidence}
	if err := h.parseBody(c, &req); err != nil {
		return h.sendError(c, err)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	active, err := h.service.Active(ctx, UserID(c))
	if err != nil {
		return h.sendError(c, err)
	}
	if active == nil {
		return h.sendError(c, sessions.ErrNotFound)
	}
	session, err := h.service.LogDistraction(ctx, UserID(c), active.ID, req)
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"session": session})
}
