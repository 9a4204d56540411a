// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/pkg/errors"
)

// StartRequest configures a new session. Zero values take the defaults.
type StartRequest struct {
	PlannedDuration int         `json:"plannedDuration" validate:"omitempty,min=1,max=480"`
	SessionType     SessionType `json:"sessionType" validate:"omitempty,oneof=quick standard deep_work ultra custom"`
	FocusMode       FocusMode   `json:"focusMode" validate:"omitempty,oneof=default deep_work study creative exam_prep zen"`
	PreSessionGoal  string      `json:"preSessionGoal" validate:"max=500"`
	Tags            []string    `json:"tags" validate:"max=20,dive,max=50"`
}

// BreakRequest records a break. A break without Duration is left running and pauses the
// session until it is resumed.
type BreakRequest struct {
	Type     BreakType     `json:"type" validate:"omitempty,oneof=scheduled manual distraction"`
	Duration int           `json:"duration" validate:"min=0,max=240"`
	Activity BreakActivity `json:"activity" validate:"omitempty,oneof=none breathing stretch game walk"`
}

// EndRequest ends a session.
type EndRequest struct {
	Completed        bool     `json:"completed"`
	PostSessionNotes string   `json:"postSessionNotes" validate:"max=1000"`
	Accomplishments  []string `json:"accomplishments" validate:"max=50"`
	Rating           *int     `json:"rating" validate:"omitempty,min=1,max=5"`
	Tags             []string `json:"tags" validate:"max=20,dive,max=50"`
}

// DistractionRequest logs a distraction. A zero Confidence takes DefaultDistractionConfidence.
type DistractionRequest struct {
	Confidence float64           `json:"confidence" validate:"min=0,max=1"`
	Action     DistractionAction `json:"action" validate:"omitempty,oneof=dismissed took_break played_game ignored"`
}

// TodaySummary of the sessions started today.
type TodaySummary struct {
	Sessions          []*Session `json:"sessions"`
	TotalFocusMinutes int        `json:"totalFocusMinutes"`
	CompletedSessions int        `json:"completedSessions"`
	TotalXP           int        `json:"totalXP"`
	AverageFocusScore int        `json:"averageFocusScore"`
}

// Service implements the operations on focus sessions.
type Service struct {
	repo Repository

	// now returns the current time, replaced in tests.
	now func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Start a new session for userID. It fails with ErrActiveSessionExists if the user already has
// an active or paused session. The repository enforces it too, for concurrent starts.
func (s *Service) Start(ctx context.Context, userID string, req StartRequest) (*Session, error) {
	_, err := s.repo.ActiveSession(ctx, userID)
	if err == nil {
		return nil, ErrActiveSessionExists
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	session := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		StartTime:       now,
		PlannedDuration: req.PlannedDuration,
		SessionType:     req.SessionType,
		FocusMode:       req.FocusMode,
		Status:          StatusActive,
		Breaks:          []Break{},
		Distractions:    []Distraction{},
		PreSessionGoal:  req.PreSessionGoal,
		Accomplishments: []string{},
		Tags:            req.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if session.PlannedDuration <= 0 {
		session.PlannedDuration = DefaultPlannedDuration
	}
	if session.SessionType == "" {
		session.SessionType = SessionStandard
	}
	if session.FocusMode == "" {
		session.FocusMode = ModeDefault
	}
	if session.Tags == nil {
		session.Tags = []string{}
	}
	if err = s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	log.WithContext(ctx).WithFields(log.Fields{
		"user_id":    userID,
		"session_id": session.ID,
		"planned":    session.PlannedDuration,
	}).Info("Focus session started")
	return session, nil
}

// update loads the session, applies fn and stores the result.
func (s *Service) update(ctx context.Context, userID, id string, fn func(session *Session, now time.Time) error) (*Session, error) {
	session, err := s.repo.GetSession(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err = fn(session, now); err != nil {
		return nil, err
	}
	session.updateTotals()
	session.UpdatedAt = now
	if err = s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Pause an active session, starting a manual break.
func (s *Service) Pause(ctx context.Context, userID, id string) (*Session, error) {
	return s.update(ctx, userID, id, func(session *Session, now time.Time) error {
		if session.Status != StatusActive {
			return errors.Wrapf(ErrInvalidTransition, "cannot pause a %s session", session.Status)
		}
		session.Status = StatusPaused
		session.Breaks = append(session.Breaks, Break{StartTime: now, Type: BreakManual, Activity: ActivityNone})
		return nil
	})
}

// Resume a paused session, ending the running break.
func (s *Service) Resume(ctx context.Context, userID, id string) (*Session, error) {
	return s.update(ctx, userID, id, func(session *Session, now time.Time) error {
		if session.Status != StatusPaused {
			return errors.Wrapf(ErrInvalidTransition, "cannot resume a %s session", session.Status)
		}
		session.closeBreak(now)
		session.Status = StatusActive
		return nil
	})
}

// Break records a break in an open session.
func (s *Service) Break(ctx context.Context, userID, id string, req BreakRequest) (*Session, error) {
	return s.update(ctx, userID, id, func(session *Session, now time.Time) error {
		if !session.Status.Open() {
			return errors.Wrapf(ErrInvalidTransition, "cannot take a break in a %s session", session.Status)
		}
		session.closeBreak(now)
		b := Break{StartTime: now, Type: req.Type, Activity: req.Activity}
		if b.Type == "" {
			b.Type = BreakScheduled
		}
		if b.Activity == "" {
			b.Activity = ActivityNone
		}
		if req.Duration > 0 {
			end := now.Add(time.Duration(req.Duration) * time.Minute)
			b.EndTime, b.Duration = &end, req.Duration
		} else {
			session.Status = StatusPaused
		}
		session.Breaks = append(session.Breaks, b)
		return nil
	})
}

// End an open session, computing its focus score and XP, and updating the user's statistics.
// The session is completed if req.Completed, or abandoned otherwise.
func (s *Service) End(ctx context.Context, userID, id string, req EndRequest) (*Session, error) {
	session, err := s.update(ctx, userID, id, func(session *Session, now time.Time) error {
		if !session.Status.Open() {
			return errors.Wrap(ErrInvalidTransition, "session already ended")
		}
		session.closeBreak(now)
		end := now
		session.EndTime = &end
		session.Completed = req.Completed
		session.Status = StatusAbandoned
		if req.Completed {
			session.Status = StatusCompleted
		}
		session.PostSessionNotes = req.PostSessionNotes
		session.Rating = req.Rating
		if req.Accomplishments != nil {
			session.Accomplishments = req.Accomplishments
		}
		if req.Tags != nil {
			session.Tags = req.Tags
		}

		// Score and XP depend on the actual duration, computed by updateTotals.
		session.updateTotals()
		session.XPEarned = XP(session.ActualDuration, session.Completed, *session.FocusScore)
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats, err := s.repo.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats.Update(session, s.now())
	if err = s.repo.SaveStats(ctx, stats); err != nil {
		return nil, err
	}
	log.WithContext(ctx).WithFields(log.Fields{
		"user_id":     userID,
		"session_id":  session.ID,
		"status":      session.Status,
		"minutes":     session.ActualDuration,
		"focus_score": *session.FocusScore,
		"xp":          session.XPEarned,
	}).Info("Focus session ended")
	return session, nil
}

// LogDistraction records a distraction in an open session.
func (s *Service) LogDistraction(ctx context.Context, userID, id string, req DistractionRequest) (*Session, error) {
	return s.update(ctx, userID, id, func(session *Session, now time.Time) error {
		if !session.Status.Open() {
			return errors.Wrapf(ErrInvalidTransition, "cannot log a distraction in a %s session", session.Status)
		}
		d := Distraction{Timestamp: now, Confidence: req.Confidence, Action: req.Action}
		if d.Confidence <= 0 {
			d.Confidence = DefaultDistractionConfidence
		}
		if d.Action == "" {
			d.Action = ActionDismissed
		}
		session.Distractions = append(session.Distractions, d)
		return nil
	})
}

// RecordDistraction logs a distraction detected by the classifier in the user's open session.
// It returns ErrNotFound if the user has no open session.
func (s *Service) RecordDistraction(ctx context.Context, userID string, confidence float64) (*Session, error) {
	active, err := s.repo.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.LogDistraction(ctx, userID, active.ID, DistractionRequest{Confidence: confidence})
}

// List the sessions of userID, most recent first, and the total number matching filter.
func (s *Service) List(ctx context.Context, userID string, filter ListFilter) ([]*Session, int, error) {
	filter.Offset = max(filter.Offset, 0)
	filter.Limit = max(filter.Limit, 0)
	return s.repo.ListSessions(ctx, userID, filter)
}

// Active returns the open session of userID, or nil if there is none.
func (s *Service) Active(ctx context.Context, userID string) (*Session, error) {
	session, err := s.repo.ActiveSession(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return session, err
}

// Today summarizes the sessions userID started today.
func (s *Service) Today(ctx context.Context, userID string) (*TodaySummary, error) {
	from := startOfDay(s.now())
	to := from.AddDate(0, 0, 1).Add(-time.Nanosecond)
	sessions, _, err := s.repo.ListSessions(ctx, userID, ListFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	summary := &TodaySummary{Sessions: sessions}
	var scoreSum int
	for _, session := range sessions {
		summary.TotalFocusMinutes += session.ActualDuration
		summary.TotalXP += session.XPEarned
		if session.Completed {
			summary.CompletedSessions++
		}
		if session.FocusScore != nil {
			scoreSum += *session.FocusScore
		}
	}
	if len(sessions) > 0 {
		summary.AverageFocusScore = int(float64(scoreSum)/float64(len(sessions)) + 0.5)
	}
	if summary.Sessions == nil {
		summary.Sessions = []*Session{}
	}
	return summary, nil
}

// Stats returns the statistics of userID.
func (s *Service) Stats(ctx context.Context, userID string) (*UserStats, error) {
	return s.repo.GetStats(ctx, userID)
}
