// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

// Package sessions tracks focus sessions: timed work periods, their breaks and the distractions
// detected by the focus classifier, and the per-user statistics and experience points (XP) derived
// from them.
package sessions

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a session does not exist or belongs to another user.
	ErrNotFound = errors.New("session not found")

	// ErrActiveSessionExists is returned when starting a session while another one is active or paused.
	ErrActiveSessionExists = errors.New("you already have an active session")

	// ErrInvalidTransition is returned when an operation does not apply to the session's status,
	// e.g. pausing a paused session or ending an ended one.
	ErrInvalidTransition = errors.New("invalid session state for this operation")
)

// SessionType is the length preset chosen by the user.
type SessionType string

const (
	SessionQuick    SessionType = "quick"
	SessionStandard SessionType = "standard"
	SessionDeepWork SessionType = "deep_work"
	SessionUltra    SessionType = "ultra"
	SessionCustom   SessionType = "custom"
)

// FocusMode is the environment preset chosen by the user.
type FocusMode string

const (
	ModeDefault  FocusMode = "default"
	ModeDeepWork FocusMode = "deep_work"
	ModeStudy    FocusMode = "study"
	ModeCreative FocusMode = "creative"
	ModeExamPrep FocusMode = "exam_prep"
	ModeZen      FocusMode = "zen"
)

// Status of a session. Active and paused sessions are "open": a user has at most one.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Open returns whether the session can still be paused, resumed or ended.
func (s Status) Open() bool { return s == StatusActive || s == StatusPaused }

type BreakType string

const (
	BreakScheduled   BreakType = "scheduled"
	BreakManual      BreakType = "manual"
	BreakDistraction BreakType = "distraction"
)

type BreakActivity string

const (
	ActivityNone      BreakActivity = "none"
	ActivityBreathing BreakActivity = "breathing"
	ActivityStretch   BreakActivity = "stretch"
	ActivityGame      BreakActivity = "game"
	ActivityWalk      BreakActivity = "walk"
)

// DistractionAction is what the user did when warned about a distraction.
type DistractionAction string

const (
	ActionDismissed  DistractionAction = "dismissed"
	ActionTookBreak  DistractionAction = "took_break"
	ActionPlayedGame DistractionAction = "played_game"
	ActionIgnored    DistractionAction = "ignored"
)

const (
	// DefaultPlannedDuration of a session, in minutes.
	DefaultPlannedDuration = 25

	// DefaultDistractionConfidence is used when a distraction is logged without a confidence.
	DefaultDistractionConfidence = 0.5
)

// Break taken during a session. A break without EndTime is still running.
type Break struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Duration  int           `json:"duration"` // Minutes.
	Type      BreakType     `json:"type"`
	Activity  BreakActivity `json:"activity"`
}

// Distraction detected (usually by the focus classifier) during a session.
type Distraction struct {
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	Action     DistractionAction `json:"action"`
}

// Session is one focus session of a user. Durations are in minutes.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"userId"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	PlannedDuration int           `json:"plannedDuration"`
	ActualDuration  int           `json:"actualDuration"`
	SessionType     SessionType   `json:"sessionType"`
	FocusMode       FocusMode     `json:"focusMode"`
	Status          Status        `json:"status"`
	Completed       bool          `json:"completed"`
	Breaks          []Break       `json:"breaks"`
	Distractions    []Distraction `json:"distractionEvents"`
	TotalBreakTime  int           `json:"totalBreakTime"`

	PreSessionGoal   string   `json:"preSessionGoal,omitempty"`
	PostSessionNotes string   `json:"postSessionNotes,omitempty"`
	Accomplishments  []string `json:"accomplishments"`
	Rating           *int     `json:"userRating,omitempty"`
	Tags             []string `json:"tags"`

	FocusScore *int `json:"focusScore,omitempty"`
	XPEarned   int  `json:"xpEarned"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TotalDistractions logged in the session.
func (s *Session) TotalDistractions() int { return len(s.Distractions) }

// openBreak returns the running break, or nil.
func (s *Session) openBreak() *Break {
	if len(s.Breaks) == 0 {
		return nil
	}
	b := &s.Breaks[len(s.Breaks)-1]
	if b.EndTime != nil {
		return nil
	}
	return b
}

// closeBreak ends the running break, if any, at now.
func (s *Session) closeBreak(now time.Time) {
	b := s.openBreak()
	if b == nil {
		return
	}
	end := now
	b.EndTime = &end
	b.Duration = roundMinutes(now.Sub(b.StartTime))
}

// updateTotals recomputes the derived fields of the session.
func (s *Session) updateTotals() {
	s.TotalBreakTime = 0
	for _, b := range s.Breaks {
		s.TotalBreakTime += b.Duration
	}
	if s.EndTime != nil {
		s.ActualDuration = roundMinutes(s.EndTime.Sub(s.StartTime))
		score := FocusScore(s.ActualDuration, s.PlannedDuration, s.TotalDistractions(), s.TotalBreakTime, s.Completed)
		s.FocusScore = &score
	}
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}

// FocusScore in [0, 100] of a session that lasted actual minutes out of planned, with the given
// number of distractions and minutes of breaks:
//
//   - Not completing the planned duration costs up to 30 points, proportionally.
//   - Each distraction costs 5 points, up to 25.
//   - Breaks over 20% of the session cost 50 points per 100% in excess.
//   - Completing the full planned duration gives a 10 points bonus.
func FocusScore(actual, planned, distractions, breakTime int, completed bool) int {
	score := 100
	if actual < planned {
		score -= int(math.Round((1 - float64(actual)/float64(planned)) * 30))
	}
	score -= min(distractions*5, 25)
	if actual > 0 {
		if ratio := float64(breakTime) / float64(actual); ratio > 0.2 {
			score -= int(math.Round((ratio - 0.2) * 50))
		}
	} else if breakTime > 0 {
		// Only breaks.
		return 0
	}
	if completed && actual >= planned {
		score += 10
	}
	return max(0, min(100, score))
}

// XP earned by a session: 10 base points, 2 per minute, 25 for completing it and 15 for a
// focus score of 80 or more.
func XP(actual int, completed bool, focusScore int) int {
	xp := 10 + actual*2
	if completed {
		xp += 25
	}
	if focusScore >= 80 {
		xp += 15
	}
	return xp
}

// Level reached with the given total XP: 1 + floor(sqrt(xp/100)).
func Level(xp int) int {
	if xp <= 0 {
		return 1
	}
	return int(math.Floor(math.Sqrt(float64(xp)/100))) + 1
}
