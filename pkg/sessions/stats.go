// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"math"
	"time"
)

// Milestone reached by a user.
type Milestone struct {
	Type       string    `json:"type"`
	AchievedAt time.Time `json:"achievedAt"`
	XPAwarded  int       `json:"xpAwarded"`
}

type milestoneCheck struct {
	name      string
	xp        int
	condition func(s *UserStats) bool
}

var milestoneChecks = []milestoneCheck{
	{"first_session", 50, func(s *UserStats) bool { return s.TotalSessions >= 1 }},
	{"ten_sessions", 100, func(s *UserStats) bool { return s.TotalSessions >= 10 }},
	{"fifty_sessions", 250, func(s *UserStats) bool { return s.TotalSessions >= 50 }},
	{"hundred_sessions", 500, func(s *UserStats) bool { return s.TotalSessions >= 100 }},
	{"one_hour_total", 50, func(s *UserStats) bool { return s.TotalFocusMinutes >= 60 }},
	{"ten_hours_total", 200, func(s *UserStats) bool { return s.TotalFocusMinutes >= 600 }},
	{"fifty_hours_total", 500, func(s *UserStats) bool { return s.TotalFocusMinutes >= 3000 }},
	{"hundred_hours_total", 1000, func(s *UserStats) bool { return s.TotalFocusMinutes >= 6000 }},
	{"three_day_streak", 75, func(s *UserStats) bool { return s.CurrentStreak >= 3 }},
	{"seven_day_streak", 150, func(s *UserStats) bool { return s.CurrentStreak >= 7 }},
	{"thirty_day_streak", 500, func(s *UserStats) bool { return s.CurrentStreak >= 30 }},
}

// UserStats aggregates the ended sessions of a user.
type UserStats struct {
	UserID            string      `json:"userId"`
	TotalSessions     int         `json:"totalSessions"`
	CompletedSessions int         `json:"completedSessions"`
	AbandonedSessions int         `json:"abandonedSessions"`
	TotalFocusMinutes int         `json:"totalFocusMinutes"`
	TotalDistractions int         `json:"totalDistractions"`
	LongestSession    int         `json:"longestSession"`
	TotalXP           int         `json:"totalXP"`
	Level             int         `json:"level"`
	CurrentStreak     int         `json:"currentStreak"`
	LongestStreak     int         `json:"longestStreak"`
	LastActiveDate    *time.Time  `json:"lastActiveDate,omitempty"`
	BestFocusScore    int         `json:"bestFocusScore"`
	AverageFocusScore int         `json:"averageFocusScore"`
	Milestones        []Milestone `json:"milestones"`
	DailyGoalMinutes  int         `json:"dailyGoalMinutes"`
	WeeklyGoalMinutes int         `json:"weeklyGoalMinutes"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// NewUserStats returns the statistics of a user without sessions.
func NewUserStats(userID string) *UserStats {
	return &UserStats{
		UserID:            userID,
		Level:             1,
		Milestones:        []Milestone{},
		DailyGoalMinutes:  DefaultDailyGoal,
		WeeklyGoalMinutes: DefaultWeeklyGoal,
	}
}

// CompletionRate is the percentage of sessions completed, or 0 if there are none.
func (s *UserStats) CompletionRate() int {
	if s.TotalSessions == 0 {
		return 0
	}
	return int(math.Round(float64(s.CompletedSessions) * 100 / float64(s.TotalSessions)))
}

// Update the statistics with an ended session. now is used for the daily streak, in now's location.
func (s *UserStats) Update(session *Session, now time.Time) {
	s.TotalSessions++
	s.TotalFocusMinutes += session.ActualDuration
	s.TotalDistractions += session.TotalDistractions()
	switch session.Status {
	case StatusCompleted:
		s.CompletedSessions++
	case StatusAbandoned:
		s.AbandonedSessions++
	}
	s.LongestSession = max(s.LongestSession, session.ActualDuration)

	if session.FocusScore != nil && *session.FocusScore > 0 {
		score := *session.FocusScore
		prevTotal := s.AverageFocusScore * (s.TotalSessions - 1)
		s.AverageFocusScore = int(math.Round(float64(prevTotal+score) / float64(s.TotalSessions)))
		s.BestFocusScore = max(s.BestFocusScore, score)
	}

	s.updateStreak(now)
	s.TotalXP += session.XPEarned
	s.Level = Level(s.TotalXP)
	s.checkMilestones(now)
	s.UpdatedAt = now
}

// updateStreak counts consecutive calendar days with at least one ended session.
func (s *UserStats) updateStreak(now time.Time) {
	today := startOfDay(now)
	switch {
	case s.LastActiveDate == nil:
		s.CurrentStreak = 1
	default:
		last := startOfDay(s.LastActiveDate.In(now.Location()))
		days := int(math.Round(today.Sub(last).Hours() / 24))
		switch days {
		case 0:
		case 1:
			s.CurrentStreak++
		default:
			s.CurrentStreak = 1
		}
	}
	s.LongestStreak = max(s.LongestStreak, s.CurrentStreak)
	s.LastActiveDate = &today
}

func (s *UserStats) checkMilestones(now time.Time) {
	achieved := make(map[string]bool, len(s.Milestones))
	for _, m := range s.Milestones {
		achieved[m.Type] = true
	}
	for _, check := range milestoneChecks {
		if !achieved[check.name] && check.condition(s) {
			s.Milestones = append(s.Milestones, Milestone{Type: check.name, AchievedAt: now, XPAwarded: check.xp})
		}
	}
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
