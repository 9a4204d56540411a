// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultDailyGoal and DefaultWeeklyGoal are the focus goals of new users, in minutes.
	DefaultDailyGoal  = 60
	DefaultWeeklyGoal = 300

	// insightsDays is how far back Insights looks for the best hours.
	insightsDays = 30

	// numBestHours is the maximum number of best hours reported.
	numBestHours = 3
)

// HourTotal aggregates the sessions started within one hour.
type HourTotal struct {
	Hour time.Time `db:"hour"`

	Sessions int `db:"sessions"`
	Minutes  int `db:"minutes"`

	// ScoreSum of the ScoredSessions, the sessions with a non-zero focus score.
	ScoreSum       int `db:"score_sum"`
	ScoredSessions int `db:"scored_sessions"`
}

// GoalsRequest updates the focus goals. Zero values leave the goal unchanged.
type GoalsRequest struct {
	DailyGoalMinutes  int `json:"dailyGoalMinutes" validate:"min=0,max=1440"`
	WeeklyGoalMinutes int `json:"weeklyGoalMinutes" validate:"min=0,max=10080"`
}

// DailyStats is the progress of today towards the daily goal.
type DailyStats struct {
	TodayMinutes      int `json:"todayMinutes"`
	DailyGoal         int `json:"dailyGoal"`
	GoalProgress      int `json:"goalProgress"`
	SessionsToday     int `json:"sessionsToday"`
	CurrentStreak     int `json:"currentStreak"`
	AverageFocusScore int `json:"averageFocusScore"`
}

// DayStats aggregates the sessions started on one day.
type DayStats struct {
	Date     string `json:"date"` // YYYY-MM-DD.
	Weekday  string `json:"weekday"`
	Minutes  int    `json:"minutes"`
	Sessions int    `json:"sessions"`
	AvgScore int    `json:"avgScore"`
}

// WeeklyStats is the progress of the last 7 days towards the weekly goal.
type WeeklyStats struct {
	TotalMinutes   int        `json:"totalMinutes"`
	TotalSessions  int        `json:"totalSessions"`
	WeeklyGoal     int        `json:"weeklyGoal"`
	GoalProgress   int        `json:"goalProgress"`
	DailyBreakdown []DayStats `json:"dailyBreakdown"`
	BestHours      []int      `json:"bestHours"`
	CurrentStreak  int        `json:"currentStreak"`
}

// Insights summarizes the habits of a user, with recommendations.
type Insights struct {
	TotalSessions     int      `json:"totalSessions"`
	CompletionRate    int      `json:"completionRate"`
	DistractionRate   float64  `json:"distractionRate"` // Distractions per session.
	AverageFocusScore int      `json:"averageFocusScore"`
	CurrentStreak     int      `json:"currentStreak"`
	LongestStreak     int      `json:"longestStreak"`
	BestHours         []int    `json:"bestHours"`
	Recommendations   []string `json:"recommendations"`
}

// goalProgress is the percentage of goal reached, capped at 100.
func goalProgress(minutes, goal int) int {
	if goal <= 0 {
		return 0
	}
	return min(100, int(math.Round(float64(minutes)*100/float64(goal))))
}

func averageScore(scoreSum, scored int) int {
	if scored == 0 {
		return 0
	}
	return int(math.Round(float64(scoreSum) / float64(scored)))
}

// dailyBreakdown groups hourly totals by day in loc, for each of the days from first to last.
func dailyBreakdown(totals []HourTotal, first, last time.Time, loc *time.Location) []DayStats {
	byDay := make(map[string]*HourTotal)
	for _, h := range totals {
		key := h.Hour.In(loc).Format(time.DateOnly)
		d, found := byDay[key]
		if !found {
			d = &HourTotal{}
			byDay[key] = d
		}
		d.Sessions += h.Sessions
		d.Minutes += h.Minutes
		d.ScoreSum += h.ScoreSum
		d.ScoredSessions += h.ScoredSessions
	}

	var days []DayStats
	for day := startOfDay(first.In(loc)); !day.After(last); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		stats := DayStats{Date: key, Weekday: day.Weekday().String()[:3]}
		if d, found := byDay[key]; found {
			stats.Minutes, stats.Sessions = d.Minutes, d.Sessions
			stats.AvgScore = averageScore(d.ScoreSum, d.ScoredSessions)
		}
		days = append(days, stats)
	}
	return days
}

// bestHours returns up to numBestHours hours of the day (0-23, in loc) with the highest average
// focus score, best first. Ties go to the earliest hour.
func bestHours(totals []HourTotal, loc *time.Location) []int {
	var scoreSum, scored [24]int
	for _, h := range totals {
		hour := h.Hour.In(loc).Hour()
		scoreSum[hour] += h.ScoreSum
		scored[hour] += h.ScoredSessions
	}
	hours := make([]int, 0, 24)
	for hour := range 24 {
		if scored[hour] > 0 {
			hours = append(hours, hour)
		}
	}
	avg := func(hour int) float64 { return float64(scoreSum[hour]) / float64(scored[hour]) }
	slices.SortStableFunc(hours, func(a, b int) int { return cmp.Compare(avg(b), avg(a)) })
	return hours[:min(len(hours), numBestHours)]
}

// recommendations for the user, based on their insights.
func recommendations(in *Insights) []string {
	recs := []string{}
	if len(in.BestHours) > 0 {
		hours := make([]string, len(in.BestHours))
		for i, h := range in.BestHours {
			hours[i] = fmt.Sprintf("%d:00", h)
		}
		recs = append(recs, fmt.Sprintf(
			"Your peak focus hours are around %s. Schedule important tasks then!", strings.Join(hours, ", ")))
	}
	if in.TotalSessions > 0 && in.CompletionRate < 70 {
		recs = append(recs, "Try shorter sessions to improve your completion rate.")
	}
	if in.DistractionRate > 2 {
		recs = append(recs, "Consider using the distraction-blocking features more often.")
	}
	if in.CurrentStreak >= 3 {
		recs = append(recs, fmt.Sprintf("Great job on your %d-day streak! Keep it going!", in.CurrentStreak))
	}
	return recs
}

// Daily returns the progress of userID today towards their daily goal.
func (s *Service) Daily(ctx context.Context, userID string) (*DailyStats, error) {
	stats, err := s.repo.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	from := startOfDay(now)
	totals, err := s.repo.HourlyTotals(ctx, userID, from, from.AddDate(0, 0, 1).Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}
	daily := &DailyStats{
		DailyGoal:         stats.DailyGoalMinutes,
		CurrentStreak:     stats.CurrentStreak,
		AverageFocusScore: stats.AverageFocusScore,
	}
	for _, h := range totals {
		daily.TodayMinutes += h.Minutes
		daily.SessionsToday += h.Sessions
	}
	daily.GoalProgress = goalProgress(daily.TodayMinutes, daily.DailyGoal)
	return daily, nil
}

// Weekly returns the activity of userID in the last 7 days (today included), broken down by day.
func (s *Service) Weekly(ctx context.Context, userID string) (*WeeklyStats, error) {
	stats, err := s.repo.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	from := startOfDay(now).AddDate(0, 0, -6)
	totals, err := s.repo.HourlyTotals(ctx, userID, from, now)
	if err != nil {
		return nil, err
	}
	weekly := &WeeklyStats{
		WeeklyGoal:     stats.WeeklyGoalMinutes,
		DailyBreakdown: dailyBreakdown(totals, from, now, now.Location()),
		BestHours:      bestHours(totals, now.Location()),
		CurrentStreak:  stats.CurrentStreak,
	}
	for _, h := range totals {
		weekly.TotalMinutes += h.Minutes
		weekly.TotalSessions += h.Sessions
	}
	weekly.GoalProgress = goalProgress(weekly.TotalMinutes, weekly.WeeklyGoal)
	return weekly, nil
}

// Insights of userID: completion and distraction rates, best hours over the last 30 days and
// recommendations.
func (s *Service) Insights(ctx context.Context, userID string) (*Insights, error) {
	stats, err := s.repo.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	totals, err := s.repo.HourlyTotals(ctx, userID, now.AddDate(0, 0, -insightsDays), now)
	if err != nil {
		return nil, err
	}
	in := &Insights{
		TotalSessions:     stats.TotalSessions,
		CompletionRate:    stats.CompletionRate(),
		AverageFocusScore: stats.AverageFocusScore,
		CurrentStreak:     stats.CurrentStreak,
		LongestStreak:     stats.LongestStreak,
		BestHours:         bestHours(totals, now.Location()),
	}
	if stats.TotalSessions > 0 {
		in.DistractionRate = math.Round(float64(stats.TotalDistractions)/float64(stats.TotalSessions)*100) / 100
	}
	in.Recommendations = recommendations(in)
	return in, nil
}

// SetGoals updates the daily and weekly goals of userID.
func (s *Service) SetGoals(ctx context.Context, userID string, req GoalsRequest) (*UserStats, error) {
	stats, err := s.repo.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.DailyGoalMinutes > 0 {
		stats.DailyGoalMinutes = req.DailyGoalMinutes
	}
	if req.WeeklyGoalMinutes > 0 {
		stats.WeeklyGoalMinutes = req.WeeklyGoalMinutes
	}
	stats.UpdatedAt = s.now()
	if err = s.repo.SaveStats(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}
