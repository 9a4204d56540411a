// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFocusScore(t *testing.T) {
	// Full session, no distractions: the bonus is capped at 100.
	assert.Equal(t, 100, FocusScore(25, 25, 0, 0, true))

	// 40% short (-12), 2 distractions (-10), 33% of breaks (-7).
	assert.Equal(t, 71, FocusScore(15, 25, 2, 5, false))

	// Distractions cost at most 25.
	assert.Equal(t, 85, FocusScore(25, 25, 10, 0, true))

	// Not started.
	assert.Equal(t, 70, FocusScore(0, 25, 0, 0, false))
	assert.Equal(t, 0, FocusScore(0, 25, 0, 3, false))

	// Completed but shorter than planned gets no bonus.
	assert.Equal(t, 94, FocusScore(20, 25, 0, 0, true))
}

func TestXPAndLevel(t *testing.T) {
	assert.Equal(t, 100, XP(25, true, 100))
	assert.Equal(t, 40, XP(15, false, 71))
	assert.Equal(t, 25, XP(0, false, 80))

	assert.Equal(t, 1, Level(0))
	assert.Equal(t, 1, Level(99))
	assert.Equal(t, 2, Level(100))
	assert.Equal(t, 2, Level(399))
	assert.Equal(t, 3, Level(400))
}

func endedSession(score, minutes, xp int) *Session {
	return &Session{Status: StatusCompleted, Completed: true, ActualDuration: minutes, FocusScore: &score, XPEarned: xp}
}

func TestUserStatsUpdate(t *testing.T) {
	day := func(d, hour int) time.Time { return time.Date(2025, 3, d, hour, 0, 0, 0, time.UTC) }
	stats := NewUserStats("u1")
	stats.Update(endedSession(80, 30, 90), day(10, 9))
	assert.Equal(t, 1, stats.CurrentStreak)
	assert.Equal(t, 80, stats.AverageFocusScore)

	stats.Update(endedSession(60, 20, 60), day(10, 22))
	assert.Equal(t, 1, stats.CurrentStreak, "same day")
	assert.Equal(t, 70, stats.AverageFocusScore)

	stats.Update(endedSession(90, 45, 120), day(11, 8))
	assert.Equal(t, 2, stats.CurrentStreak)

	stats.Update(&Session{Status: StatusAbandoned, ActualDuration: 5, XPEarned: 20}, day(14, 8))
	assert.Equal(t, 1, stats.CurrentStreak, "streak broken")
	assert.Equal(t, 2, stats.LongestStreak)

	assert.Equal(t, 4, stats.TotalSessions)
	assert.Equal(t, 3, stats.CompletedSessions)
	assert.Equal(t, 1, stats.AbandonedSessions)
	assert.Equal(t, 100, stats.TotalFocusMinutes)
	assert.Equal(t, 45, stats.LongestSession)
	assert.Equal(t, 90, stats.BestFocusScore)
	assert.Equal(t, 290, stats.TotalXP)
	assert.Equal(t, 2, stats.Level)
	assert.Equal(t, 75, stats.CompletionRate())

	var milestones []string
	for _, m := range stats.Milestones {
		milestones = append(milestones, m.Type)
	}
	assert.Equal(t, []string{"first_session", "one_hour_total"}, milestones)
}

// clock is a settable time source.
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(minutes int) {
	c.now = c.now.Add(time.Duration(minutes) * time.Minute)
}

func newTestService(repo Repository) (*Service, *clock) {
	c := &clock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	s := NewService(repo)
	s.now = c.Now
	return s, c
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	service, clock := newTestService(NewMemoryRepository())

	session, err := service.Start(ctx, "u1", StartRequest{PreSessionGoal: "Chapter 3"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPlannedDuration, session.PlannedDuration)
	assert.Equal(t, SessionStandard, session.SessionType)
	assert.Equal(t, ModeDefault, session.FocusMode)
	assert.Equal(t, StatusActive, session.Status)

	_, err = service.Start(ctx, "u1", StartRequest{})
	assert.ErrorIs(t, err, ErrActiveSessionExists)

	clock.Advance(5)
	session, err = service.Pause(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, session.Status)
	_, err = service.Pause(ctx, "u1", session.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	clock.Advance(3)
	session, err = service.Resume(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, session.Status)
	assert.Equal(t, 3, session.TotalBreakTime)

	clock.Advance(2)
	session, err = service.LogDistraction(ctx, "u1", session.ID, DistractionRequest{})
	require.NoError(t, err)
	require.Len(t, session.Distractions, 1)
	assert.Equal(t, DefaultDistractionConfidence, session.Distractions[0].Confidence)
	assert.Equal(t, ActionDismissed, session.Distractions[0].Action)

	session, err = service.RecordDistraction(ctx, "u1", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 2, session.TotalDistractions())

	// Other users can't see it.
	_, err = service.Pause(ctx, "u2", session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = service.RecordDistraction(ctx, "u2", 0.9)
	assert.ErrorIs(t, err, ErrNotFound)

	clock.Advance(20)
	rating := 4
	session, err = service.End(ctx, "u1", session.ID, EndRequest{Completed: true, Rating: &rating, Accomplishments: []string{"read"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status)
	assert.Equal(t, 30, session.ActualDuration)
	require.NotNil(t, session.FocusScore)
	assert.Equal(t, 100, *session.FocusScore) // -10 for distractions, +10 for completing it.
	assert.Equal(t, 110, session.XPEarned)

	_, err = service.End(ctx, "u1", session.ID, EndRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = service.Resume(ctx, "u1", session.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	active, err := service.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active)

	stats, err := service.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 110, stats.TotalXP)
	assert.Equal(t, 2, stats.Level)
	assert.Equal(t, 1, stats.CurrentStreak)

	today, err := service.Today(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, today.Sessions, 1)
	assert.Equal(t, 30, today.TotalFocusMinutes)
	assert.Equal(t, 1, today.CompletedSessions)
	assert.Equal(t, 110, today.TotalXP)
	assert.Equal(t, 100, today.AverageFocusScore)

	// A new session can be started now.
	_, err = service.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
}

func TestServiceBreaks(t *testing.T) {
	ctx := context.Background()
	service, clock := newTestService(NewMemoryRepository())
	session, err := service.Start(ctx, "u1", StartRequest{PlannedDuration: 50})
	require.NoError(t, err)

	clock.Advance(10)
	session, err = service.Break(ctx, "u1", session.ID, BreakRequest{Duration: 5, Activity: ActivityStretch})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, session.Status)
	assert.Equal(t, 5, session.TotalBreakTime)
	assert.Equal(t, BreakScheduled, session.Breaks[0].Type)

	clock.Advance(10)
	session, err = service.Break(ctx, "u1", session.ID, BreakRequest{Activity: ActivityGame})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, session.Status)

	clock.Advance(4)
	session, err = service.Resume(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, session.TotalBreakTime)

	// Abandoning a session ends any running break.
	_, err = service.Break(ctx, "u1", session.ID, BreakRequest{})
	require.NoError(t, err)
	clock.Advance(6)
	session, err = service.End(ctx, "u1", session.ID, EndRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, session.Status)
	assert.Equal(t, 15, session.TotalBreakTime)
	assert.Equal(t, 30, session.ActualDuration)
	// 40% short (-12), 50% of breaks (-15).
	assert.Equal(t, 73, *session.FocusScore)
	assert.Equal(t, 70, session.XPEarned)
}

func TestServiceList(t *testing.T) {
	ctx := context.Background()
	service, clock := newTestService(NewMemoryRepository())
	var ids []string
	for range 5 {
		session, err := service.Start(ctx, "u1", StartRequest{})
		require.NoError(t, err)
		clock.Advance(25)
		_, err = service.End(ctx, "u1", session.ID, EndRequest{Completed: true})
		require.NoError(t, err)
		ids = append(ids, session.ID)
		clock.Advance(24 * 60)
	}

	sessions, total, err := service.List(ctx, "u1", ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[3], sessions[0].ID)
	assert.Equal(t, ids[2], sessions[1].ID)

	from := time.Date(2025, 3, 11, 0, 0, 0, 0, time.Local)
	to := time.Date(2025, 3, 12, 23, 59, 0, 0, time.Local)
	sessions, total, err = service.List(ctx, "u1", ListFilter{From: from, To: to, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, sessions, 2)

	stats, err := service.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.CurrentStreak)
	assert.Equal(t, 125, stats.TotalFocusMinutes)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	hits    int
	fail    bool
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, false, errors.New("cache down")
	}
	value, found := c.entries[key]
	if found {
		c.hits++
	}
	return value, found, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestCachedRepository(t *testing.T) {
	ctx := context.Background()
	cache := &fakeCache{entries: make(map[string][]byte)}
	repo := NewCachedRepository(NewMemoryRepository(), cache, 0)
	service, clock := newTestService(repo)

	session, err := service.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)

	active, err := repo.ActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID)
	assert.Equal(t, 0, cache.hits)
	assert.Contains(t, cache.entries, activeSessionKey("u1"))

	active, err = repo.ActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)
	assert.Equal(t, 1, cache.hits)

	// Writes invalidate the cached session.
	clock.Advance(1)
	_, err = service.Pause(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, activeSessionKey("u1"))
	active, err = repo.ActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, active.Status)

	// Cache failures fall back to the repository.
	cache.fail = true
	active, err = repo.ActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID)

	_, err = repo.ActiveSession(ctx, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRow(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	breakEnd := start.Add(13 * time.Minute)
	score, rating := 88, 5
	session := &Session{
		ID:              "s1",
		UserID:          "u1",
		StartTime:       start,
		EndTime:         &end,
		PlannedDuration: 25,
		ActualDuration:  30,
		SessionType:     SessionDeepWork,
		FocusMode:       ModeZen,
		Status:          StatusCompleted,
		Completed:       true,
		Breaks:          []Break{{StartTime: start.Add(10 * time.Minute), EndTime: &breakEnd, Duration: 3, Type: BreakManual, Activity: ActivityWalk}},
		Distractions:    []Distraction{{Timestamp: start.Add(20 * time.Minute), Confidence: 0.8, Action: ActionIgnored}},
		TotalBreakTime:  3,
		Accomplishments: []string{"draft"},
		Rating:          &rating,
		Tags:            []string{},
		FocusScore:      &score,
		XPEarned:        110,
		CreatedAt:       start,
		UpdatedAt:       end,
	}
	row, err := newSessionRow(session)
	require.NoError(t, err)
	assert.Equal(t, "[]", row.Tags)
	assert.True(t, row.EndTime.Valid)
	assert.Equal(t, int64(88), row.FocusScore.Int64)

	decoded, err := row.session()
	require.NoError(t, err)
	assert.Equal(t, session, decoded)

	row.Breaks = "not json"
	_, err = row.session()
	assert.Error(t, err)
}

func TestConcurrentStart(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(NewMemoryRepository())
	const numStarts = 10
	errs := make([]error, numStarts)
	var wg sync.WaitGroup
	for i := range numStarts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = service.Start(ctx, "u1", StartRequest{})
		}()
	}
	wg.Wait()

	var started int
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrActiveSessionExists)
	}
	assert.Equal(t, 1, started)
}

func TestIsOpenSessionConflict(t *testing.T) {
	conflict := &pq.Error{Code: "23505", Constraint: openSessionIndex}
	assert.True(t, isOpenSessionConflict(conflict))
	assert.True(t, isOpenSessionConflict(errors.Wrap(conflict, "failed to create session")))
	assert.False(t, isOpenSessionConflict(&pq.Error{Code: "23505", Constraint: "focus_sessions_pkey"}))
	assert.False(t, isOpenSessionConflict(&pq.Error{Code: "23503", Constraint: openSessionIndex}))
	assert.False(t, isOpenSessionConflict(errors.New("connection refused")))
	assert.False(t, isOpenSessionConflict(nil))
}

// runSession starts a session, lets it run for minutes and ends it.
func runSession(t *testing.T, service *Service, c *clock, minutes int, completed bool) {
	ctx := context.Background()
	session, err := service.Start(ctx, "u1", StartRequest{})
	require.NoError(t, err)
	c.Advance(minutes)
	_, err = service.End(ctx, "u1", session.ID, EndRequest{Completed: completed})
	require.NoError(t, err)
}

func TestServiceAggregates(t *testing.T) {
	ctx := context.Background()
	service, c := newTestService(NewMemoryRepository())

	runSession(t, service, c, 25, true) // 03-10 09:00, score 100.
	c.Advance(275)
	runSession(t, service, c, 10, false) // 03-10 14:00, score 82.
	c.Advance(24*60 - 310)
	runSession(t, service, c, 25, true) // 03-11 09:00, score 100.

	daily, err := service.Daily(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &DailyStats{
		TodayMinutes:      25,
		DailyGoal:         DefaultDailyGoal,
		GoalProgress:      42,
		SessionsToday:     1,
		CurrentStreak:     2,
		AverageFocusScore: 94,
	}, daily)

	weekly, err := service.Weekly(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, weekly.TotalMinutes)
	assert.Equal(t, 3, weekly.TotalSessions)
	assert.Equal(t, DefaultWeeklyGoal, weekly.WeeklyGoal)
	assert.Equal(t, 20, weekly.GoalProgress)
	assert.Equal(t, []int{9, 14}, weekly.BestHours)
	require.Len(t, weekly.DailyBreakdown, 7)
	assert.Equal(t, DayStats{Date: "2025-03-05", Weekday: "Wed"}, weekly.DailyBreakdown[0])
	assert.Equal(t, DayStats{Date: "2025-03-10", Weekday: "Mon", Minutes: 35, Sessions: 2, AvgScore: 91},
		weekly.DailyBreakdown[5])
	assert.Equal(t, DayStats{Date: "2025-03-11", Weekday: "Tue", Minutes: 25, Sessions: 1, AvgScore: 100},
		weekly.DailyBreakdown[6])

	insights, err := service.Insights(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, insights.TotalSessions)
	assert.Equal(t, 67, insights.CompletionRate)
	assert.Equal(t, 0.0, insights.DistractionRate)
	assert.Equal(t, []int{9, 14}, insights.BestHours)
	require.Len(t, insights.Recommendations, 2)
	assert.Contains(t, insights.Recommendations[0], "9:00, 14:00")
	assert.Contains(t, insights.Recommendations[1], "shorter sessions")

	stats, err := service.SetGoals(ctx, "u1", GoalsRequest{DailyGoalMinutes: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, stats.DailyGoalMinutes)
	assert.Equal(t, DefaultWeeklyGoal, stats.WeeklyGoalMinutes)
	daily, err = service.Daily(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 83, daily.GoalProgress)

	// Goal progress is capped.
	runSession(t, service, c, 40, true)
	daily, err = service.Daily(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, daily.GoalProgress)
}

func TestRecommendations(t *testing.T) {
	assert.Empty(t, recommendations(&Insights{}))
	recs := recommendations(&Insights{TotalSessions: 4, CompletionRate: 100, DistractionRate: 2.5, CurrentStreak: 5})
	assert.Equal(t, []string{
		"Consider using the distraction-blocking features more often.",
		"Great job on your 5-day streak! Keep it going!",
	}, recs)
}
