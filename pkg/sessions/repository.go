// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ListFilter selects the sessions returned by Repository.List.
type ListFilter struct {
	// Limit is the maximum number of sessions returned, 0 for no limit.
	Limit  int
	Offset int

	// From and To, if not zero, restrict sessions to those started within [From, To].
	From, To time.Time
}

func (f ListFilter) matches(s *Session) bool {
	if !f.From.IsZero() && s.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.StartTime.After(f.To) {
		return false
	}
	return true
}

// Repository stores sessions and user statistics.
type Repository interface {
	// CreateSession stores a new session. It fails with ErrActiveSessionExists if the session is
	// open and its user already has an open session.
	CreateSession(ctx context.Context, session *Session) error

	// UpdateSession stores the changes of an existing session.
	UpdateSession(ctx context.Context, session *Session) error

	// GetSession returns the session with the given id owned by userID, or ErrNotFound.
	GetSession(ctx context.Context, userID, id string) (*Session, error)

	// ActiveSession returns the active or paused session of userID, or ErrNotFound.
	ActiveSession(ctx context.Context, userID string) (*Session, error)

	// ListSessions returns the sessions of userID matching filter, most recent first, and the
	// total number of sessions matching it ignoring Limit and Offset.
	ListSessions(ctx context.Context, userID string, filter ListFilter) ([]*Session, int, error)

	// HourlyTotals aggregates the sessions of userID started within [from, to], by the hour they
	// started. Hours without sessions are omitted.
	HourlyTotals(ctx context.Context, userID string, from, to time.Time) ([]HourTotal, error)

	// GetStats returns the statistics of userID, or NewUserStats if it has none yet.
	GetStats(ctx context.Context, userID string) (*UserStats, error)

	// SaveStats stores the statistics of a user.
	SaveStats(ctx context.Context, stats *UserStats) error
}

// MemoryRepository is a Repository kept in memory, used when no database is configured and in tests.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*Session
	stats    map[string]*UserStats
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
		stats:    make(map[string]*UserStats),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.Status.Open() {
		for _, s := range r.sessions {
			if s.UserID == session.UserID && s.Status.Open() {
				return ErrActiveSessionExists
			}
		}
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) UpdateSession(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.sessions[session.ID]; !found {
		return ErrNotFound
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, userID, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.sessions[id]
	if !found || s.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *MemoryRepository) ActiveSession(_ context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status.Open() {
			return cloneSession(s), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListSessions(_ context.Context, userID string, filter ListFilter) ([]*Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*Session
	for _, s := range r.sessions {
		if s.UserID == userID && filter.matches(s) {
			matched = append(matched, s)
		}
	}
	slices.SortFunc(matched, func(a, b *Session) int { return b.StartTime.Compare(a.StartTime) })
	total := len(matched)
	matched = matched[min(filter.Offset, total):]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	result := make([]*Session, len(matched))
	for i, s := range matched {
		result[i] = cloneSession(s)
	}
	return result, total, nil
}

func (r *MemoryRepository) HourlyTotals(_ context.Context, userID string, from, to time.Time) ([]HourTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	filter := ListFilter{From: from, To: to}
	byHour := make(map[time.Time]*HourTotal)
	for _, s := range r.sessions {
		if s.UserID != userID || !filter.matches(s) {
			continue
		}
		hour := s.StartTime.UTC().Truncate(time.Hour)
		h, found := byHour[hour]
		if !found {
			h = &HourTotal{Hour: hour}
			byHour[hour] = h
		}
		h.Sessions++
		h.Minutes += s.ActualDuration
		if s.FocusScore != nil && *s.FocusScore > 0 {
			h.ScoreSum += *s.FocusScore
			h.ScoredSessions++
		}
	}
	totals := make([]HourTotal, 0, len(byHour))
	for _, h := range byHour {
		totals = append(totals, *h)
	}
	slices.SortFunc(totals, func(a, b HourTotal) int { return a.Hour.Compare(b.Hour) })
	return totals, nil
}

func (r *MemoryRepository) GetStats(_ context.Context, userID string) (*UserStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.stats[userID]
	if !found {
		return NewUserStats(userID), nil
	}
	c := *s
	c.Milestones = slices.Clone(s.Milestones)
	return &c, nil
}

func (r *MemoryRepository) SaveStats(_ context.Context, stats *UserStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *stats
	c.Milestones = slices.Clone(stats.Milestones)
	r.stats[stats.UserID] = &c
	return nil
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Breaks = slices.Clone(s.Breaks)
	c.Distractions = slices.Clone(s.Distractions)
	c.Accomplishments = slices.Clone(s.Accomplishments)
	c.Tags = slices.Clone(s.Tags)
	return &c
}
