// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed schema.sql
var schema string

const (
	// openSessionIndex is the unique index allowing one open session per user, see schema.sql.
	openSessionIndex = "focus_sessions_one_open_idx"

	pqUniqueViolation = pq.ErrorCode("23505")
)

// isOpenSessionConflict returns whether err is the violation of openSessionIndex.
func isOpenSessionConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == openSessionIndex
}

// PostgresRepository stores sessions in PostgreSQL.
type PostgresRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

var _ Repository = (*PostgresRepository)(nil)

// OpenPostgres connects to the database at dataSourceName (a "postgres://" URL or a
// key=value connection string) and applies the schema.
func OpenPostgres(ctx context.Context, dataSourceName string, logger *logrus.Logger) (*PostgresRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to the sessions database")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	r := NewPostgresRepository(db, logger)
	if err = r.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func NewPostgresRepository(db *sqlx.DB, logger *logrus.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, log: logger}
}

// Migrate creates the tables and indexes, if they don't exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply the sessions schema")
	}
	return nil
}

// Close the database connections.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type sessionRow struct {
	ID               string        `db:"id"`
	UserID           string        `db:"user_id"`
	StartTime        time.Time     `db:"start_time"`
	EndTime          sql.NullTime  `db:"end_time"`
	PlannedDuration  int           `db:"planned_duration"`
	ActualDuration   int           `db:"actual_duration"`
	SessionType      string        `db:"session_type"`
	FocusMode        string        `db:"focus_mode"`
	Status           string        `db:"status"`
	Completed        bool          `db:"completed"`
	Breaks           string        `db:"breaks"`
	Distractions     string        `db:"distractions"`
	TotalBreakTime   int           `db:"total_break_time"`
	PreSessionGoal   string        `db:"pre_session_goal"`
	PostSessionNotes string        `db:"post_session_notes"`
	Accomplishments  string        `db:"accomplishments"`
	UserRating       sql.NullInt64 `db:"user_rating"`
	Tags             string        `db:"tags"`
	FocusScore       sql.NullInt64 `db:"focus_score"`
	XPEarned         int           `db:"xp_earned"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

func newSessionRow(s *Session) (*sessionRow, error) {
	row := &sessionRow{
		ID:               s.ID,
		UserID:           s.UserID,
		StartTime:        s.StartTime,
		PlannedDuration:  s.PlannedDuration,
		ActualDuration:   s.ActualDuration,
		SessionType:      string(s.SessionType),
		FocusMode:        string(s.FocusMode),
		Status:           string(s.Status),
		Completed:        s.Completed,
		TotalBreakTime:   s.TotalBreakTime,
		PreSessionGoal:   s.PreSessionGoal,
		PostSessionNotes: s.PostSessionNotes,
		XPEarned:         s.XPEarned,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.EndTime != nil {
		row.EndTime = sql.NullTime{Time: *s.EndTime, Valid: true}
	}
	if s.Rating != nil {
		row.UserRating = sql.NullInt64{Int64: int64(*s.Rating), Valid: true}
	}
	if s.FocusScore != nil {
		row.FocusScore = sql.NullInt64{Int64: int64(*s.FocusScore), Valid: true}
	}
	var err error
	for _, field := range []struct {
		value any
		to    *string
	}{
		{s.Breaks, &row.Breaks},
		{s.Distractions, &row.Distractions},
		{s.Accomplishments, &row.Accomplishments},
		{s.Tags, &row.Tags},
	} {
		if *field.to, err = marshalList(field.value); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (row *sessionRow) session() (*Session, error) {
	s := &Session{
		ID:               row.ID,
		UserID:           row.UserID,
		StartTime:        row.StartTime,
		PlannedDuration:  row.PlannedDuration,
		ActualDuration:   row.ActualDuration,
		SessionType:      SessionType(row.SessionType),
		FocusMode:        FocusMode(row.FocusMode),
		Status:           Status(row.Status),
		Completed:        row.Completed,
		TotalBreakTime:   row.TotalBreakTime,
		PreSessionGoal:   row.PreSessionGoal,
		PostSessionNotes: row.PostSessionNotes,
		XPEarned:         row.XPEarned,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.EndTime.Valid {
		s.EndTime = &row.EndTime.Time
	}
	if row.UserRating.Valid {
		rating := int(row.UserRating.Int64)
		s.Rating = &rating
	}
	if row.FocusScore.Valid {
		score := int(row.FocusScore.Int64)
		s.FocusScore = &score
	}
	for _, field := range []struct {
		from string
		to   any
	}{
		{row.Breaks, &s.Breaks},
		{row.Distractions, &s.Distractions},
		{row.Accomplishments, &s.Accomplishments},
		{row.Tags, &s.Tags},
	} {
		if err := json.Unmarshal([]byte(field.from), field.to); err != nil {
			return nil, errors.Wrapf(err, "invalid JSON column in session %s", row.ID)
		}
	}
	return s, nil
}

// marshalList encodes a slice as a JSON array, with nil slices encoded as "[]".
func marshalList(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode session column")
	}
	if string(encoded) == "null" {
		return "[]", nil
	}
	return string(encoded), nil
}

func (r *PostgresRepository) exec(ctx context.Context, operation, query string, arg any) (sql.Result, error) {
	named, args, err := sqlx.Named(query, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build query for %s", operation)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(named), args...)
	if err != nil {
		r.log.WithFields(log.Fields{
			log.RequestIDKey: log.RequestID(ctx),
			"operation":      operation,
			"error":          err.Error(),
		}).Error("Database error")
		return nil, errors.Wrapf(err, "failed to %s", operation)
	}
	return result, nil
}

func (r *PostgresRepository) selectSessions(ctx context.Context, operation, query string, arg any) ([]*Session, error) {
	named, args, err := sqlx.Named(query, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build query for %s", operation)
	}
	var rows []sessionRow
	if err = r.db.SelectContext(ctx, &rows, r.db.Rebind(named), args...); err != nil {
		r.log.WithFields(log.Fields{
			log.RequestIDKey: log.RequestID(ctx),
			"operation":      operation,
			"error":          err.Error(),
		}).Error("Database error")
		return nil, errors.Wrapf(err, "failed to %s", operation)
	}
	sessions := make([]*Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].session()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, session *Session) error {
	row, err := newSessionRow(session)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, "create session", queryCreateSession, row)
	if isOpenSessionConflict(err) {
		return ErrActiveSessionExists
	}
	return err
}

func (r *PostgresRepository) UpdateSession(ctx context.Context, session *Session) error {
	row, err := newSessionRow(session)
	if err != nil {
		return err
	}
	result, err := r.exec(ctx, "update session", queryUpdateSession, row)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, userID, id string) (*Session, error) {
	sessions, err := r.selectSessions(ctx, "get session", queryGetSession, map[string]any{
		"id":      id,
		"user_id": userID,
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

func (r *PostgresRepository) ActiveSession(ctx context.Context, userID string) (*Session, error) {
	sessions, err := r.selectSessions(ctx, "get active session", queryActiveSession, map[string]any{
		"user_id": userID,
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, userID string, filter ListFilter) ([]*Session, int, error) {
	argsKV := map[string]any{
		"user_id": userID,
		"from":    sql.NullTime{Time: filter.From, Valid: !filter.From.IsZero()},
		"to":      sql.NullTime{Time: filter.To, Valid: !filter.To.IsZero()},
		"limit":   sql.NullInt64{Int64: int64(filter.Limit), Valid: filter.Limit > 0},
		"offset":  filter.Offset,
	}
	sessions, err := r.selectSessions(ctx, "list sessions", queryListSessions, argsKV)
	if err != nil {
		return nil, 0, err
	}

	named, args, err := sqlx.Named(queryCountSessions, argsKV)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to build query to count sessions")
	}
	var total int
	if err = r.db.GetContext(ctx, &total, r.db.Rebind(named), args...); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count sessions")
	}
	return sessions, total, nil
}

func (r *PostgresRepository) HourlyTotals(ctx context.Context, userID string, from, to time.Time) ([]HourTotal, error) {
	named, args, err := sqlx.Named(queryHourlyTotals, map[string]any{"user_id": userID, "from": from, "to": to})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query for hourly totals")
	}
	var totals []HourTotal
	if err = r.db.SelectContext(ctx, &totals, r.db.Rebind(named), args...); err != nil {
		return nil, errors.Wrapf(err, "failed to get hourly totals of user %s", userID)
	}
	return totals, nil
}

type statsRow struct {
	UserID            string       `db:"user_id"`
	TotalSessions     int          `db:"total_sessions"`
	CompletedSessions int          `db:"completed_sessions"`
	AbandonedSessions int          `db:"abandoned_sessions"`
	TotalFocusMinutes int          `db:"total_focus_minutes"`
	TotalDistractions int          `db:"total_distractions"`
	LongestSession    int          `db:"longest_session"`
	TotalXP           int          `db:"total_xp"`
	Level             int          `db:"level"`
	CurrentStreak     int          `db:"current_streak"`
	LongestStreak     int          `db:"longest_streak"`
	LastActiveDate    sql.NullTime `db:"last_active_date"`
	BestFocusScore    int          `db:"best_focus_score"`
	AverageFocusScore int          `db:"average_focus_score"`
	Milestones        string       `db:"milestones"`
	DailyGoalMinutes  int          `db:"daily_goal_minutes"`
	WeeklyGoalMinutes int          `db:"weekly_goal_minutes"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

func (r *PostgresRepository) GetStats(ctx context.Context, userID string) (*UserStats, error) {
	named, args, err := sqlx.Named(queryGetStats, map[string]any{"user_id": userID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query to get stats")
	}
	var row statsRow
	err = r.db.GetContext(ctx, &row, r.db.Rebind(named), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return NewUserStats(userID), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get stats of user %s", userID)
	}
	stats := &UserStats{
		UserID:            row.UserID,
		TotalSessions:     row.TotalSessions,
		CompletedSessions: row.CompletedSessions,
		AbandonedSessions: row.AbandonedSessions,
		TotalFocusMinutes: row.TotalFocusMinutes,
		TotalDistractions: row.TotalDistractions,
		LongestSession:    row.LongestSession,
		TotalXP:           row.TotalXP,
		Level:             row.Level,
		CurrentStreak:     row.CurrentStreak,
		LongestStreak:     row.LongestStreak,
		BestFocusScore:    row.BestFocusScore,
		AverageFocusScore: row.AverageFocusScore,
		DailyGoalMinutes:  row.DailyGoalMinutes,
		WeeklyGoalMinutes: row.WeeklyGoalMinutes,
		UpdatedAt:         row.UpdatedAt,
	}
	if row.LastActiveDate.Valid {
		stats.LastActiveDate = &row.LastActiveDate.Time
	}
	if err = json.Unmarshal([]byte(row.Milestones), &stats.Milestones); err != nil {
		return nil, errors.Wrapf(err, "invalid milestones of user %s", userID)
	}
	return stats, nil
}

func (r *PostgresRepository) SaveStats(ctx context.Context, stats *UserStats) error {
	milestones, err := marshalList(stats.Milestones)
	if err != nil {
		return err
	}
	row := &statsRow{
		UserID:            stats.UserID,
		TotalSessions:     stats.TotalSessions,
		CompletedSessions: stats.CompletedSessions,
		AbandonedSessions: stats.AbandonedSessions,
		TotalFocusMinutes: stats.TotalFocusMinutes,
		TotalDistractions: stats.TotalDistractions,
		LongestSession:    stats.LongestSession,
		TotalXP:           stats.TotalXP,
		Level:             stats.Level,
		CurrentStreak:     stats.CurrentStreak,
		LongestStreak:     stats.LongestStreak,
		BestFocusScore:    stats.BestFocusScore,
		AverageFocusScore: stats.AverageFocusScore,
		Milestones:        milestones,
		DailyGoalMinutes:  stats.DailyGoalMinutes,
		WeeklyGoalMinutes: stats.WeeklyGoalMinutes,
		UpdatedAt:         stats.UpdatedAt,
	}
	if stats.LastActiveDate != nil {
		row.LastActiveDate = sql.NullTime{Time: *stats.LastActiveDate, Valid: true}
	}
	_, err = r.exec(ctx, "save stats", querySaveStats, row)
	return err
}
