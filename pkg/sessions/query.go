// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

const sessionColumns = `
		id,
		user_id,
		start_time,
		end_time,
		planned_duration,
		actual_duration,
		session_type,
		focus_mode,
		status,
		completed,
		breaks,
		distractions,
		total_break_time,
		pre_session_goal,
		post_session_notes,
		accomplishments,
		user_rating,
		tags,
		focus_score,
		xp_earned,
		created_at,
		updated_at`

const (
	queryCreateSession = `
		INSERT INTO focus_sessions (` + sessionColumns + `
		) VALUES (
			:id,
			:user_id,
			:start_time,
			:end_time,
			:planned_duration,
			:actual_duration,
			:session_type,
			:focus_mode,
			:status,
			:completed,
			CAST(:breaks AS JSONB),
			CAST(:distractions AS JSONB),
			:total_break_time,
			:pre_session_goal,
			:post_session_notes,
			CAST(:accomplishments AS JSONB),
			:user_rating,
			CAST(:tags AS JSONB),
			:focus_score,
			:xp_earned,
			:created_at,
			:updated_at
		)
	`

	queryUpdateSession = `
		UPDATE focus_sessions SET
			end_time = :end_time,
			planned_duration = :planned_duration,
			actual_duration = :actual_duration,
			status = :status,
			completed = :completed,
			breaks = CAST(:breaks AS JSONB),
			distractions = CAST(:distractions AS JSONB),
			total_break_time = :total_break_time,
			post_session_notes = :post_session_notes,
			accomplishments = CAST(:accomplishments AS JSONB),
			user_rating = :user_rating,
			tags = CAST(:tags AS JSONB),
			focus_score = :focus_score,
			xp_earned = :xp_earned,
			updated_at = :updated_at
		WHERE id = :id AND user_id = :user_id
	`

	queryGetSession = `
		SELECT` + sessionColumns + `
		FROM focus_sessions
		WHERE id = :id AND user_id = :user_id
	`

	queryActiveSession = `
		SELECT` + sessionColumns + `
		FROM focus_sessions
		WHERE user_id = :user_id AND status IN ('active', 'paused')
		ORDER BY start_time DESC
		LIMIT 1
	`

	// A NULL :from or :to leaves that end of the date range open.
	queryListSessions = `
		SELECT` + sessionColumns + `
		FROM focus_sessions
		WHERE
			user_id = :user_id
			AND (CAST(:from AS TIMESTAMPTZ) IS NULL OR start_time >= :from)
			AND (CAST(:to AS TIMESTAMPTZ) IS NULL OR start_time <= :to)
		ORDER BY start_time DESC
		LIMIT :limit OFFSET :offset
	`

	queryCountSessions = `
		SELECT COUNT(*)
		FROM focus_sessions
		WHERE
			user_id = :user_id
			AND (CAST(:from AS TIMESTAMPTZ) IS NULL OR start_time >= :from)
			AND (CAST(:to AS TIMESTAMPTZ) IS NULL OR start_time <= :to)
	`

	// Sessions without a focus score, or a zero one, are not counted in scored_sessions.
	queryHourlyTotals = `
		SELECT
			date_trunc('hour', start_time) AS hour,
			COUNT(*) AS sessions,
			COALESCE(SUM(actual_duration), 0) AS minutes,
			COALESCE(SUM(NULLIF(focus_score, 0)), 0) AS score_sum,
			COUNT(NULLIF(focus_score, 0)) AS scored_sessions
		FROM focus_sessions
		WHERE
			user_id = :user_id
			AND start_time >= :from
			AND start_time <= :to
		GROUP BY 1
		ORDER BY 1
	`

	queryGetStats = `
		SELECT
			user_id,
			total_sessions,
			completed_sessions,
			abandoned_sessions,
			total_focus_minutes,
			total_distractions,
			longest_session,
			total_xp,
			level,
			current_streak,
			longest_streak,
			last_active_date,
			best_focus_score,
			average_focus_score,
			milestones,
			daily_goal_minutes,
			weekly_goal_minutes,
			updated_at
		FROM user_focus_stats
		WHERE user_id = :user_id
	`

	querySaveStats = `
		INSERT INTO user_focus_stats (
			user_id,
			total_sessions,
			completed_sessions,
			abandoned_sessions,
			total_focus_minutes,
			total_distractions,
			longest_session,
			total_xp,
			level,
			current_streak,
			longest_streak,
			last_active_date,
			best_focus_score,
			average_focus_score,
			milestones,
			daily_goal_minutes,
			weekly_goal_minutes,
			updated_at
		) VALUES (
			:user_id,
			:total_sessions,
			:completed_sessions,
			:abandoned_sessions,
			:total_focus_minutes,
			:total_distractions,
			:longest_session,
			:total_xp,
			:level,
			:current_streak,
			:longest_streak,
			:last_active_date,
			:best_focus_score,
			:average_focus_score,
			CAST(:milestones AS JSONB),
			:daily_goal_minutes,
			:weekly_goal_minutes,
			:updated_at
		)
		ON CONFLICT (user_id) DO UPDATE SET
			total_sessions = EXCLUDED.total_sessions,
			completed_sessions = EXCLUDED.completed_sessions,
			abandoned_sessions = EXCLUDED.abandoned_sessions,
			total_focus_minutes = EXCLUDED.total_focus_minutes,
			total_distractions = EXCLUDED.total_distractions,
			longest_session = EXCLUDED.longest_session,
			total_xp = EXCLUDED.total_xp,
			level = EXCLUDED.level,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			last_active_date = EXCLUDED.last_active_date,
			best_focus_score = EXCLUDED.best_focus_score,
			average_focus_score = EXCLUDED.average_focus_score,
			milestones = EXCLUDED.milestones,
			daily_goal_minutes = EXCLUDED.daily_goal_minutes,
			weekly_goal_minutes = EXCLUDED.weekly_goal_minutes,
			updated_at = EXCLUDED.updated_at
	`
)
