// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package analytics is the typed facade over the connection pool: session
// lifecycle, append-only event recording, and the windowed aggregate reads
// the dashboards poll.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog/log"

	"github.com/funnelsight/funnelsight/internal/database"
	"github.com/funnelsight/funnelsight/internal/models"
)

// Operations translates domain-level record/query calls into parameterized
// statements executed through the pool. Low-level pool and statement errors
// propagate unchanged; only the health/stat aggregation path swallows and
// degrades instead.
type Operations struct {
	pool *database.Pool
}

func NewOperations(pool *database.Pool) *Operations {
	return &Operations{pool: pool}
}

// CreateSession inserts one session row. The start time is the server clock
// (column default). A duplicate session id surfaces as ErrDuplicateSession.
func (o *Operations) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO user_sessions (session_id, user_agent, ip_address, device_info, platform, browser)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		session.UserAgent,
		session.IPAddress,
		session.DeviceInfo,
		session.Platform,
		session.Browser,
	)
	if err != nil {
		if models.IsUniqueConstraintErr(err) {
			return models.ErrDuplicateSession
		}
		return err
	}

	log.Debug().Str("sessionId", session.SessionID).Msg("session created")
	return nil
}

// EndSession stamps end_time with the current server time. Once set the end
// time is immutable: ending an already-ended session is a no-op, while an
// unknown session id returns ErrSessionNotFound.
func (o *Operations) EndSession(ctx context.Context, sessionID string) error {
	res, err := o.pool.Run(ctx,
		`UPDATE user_sessions SET end_time = CURRENT_TIMESTAMP WHERE session_id = ? AND end_time IS NULL`,
		sessionID,
	)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		var exists bool
		err := o.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM user_sessions WHERE session_id = ?)`, sessionID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrSessionNotFound
		}
	}
	return nil
}

// DeleteSession removes a session row. Event rows referencing it are left in
// place; orphaned events are tolerated by design.
func (o *Operations) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := o.pool.Run(ctx, `DELETE FROM user_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// RecordPageView appends one page view row.
func (o *Operations) RecordPageView(ctx context.Context, view *models.PageView) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO page_views (session_id, page_url, time_spent, referrer)
		 VALUES (?, ?, ?, ?)`,
		view.SessionID, view.PageURL, view.TimeSpent, view.Referrer,
	)
	return err
}

// RecordInteraction appends one interaction row. AdditionalData is stored
// as-is; the operation does not re-validate payload shape.
func (o *Operations) RecordInteraction(ctx context.Context, interaction *models.Interaction) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO user_interactions
		 (session_id, interaction_type, element_id, element_class, element_text, page_url, additional_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		interaction.SessionID,
		interaction.InteractionType,
		interaction.ElementID,
		interaction.ElementClass,
		interaction.ElementText,
		interaction.PageURL,
		nullIfEmpty(interaction.AdditionalData),
	)
	return err
}

// RecordFormSubmission appends one form submission row.
func (o *Operations) RecordFormSubmission(ctx context.Context, submission *models.FormSubmission) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO form_submissions (session_id, form_id, form_data, success, error_message)
		 VALUES (?, ?, ?, ?, ?)`,
		submission.SessionID,
		submission.FormID,
		submission.FormData,
		submission.Success,
		nullIfEmpty(submission.ErrorMessage),
	)
	return err
}

// LogError appends one error row.
func (o *Operations) LogError(ctx context.Context, errorLog *models.ErrorLog) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO error_logs (session_id, error_type, error_message, stack_trace, page_url, additional_data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		errorLog.SessionID,
		errorLog.ErrorType,
		errorLog.ErrorMessage,
		nullIfEmpty(errorLog.StackTrace),
		errorLog.PageURL,
		nullIfEmpty(errorLog.AdditionalData),
	)
	return err
}

// RecordPerformanceMetrics appends one navigation-timing row.
func (o *Operations) RecordPerformanceMetrics(ctx context.Context, metric *models.PerformanceMetric) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO performance_metrics
		 (session_id, page_url, load_time, dom_interactive_time, dom_complete_time,
		  first_paint_time, first_contentful_paint_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		metric.SessionID,
		metric.PageURL,
		metric.LoadTime,
		metric.DOMInteractiveTime,
		metric.DOMCompleteTime,
		metric.FirstPaintTime,
		metric.FirstContentfulPaintTime,
	)
	return err
}

// GetSessionData retrieves a single session by id.
func (o *Operations) GetSessionData(ctx context.Context, sessionID string) (*models.Session, error) {
	session := &models.Session{}
	var (
		userAgent, ipAddress, deviceInfo, platform, browser sql.NullString
		endTime                                             sql.NullTime
	)

	err := o.pool.QueryRow(ctx,
		`SELECT session_id, user_agent, ip_address, device_info, platform, browser, start_time, end_time
		 FROM user_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(
		&session.SessionID,
		&userAgent,
		&ipAddress,
		&deviceInfo,
		&platform,
		&browser,
		&session.StartTime,
		&endTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, err
	}

	session.UserAgent = userAgent.String
	session.IPAddress = ipAddress.String
	session.DeviceInfo = deviceInfo.String
	session.Platform = platform.String
	session.Browser = browser.String
	session.EndTime = models.NullTimeToTime(endTime)

	return session, nil
}

// GetSessionInteractions returns all interactions for a session, newest
// first. An empty result is a valid outcome.
func (o *Operations) GetSessionInteractions(ctx context.Context, sessionID string) ([]*models.Interaction, error) {
	query, args, err := sq.Select(
		"interaction_id", "session_id", "interaction_type", "element_id",
		"element_class", "element_text", "page_url", "interaction_time", "additional_data",
	).
		From("user_interactions").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("interaction_time DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var interactions []*models.Interaction
	err = o.pool.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			i := &models.Interaction{}
			var elementID, elementClass, elementText, additionalData sql.NullString
			if err := rows.Scan(
				&i.InteractionID, &i.SessionID, &i.InteractionType,
				&elementID, &elementClass, &elementText,
				&i.PageURL, &i.InteractionTime, &additionalData,
			); err != nil {
				return err
			}
			i.ElementID = elementID.String
			i.ElementClass = elementClass.String
			i.ElementText = elementText.String
			i.AdditionalData = additionalData.String
			interactions = append(interactions, i)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return interactions, nil
}

// GetSessionFormSubmissions returns all form submissions for a session,
// newest first.
func (o *Operations) GetSessionFormSubmissions(ctx context.Context, sessionID string) ([]*models.FormSubmission, error) {
	query, args, err := sq.Select(
		"submission_id", "session_id", "form_id", "submission_time", "form_data", "success", "error_message",
	).
		From("form_submissions").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("submission_time DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var submissions []*models.FormSubmission
	err = o.pool.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			s := &models.FormSubmission{}
			var formData, errorMessage sql.NullString
			if err := rows.Scan(
				&s.SubmissionID, &s.SessionID, &s.FormID, &s.SubmissionTime,
				&formData, &s.Success, &errorMessage,
			); err != nil {
				return err
			}
			s.FormData = formData.String
			s.ErrorMessage = errorMessage.String
			submissions = append(submissions, s)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

// GetSessionErrors returns all logged errors for a session, newest first.
func (o *Operations) GetSessionErrors(ctx context.Context, sessionID string) ([]*models.ErrorLog, error) {
	query, args, err := sq.Select(
		"error_id", "session_id", "error_type", "error_message", "stack_trace",
		"page_url", "error_time", "additional_data",
	).
		From("error_logs").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("error_time DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var errorLogs []*models.ErrorLog
	err = o.pool.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			e := &models.ErrorLog{}
			var stackTrace, pageURL, additionalData sql.NullString
			if err := rows.Scan(
				&e.ErrorID, &e.SessionID, &e.ErrorType, &e.ErrorMessage,
				&stackTrace, &pageURL, &e.ErrorTime, &additionalData,
			); err != nil {
				return err
			}
			e.StackTrace = stackTrace.String
			e.PageURL = pageURL.String
			e.AdditionalData = additionalData.String
			errorLogs = append(errorLogs, e)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return errorLogs, nil
}

// GetSessionPerformanceMetrics returns all timing rows for a session, newest
// first.
func (o *Operations) GetSessionPerformanceMetrics(ctx context.Context, sessionID string) ([]*models.PerformanceMetric, error) {
	query, args, err := sq.Select(
		"metric_id", "session_id", "page_url", "load_time", "dom_interactive_time",
		"dom_complete_time", "first_paint_time", "first_contentful_paint_time", "metric_time",
	).
		From("performance_metrics").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("metric_time DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var metrics []*models.PerformanceMetric
	err = o.pool.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			m := &models.PerformanceMetric{}
			if err := rows.Scan(
				&m.MetricID, &m.SessionID, &m.PageURL, &m.LoadTime,
				&m.DOMInteractiveTime, &m.DOMCompleteTime,
				&m.FirstPaintTime, &m.FirstContentfulPaintTime, &m.MetricTime,
			); err != nil {
				return err
			}
			metrics = append(metrics, m)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// ActiveUsers counts distinct sessions started within the last hour that
// have not ended. Computed at query time against the server clock.
func (o *Operations) ActiveUsers(ctx context.Context) (int64, error) {
	return o.countQuery(ctx, sq.Select("COUNT(DISTINCT session_id)").
		From("user_sessions").
		Where("end_time IS NULL").
		Where("start_time > datetime('now', '-1 hour')"))
}

// TotalSessions counts sessions started within the last 24 hours.
func (o *Operations) TotalSessions(ctx context.Context) (int64, error) {
	return o.countQuery(ctx, sq.Select("COUNT(*)").
		From("user_sessions").
		Where("start_time > datetime('now', '-24 hours')"))
}

// ErrorCount counts errors logged within the last 24 hours.
func (o *Operations) ErrorCount(ctx context.Context) (int64, error) {
	return o.countQuery(ctx, sq.Select("COUNT(*)").
		From("error_logs").
		Where("error_time > datetime('now', '-24 hours')"))
}

func (o *Operations) countQuery(ctx context.Context, builder sq.SelectBuilder) (int64, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := o.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return count, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
