// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package analytics

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/funnelsight/funnelsight/internal/models"
)

// A/B persistence. The manager in the abtest package owns the in-memory
// registry and caches; these methods are its durable log.

// InsertABTest persists a test definition. Variants, weights and goals are
// stored JSON-encoded.
func (o *Operations) InsertABTest(ctx context.Context, test *models.ABTest) error {
	variants, err := models.EncodeStringSliceJSON(test.Variants)
	if err != nil {
		return err
	}
	weights, err := models.EncodeFloatSliceJSON(test.Weights)
	if err != nil {
		return err
	}
	goals, err := models.EncodeStringSliceJSON(test.Goals)
	if err != nil {
		return err
	}

	_, err = o.pool.Run(ctx,
		`INSERT INTO ab_tests (test_id, name, description, variants, weights, goals, start_date, end_date, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		test.TestID,
		test.Name,
		test.Description,
		variants,
		weights,
		goals,
		nullTime(test.StartDate),
		nullTime(test.EndDate),
		test.Status,
	)
	if err != nil {
		if models.IsUniqueConstraintErr(err) {
			return models.ErrDuplicateTest
		}
		return err
	}
	return nil
}

// GetABTest reads one persisted test definition, or ErrTestNotFound.
func (o *Operations) GetABTest(ctx context.Context, testID string) (*models.ABTest, error) {
	test := &models.ABTest{}
	var description sql.NullString
	var variants, weights, goals string
	var startDate, endDate sql.NullTime

	err := o.pool.QueryRow(ctx,
		`SELECT test_id, name, description, variants, weights, goals, start_date, end_date, status, created_at
		 FROM ab_tests WHERE test_id = ?`,
		testID,
	).Scan(
		&test.TestID,
		&test.Name,
		&description,
		&variants,
		&weights,
		&goals,
		&startDate,
		&endDate,
		&test.Status,
		&test.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTestNotFound
		}
		return nil, err
	}

	test.Description = description.String
	if test.Variants, err = models.DecodeStringSliceJSON(variants); err != nil {
		return nil, err
	}
	if test.Weights, err = models.DecodeFloatSliceJSON(weights); err != nil {
		return nil, err
	}
	if test.Goals, err = models.DecodeStringSliceJSON(goals); err != nil {
		return nil, err
	}
	if startDate.Valid {
		test.StartDate = startDate.Time
	}
	if endDate.Valid {
		test.EndDate = endDate.Time
	}
	return test, nil
}

// InsertABAssignment appends one assignment row. The unique index on
// (test_id, user_id) makes a lost race surface as ErrDuplicateAssignment;
// the caller re-reads the winning row.
func (o *Operations) InsertABAssignment(ctx context.Context, testID, userID, variant string) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO ab_test_assignments (test_id, user_id, variant) VALUES (?, ?, ?)`,
		testID, userID, variant,
	)
	if err != nil {
		if models.IsUniqueConstraintErr(err) {
			return models.ErrDuplicateAssignment
		}
		return err
	}
	return nil
}

// GetABAssignment returns the persisted variant for one (test, user) pair,
// or ErrUserNotAssigned.
func (o *Operations) GetABAssignment(ctx context.Context, testID, userID string) (string, error) {
	var variant string
	err := o.pool.QueryRow(ctx,
		`SELECT variant FROM ab_test_assignments WHERE test_id = ? AND user_id = ?`,
		testID, userID,
	).Scan(&variant)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.ErrUserNotAssigned
		}
		return "", err
	}
	return variant, nil
}

// InsertABConversion appends one conversion row. Conversions are never
// deduplicated.
func (o *Operations) InsertABConversion(ctx context.Context, conv *models.ABConversion) error {
	_, err := o.pool.Run(ctx,
		`INSERT INTO ab_test_conversions (test_id, user_id, variant, goal_id, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		conv.TestID,
		conv.UserID,
		conv.Variant,
		conv.GoalID,
		nullIfEmpty(conv.Metadata),
	)
	return err
}

// GetABTestParticipants returns per-variant participant counts from the
// persisted assignment log.
func (o *Operations) GetABTestParticipants(ctx context.Context, testID string) (map[string]int64, error) {
	query, args, err := sq.Select("variant", "COUNT(*)").
		From("ab_test_assignments").
		Where(sq.Eq{"test_id": testID}).
		GroupBy("variant").
		ToSql()
	if err != nil {
		return nil, err
	}

	participants := make(map[string]int64)
	err = o.pool.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var variant string
			var count int64
			if err := rows.Scan(&variant, &count); err != nil {
				return err
			}
			participants[variant] = count
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return participants, nil
}

// GetABTestConversionCounts returns per-variant per-goal conversion counts
// from the persisted conversion log.
func (o *Operations) GetABTestConversionCounts(ctx context.Context, testID string) (map[string]map[string]int64, error) {
	query, args, err := sq.Select("variant", "goal_id", "COUNT(*)").
		From("ab_test_conversions").
		Where(sq.Eq{"test_id": testID}).
		GroupBy("variant", "goal_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	conversions := make(map[string]map[string]int64)
	err = o.pool.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var variant, goalID string
			var count int64
			if err := rows.Scan(&variant, &goalID, &count); err != nil {
				return err
			}
			if conversions[variant] == nil {
				conversions[variant] = make(map[string]int64)
			}
			conversions[variant][goalID] = count
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return conversions, nil
}

// nullTime maps the zero time to NULL so unset dates do not persist as
// 0001-01-01.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
