// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"modernc.org/sqlite"
	lib "modernc.org/sqlite/lib"
)

// EncodeStringSliceJSON marshals a string slice to JSON. Returns "[]" for
// empty/nil slices so the column never stores NULL for a known-empty list.
func EncodeStringSliceJSON(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// DecodeStringSliceJSON unmarshals a JSON array column into a string slice.
// Empty input decodes to an empty slice.
func DecodeStringSliceJSON(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

// EncodeFloatSliceJSON marshals a float slice to JSON, "[]" for empty.
func EncodeFloatSliceJSON(values []float64) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// DecodeFloatSliceJSON unmarshals a JSON array column into a float slice.
func DecodeFloatSliceJSON(raw string) ([]float64, error) {
	if raw == "" {
		return []float64{}, nil
	}
	var values []float64
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

// IsUniqueConstraintErr reports whether err is a SQLite unique or primary key
// constraint violation.
func IsUniqueConstraintErr(err error) bool {
	var sqlErr *sqlite.Error
	if err != nil && errors.As(err, &sqlErr) {
		return sqlErr.Code() == lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqlErr.Code() == lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// TimeToNullTime converts an optional time to its sql representation.
func TimeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// NullTimeToTime converts a nullable column back to an optional time.
func NullTimeToTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
