// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"errors"
	"time"
)

var (
	ErrTestNotFound        = errors.New("ab test not found")
	ErrDuplicateTest       = errors.New("ab test already exists")
	ErrInvalidWeights      = errors.New("variant weights must sum to 1")
	ErrUserNotAssigned     = errors.New("user not assigned to test")
	ErrDuplicateAssignment = errors.New("user already assigned to test")
)

const (
	TestStatusActive = "active"
	TestStatusEnded  = "ended"
)

// ABTest is one experiment definition. Variants and Weights are parallel
// slices; weights sum to 1 within a tolerance of 1e-4.
type ABTest struct {
	TestID      string    `json:"testId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Variants    []string  `json:"variants"`
	Weights     []float64 `json:"weights"`
	Goals       []string  `json:"goals"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ABAssignment is the persisted, idempotent user-to-variant mapping for one
// test. The assignment table carries a unique index on (test_id, user_id).
type ABAssignment struct {
	ID        int64     `json:"id"`
	TestID    string    `json:"testId"`
	UserID    string    `json:"userId"`
	Variant   string    `json:"variant"`
	Timestamp time.Time `json:"timestamp"`
}

// ABConversion is one recorded goal event. Conversions are append-only and
// deliberately not deduplicated.
type ABConversion struct {
	ID        int64     `json:"id"`
	TestID    string    `json:"testId"`
	UserID    string    `json:"userId"`
	Variant   string    `json:"variant"`
	GoalID    string    `json:"goalId"`
	Metadata  string    `json:"metadata,omitempty"` // serialized JSON
	Timestamp time.Time `json:"timestamp"`
}
