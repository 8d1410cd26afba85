// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package abtest assigns users to experiment variants by weighted random
// draw and tallies goal conversions. Assignments are sticky: the first draw
// for a (test, user) pair is persisted and every later call returns it.
package abtest

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/funnelsight/funnelsight/internal/analytics"
	"github.com/funnelsight/funnelsight/internal/models"
)

// weightTolerance bounds the allowed drift of a weight sum from 1.
const weightTolerance = 1e-4

// TestConfig is the caller-facing shape of a new experiment.
type TestConfig struct {
	Name        string
	Description string
	Variants    []string
	Weights     []float64 // optional; defaults to equal weights
	Goals       []string
	StartDate   time.Time
	EndDate     time.Time
}

// VariantResult is the per-variant slice of a test's results.
type VariantResult struct {
	Participants int64              `json:"participants"`
	Conversions  map[string]int64   `json:"conversions"`
	Rates        map[string]float64 `json:"conversionRates"`
}

// Results is the aggregate outcome of one test.
type Results struct {
	TestID     string                   `json:"testId"`
	Name       string                   `json:"name"`
	Status     string                   `json:"status"`
	Variants   map[string]VariantResult `json:"variants"`
	Statistics map[string]any           `json:"statistics"`
}

// Manager owns the in-memory test registry and assignment cache, backed by
// the persisted assignment and conversion logs.
type Manager struct {
	ops *analytics.Operations

	mu          sync.Mutex
	activeTests map[string]*models.ABTest
	assignments map[string]string // "testId:userId" -> variant

	rng func() float64
}

// NewManager returns a manager drawing from math/rand/v2.
func NewManager(ops *analytics.Operations) *Manager {
	return &Manager{
		ops:         ops,
		activeTests: make(map[string]*models.ABTest),
		assignments: make(map[string]string),
		rng:         rand.Float64,
	}
}

// NewManagerWithRand returns a manager with an injected random source, for
// deterministic draws in tests.
func NewManagerWithRand(ops *analytics.Operations, rng func() float64) *Manager {
	m := NewManager(ops)
	m.rng = rng
	return m
}

func assignmentKey(testID, userID string) string {
	return testID + ":" + userID
}

// CreateTest validates and registers a test, persisting its definition.
// Omitted weights default to an equal split; explicit weights must match the
// variant count and sum to 1 within tolerance.
func (m *Manager) CreateTest(ctx context.Context, testID string, cfg TestConfig) (*models.ABTest, error) {
	if len(cfg.Variants) == 0 {
		return nil, errors.New("test requires at least one variant")
	}

	weights := cfg.Weights
	if len(weights) == 0 {
		weights = equalWeights(len(cfg.Variants))
	}
	if len(weights) != len(cfg.Variants) {
		return nil, models.ErrInvalidWeights
	}
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, models.ErrInvalidWeights
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, models.ErrInvalidWeights
	}

	test := &models.ABTest{
		TestID:      testID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Variants:    cfg.Variants,
		Weights:     weights,
		Goals:       cfg.Goals,
		StartDate:   cfg.StartDate,
		EndDate:     cfg.EndDate,
		Status:      models.TestStatusActive,
	}

	m.mu.Lock()
	if _, ok := m.activeTests[testID]; ok {
		m.mu.Unlock()
		return nil, models.ErrDuplicateTest
	}
	m.mu.Unlock()

	if err := m.ops.InsertABTest(ctx, test); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.activeTests[testID] = test
	m.mu.Unlock()

	log.Info().Str("testId", testID).Strs("variants", test.Variants).Msg("ab test created")
	return test, nil
}

// LoadTest pulls a persisted test definition into the registry, so a fresh
// process can serve assignments and results for tests created earlier.
func (m *Manager) LoadTest(ctx context.Context, testID string) (*models.ABTest, error) {
	m.mu.Lock()
	if test, ok := m.activeTests[testID]; ok {
		m.mu.Unlock()
		return test, nil
	}
	m.mu.Unlock()

	test, err := m.ops.GetABTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.activeTests[testID] = test
	m.mu.Unlock()
	return test, nil
}

// AssignVariant returns the user's variant for a test, drawing one on first
// contact. A concurrent first draw for the same pair is resolved by the
// unique assignment index; the loser adopts the winner's row.
func (m *Manager) AssignVariant(ctx context.Context, testID, userID string) (string, error) {
	m.mu.Lock()
	test, ok := m.activeTests[testID]
	if !ok {
		m.mu.Unlock()
		return "", models.ErrTestNotFound
	}
	key := assignmentKey(testID, userID)
	if variant, ok := m.assignments[key]; ok {
		m.mu.Unlock()
		return variant, nil
	}
	m.mu.Unlock()

	// Cache miss: a prior process run may have assigned this user already.
	variant, err := m.ops.GetABAssignment(ctx, testID, userID)
	switch {
	case err == nil:
		m.cacheAssignment(key, variant)
		return variant, nil
	case !errors.Is(err, models.ErrUserNotAssigned):
		return "", err
	}

	variant = m.draw(test)
	err = m.ops.InsertABAssignment(ctx, testID, userID, variant)
	if errors.Is(err, models.ErrDuplicateAssignment) {
		// Lost the race; the persisted row wins.
		variant, err = m.ops.GetABAssignment(ctx, testID, userID)
	}
	if err != nil {
		return "", err
	}

	m.cacheAssignment(key, variant)
	log.Debug().Str("testId", testID).Str("userId", userID).Str("variant", variant).Msg("variant assigned")
	return variant, nil
}

// GetUserVariant returns an existing assignment without ever creating one.
func (m *Manager) GetUserVariant(ctx context.Context, testID, userID string) (string, error) {
	m.mu.Lock()
	variant, ok := m.assignments[assignmentKey(testID, userID)]
	m.mu.Unlock()
	if ok {
		return variant, nil
	}
	variant, err := m.ops.GetABAssignment(ctx, testID, userID)
	if err != nil {
		return "", err
	}
	m.cacheAssignment(assignmentKey(testID, userID), variant)
	return variant, nil
}

// TrackConversion records one goal event for an assigned user. Unassigned
// users are rejected; repeated conversions all count.
func (m *Manager) TrackConversion(ctx context.Context, testID, userID, goalID, metadata string) error {
	m.mu.Lock()
	_, known := m.activeTests[testID]
	m.mu.Unlock()
	if !known {
		return models.ErrTestNotFound
	}

	variant, err := m.GetUserVariant(ctx, testID, userID)
	if err != nil {
		return err
	}

	conv := &models.ABConversion{
		TestID:   testID,
		UserID:   userID,
		Variant:  variant,
		GoalID:   goalID,
		Metadata: metadata,
	}
	if err := m.ops.InsertABConversion(ctx, conv); err != nil {
		return err
	}

	log.Debug().Str("testId", testID).Str("goalId", goalID).Str("variant", variant).Msg("conversion tracked")
	return nil
}

// Results aggregates the persisted logs into per-variant participant counts,
// conversion counts and rates. Variants with no participants report a zero
// rate for every goal.
func (m *Manager) Results(ctx context.Context, testID string) (*Results, error) {
	m.mu.Lock()
	test, ok := m.activeTests[testID]
	m.mu.Unlock()
	if !ok {
		return nil, models.ErrTestNotFound
	}

	participants, err := m.ops.GetABTestParticipants(ctx, testID)
	if err != nil {
		return nil, err
	}
	conversions, err := m.ops.GetABTestConversionCounts(ctx, testID)
	if err != nil {
		return nil, err
	}

	results := &Results{
		TestID:   testID,
		Name:     test.Name,
		Status:   test.Status,
		Variants: make(map[string]VariantResult, len(test.Variants)),
		// Placeholder until significance testing lands.
		Statistics: map[string]any{},
	}
	for _, variant := range test.Variants {
		vr := VariantResult{
			Participants: participants[variant],
			Conversions:  make(map[string]int64, len(test.Goals)),
			Rates:        make(map[string]float64, len(test.Goals)),
		}
		for _, goal := range test.Goals {
			count := conversions[variant][goal]
			vr.Conversions[goal] = count
			if vr.Participants > 0 {
				vr.Rates[goal] = float64(count) / float64(vr.Participants)
			}
		}
		results.Variants[variant] = vr
	}
	return results, nil
}

// EndTest marks a test ended. Assignments and conversions already recorded
// stay queryable through Results.
func (m *Manager) EndTest(testID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.activeTests[testID]
	if !ok {
		return models.ErrTestNotFound
	}
	test.Status = models.TestStatusEnded
	return nil
}

func (m *Manager) cacheAssignment(key, variant string) {
	m.mu.Lock()
	m.assignments[key] = variant
	m.mu.Unlock()
}

// draw walks the cumulative weight distribution. Floating point drift in the
// final bucket falls through to the last variant.
func (m *Manager) draw(test *models.ABTest) string {
	r := m.rng()
	var cum float64
	for i, w := range test.Weights {
		cum += w
		if r <= cum {
			return test.Variants[i]
		}
	}
	return test.Variants[len(test.Variants)-1]
}

func equalWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}
	return weights
}
