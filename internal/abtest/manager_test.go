// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package abtest

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/funnelsight/funnelsight/internal/analytics"
	"github.com/funnelsight/funnelsight/internal/database"
	"github.com/funnelsight/funnelsight/internal/models"
)

func newTestOps(t *testing.T) *analytics.Operations {
	t.Helper()
	log.Logger = log.Output(io.Discard)

	pool, err := database.New(database.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MinConns: 1,
		MaxConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})
	return analytics.NewOperations(pool)
}

// queueRand returns draws from a fixed sequence, making variant selection
// deterministic in tests.
func queueRand(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestCreateTestWeightValidation(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManager(ops)

	_, err := m.CreateTest(ctx, "w-bad-sum", TestConfig{
		Name:     "bad sum",
		Variants: []string{"A", "B", "C"},
		Weights:  []float64{0.5, 0.3, 0.1},
	})
	require.ErrorIs(t, err, models.ErrInvalidWeights)

	_, err = m.CreateTest(ctx, "w-negative", TestConfig{
		Name:     "negative",
		Variants: []string{"A", "B"},
		Weights:  []float64{1.5, -0.5},
	})
	require.ErrorIs(t, err, models.ErrInvalidWeights)

	_, err = m.CreateTest(ctx, "w-mismatch", TestConfig{
		Name:     "length mismatch",
		Variants: []string{"A", "B", "C"},
		Weights:  []float64{0.5, 0.5},
	})
	require.ErrorIs(t, err, models.ErrInvalidWeights)

	test, err := m.CreateTest(ctx, "w-ok", TestConfig{
		Name:     "valid",
		Variants: []string{"A", "B", "C"},
		Weights:  []float64{0.5, 0.3, 0.2},
	})
	require.NoError(t, err)
	require.Equal(t, models.TestStatusActive, test.Status)
}

func TestCreateTestDefaultsToEqualWeights(t *testing.T) {
	ops := newTestOps(t)
	m := NewManager(ops)

	test, err := m.CreateTest(t.Context(), "w-default", TestConfig{
		Name:     "equal split",
		Variants: []string{"A", "B", "C", "D"},
	})
	require.NoError(t, err)
	require.Len(t, test.Weights, 4)
	for _, w := range test.Weights {
		require.InDelta(t, 0.25, w, 1e-9)
	}
}

func TestCreateTestDuplicate(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManager(ops)

	cfg := TestConfig{Name: "dup", Variants: []string{"A", "B"}}
	_, err := m.CreateTest(ctx, "t-dup", cfg)
	require.NoError(t, err)

	_, err = m.CreateTest(ctx, "t-dup", cfg)
	require.ErrorIs(t, err, models.ErrDuplicateTest)

	// A second manager over the same database hits the persisted row.
	m2 := NewManager(ops)
	_, err = m2.CreateTest(ctx, "t-dup", cfg)
	require.ErrorIs(t, err, models.ErrDuplicateTest)
}

func TestAssignVariantDeterministicDraw(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManagerWithRand(ops, queueRand(0.25, 0.75))

	_, err := m.CreateTest(ctx, "t-draw", TestConfig{
		Name:     "split",
		Variants: []string{"A", "B"},
		Weights:  []float64{0.5, 0.5},
	})
	require.NoError(t, err)

	// r=0.25 lands in A's bucket, r=0.75 in B's.
	variant, err := m.AssignVariant(ctx, "t-draw", "u1")
	require.NoError(t, err)
	require.Equal(t, "A", variant)

	variant, err = m.AssignVariant(ctx, "t-draw", "u2")
	require.NoError(t, err)
	require.Equal(t, "B", variant)
}

func TestAssignVariantSticky(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManagerWithRand(ops, queueRand(0.1, 0.9, 0.9, 0.9))

	_, err := m.CreateTest(ctx, "t-sticky", TestConfig{
		Name:     "sticky",
		Variants: []string{"A", "B"},
	})
	require.NoError(t, err)

	first, err := m.AssignVariant(ctx, "t-sticky", "u1")
	require.NoError(t, err)

	// Every later call returns the first draw no matter what the rng says.
	for i := 0; i < 3; i++ {
		again, err := m.AssignVariant(ctx, "t-sticky", "u1")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	participants, err := ops.GetABTestParticipants(ctx, "t-sticky")
	require.NoError(t, err)
	require.Equal(t, int64(1), participants[first], "repeat assignment must not add rows")
}

func TestAssignVariantUnknownTest(t *testing.T) {
	ops := newTestOps(t)
	m := NewManager(ops)

	_, err := m.AssignVariant(t.Context(), "no-such-test", "u1")
	require.ErrorIs(t, err, models.ErrTestNotFound)
}

func TestDrawFallsBackToLastVariant(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()

	// 1.0 never satisfies r <= cum when float drift leaves the sum a hair
	// under 1; the walk must land on the final variant regardless.
	m := NewManagerWithRand(ops, queueRand(1.0))

	_, err := m.CreateTest(ctx, "t-edge", TestConfig{
		Name:     "edge",
		Variants: []string{"A", "B", "C"},
	})
	require.NoError(t, err)

	variant, err := m.AssignVariant(ctx, "t-edge", "u1")
	require.NoError(t, err)
	require.Equal(t, "C", variant)
}

func TestTrackConversionRequiresAssignment(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManager(ops)

	_, err := m.CreateTest(ctx, "t-conv", TestConfig{
		Name:     "conversions",
		Variants: []string{"A", "B"},
		Goals:    []string{"purchase"},
	})
	require.NoError(t, err)

	err = m.TrackConversion(ctx, "t-conv", "unassigned-user", "purchase", "")
	require.ErrorIs(t, err, models.ErrUserNotAssigned)

	err = m.TrackConversion(ctx, "no-such-test", "u1", "purchase", "")
	require.ErrorIs(t, err, models.ErrTestNotFound)
}

func TestDoubleConversionCountsTwice(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManagerWithRand(ops, queueRand(0.1))

	_, err := m.CreateTest(ctx, "t-double", TestConfig{
		Name:     "double",
		Variants: []string{"A", "B"},
		Goals:    []string{"signup"},
	})
	require.NoError(t, err)

	variant, err := m.AssignVariant(ctx, "t-double", "u1")
	require.NoError(t, err)

	require.NoError(t, m.TrackConversion(ctx, "t-double", "u1", "signup", ""))
	require.NoError(t, m.TrackConversion(ctx, "t-double", "u1", "signup", ""))

	results, err := m.Results(ctx, "t-double")
	require.NoError(t, err)
	require.Equal(t, int64(2), results.Variants[variant].Conversions["signup"])
	require.InDelta(t, 2.0, results.Variants[variant].Rates["signup"], 1e-9,
		"conversions are not deduplicated, so the rate can exceed 1")
}

func TestResultsEndToEnd(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManagerWithRand(ops, queueRand(0.25, 0.75, 0.25))

	_, err := m.CreateTest(ctx, "t1", TestConfig{
		Name:     "landing page copy",
		Variants: []string{"A", "B"},
		Weights:  []float64{0.5, 0.5},
		Goals:    []string{"g1"},
	})
	require.NoError(t, err)

	vA, err := m.AssignVariant(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, "A", vA)

	vB, err := m.AssignVariant(ctx, "t1", "u2")
	require.NoError(t, err)
	require.Equal(t, "B", vB)

	vA2, err := m.AssignVariant(ctx, "t1", "u3")
	require.NoError(t, err)
	require.Equal(t, "A", vA2)

	require.NoError(t, m.TrackConversion(ctx, "t1", "u1", "g1", `{"value":9.99}`))

	results, err := m.Results(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", results.TestID)
	require.Equal(t, models.TestStatusActive, results.Status)

	a := results.Variants["A"]
	require.Equal(t, int64(2), a.Participants)
	require.Equal(t, int64(1), a.Conversions["g1"])
	require.InDelta(t, 0.5, a.Rates["g1"], 1e-9)

	b := results.Variants["B"]
	require.Equal(t, int64(1), b.Participants)
	require.Zero(t, b.Conversions["g1"])
	require.Zero(t, b.Rates["g1"])
}

func TestFreshManagerRecoversPersistedAssignments(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()

	m1 := NewManagerWithRand(ops, queueRand(0.1))
	_, err := m1.CreateTest(ctx, "t-recover", TestConfig{
		Name:     "recover",
		Variants: []string{"A", "B"},
		Goals:    []string{"g1"},
	})
	require.NoError(t, err)

	original, err := m1.AssignVariant(ctx, "t-recover", "u1")
	require.NoError(t, err)

	// A fresh manager (new process) must serve the persisted assignment, not
	// draw a new one.
	drew := false
	m2 := NewManagerWithRand(ops, func() float64 {
		drew = true
		return 0.99
	})
	_, err = m2.LoadTest(ctx, "t-recover")
	require.NoError(t, err)

	variant, err := m2.AssignVariant(ctx, "t-recover", "u1")
	require.NoError(t, err)
	require.Equal(t, original, variant)
	require.False(t, drew, "a persisted assignment must short-circuit the draw")

	require.NoError(t, m2.TrackConversion(ctx, "t-recover", "u1", "g1", ""))

	results, err := m2.Results(ctx, "t-recover")
	require.NoError(t, err)
	require.Equal(t, int64(1), results.Variants[original].Conversions["g1"])
}

func TestLoadTestUnknown(t *testing.T) {
	ops := newTestOps(t)
	m := NewManager(ops)

	_, err := m.LoadTest(t.Context(), "no-such-test")
	require.ErrorIs(t, err, models.ErrTestNotFound)
}

func TestEndTest(t *testing.T) {
	ops := newTestOps(t)
	ctx := t.Context()
	m := NewManager(ops)

	_, err := m.CreateTest(ctx, "t-end", TestConfig{
		Name:     "end",
		Variants: []string{"A", "B"},
	})
	require.NoError(t, err)

	require.NoError(t, m.EndTest("t-end"))
	require.ErrorIs(t, m.EndTest("missing"), models.ErrTestNotFound)

	results, err := m.Results(ctx, "t-end")
	require.NoError(t, err)
	require.Equal(t, models.TestStatusEnded, results.Status)
}
