// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/funnelsight/funnelsight/internal/database"
	"github.com/funnelsight/funnelsight/internal/models"
)

// Retry wraps an operation with exponential backoff. Retry policy lives with
// the caller, never inside the pool: wrap the tracking calls that should
// survive transient contention, and leave everything else direct.
func Retry(ctx context.Context, attempts uint, delay time.Duration, op func() error) error {
	return retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return op()
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(delay/2),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !isPermanent(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Msg("retrying database operation")
		}),
	)
}

// isPermanent reports errors that retrying can never fix: domain conditions
// and a closed pool.
func isPermanent(err error) bool {
	return errors.Is(err, models.ErrDuplicateSession) ||
		errors.Is(err, models.ErrSessionNotFound) ||
		errors.Is(err, models.ErrTestNotFound) ||
		errors.Is(err, models.ErrDuplicateTest) ||
		errors.Is(err, models.ErrInvalidWeights) ||
		errors.Is(err, models.ErrUserNotAssigned) ||
		errors.Is(err, database.ErrPoolClosed)
}
