// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package analytics

import (
	"context"

	"github.com/funnelsight/funnelsight/internal/database"
)

// TableCount is one table's row count, or the reason it could not be read.
type TableCount struct {
	Count int64  `json:"count"`
	Error string `json:"error,omitempty"`
}

// HealthReport composes the pool's health with row counts across the
// append-only tables.
type HealthReport struct {
	database.Health
	Database map[string]TableCount `json:"database"`
}

// statTables maps report keys to the append-only tables they count.
var statTables = map[string]string{
	"sessions":     "user_sessions",
	"interactions": "user_interactions",
	"errors":       "error_logs",
	"metrics":      "performance_metrics",
}

// HealthCheck never returns an error: a failing count query degrades its
// field instead of propagating, so monitoring can poll unconditionally.
func (o *Operations) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		Health:   o.pool.HealthCheck(ctx),
		Database: make(map[string]TableCount, len(statTables)),
	}

	for key, table := range statTables {
		var count int64
		if err := o.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			report.Database[key] = TableCount{Error: err.Error()}
			continue
		}
		report.Database[key] = TableCount{Count: count}
	}
	return report
}
