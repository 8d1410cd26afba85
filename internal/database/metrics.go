// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes pool occupancy and acquire-timeout counts.
type MetricsCollector struct {
	pool *Pool

	sizeDesc            *prometheus.Desc
	availableDesc       *prometheus.Desc
	pendingDesc         *prometheus.Desc
	acquireTimeoutsDesc *prometheus.Desc
}

func NewMetricsCollector(pool *Pool) *MetricsCollector {
	return &MetricsCollector{
		pool: pool,
		sizeDesc: prometheus.NewDesc(
			"funnelsight_db_pool_size",
			"Number of live database handles (idle plus lent out)",
			nil,
			nil,
		),
		availableDesc: prometheus.NewDesc(
			"funnelsight_db_pool_available",
			"Number of idle database handles ready to lend",
			nil,
			nil,
		),
		pendingDesc: prometheus.NewDesc(
			"funnelsight_db_pool_pending",
			"Number of acquirers currently waiting for a handle",
			nil,
			nil,
		),
		acquireTimeoutsDesc: prometheus.NewDesc(
			"funnelsight_db_acquire_timeouts_total",
			"Number of acquires that gave up waiting for a handle",
			nil,
			nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sizeDesc
	ch <- c.availableDesc
	ch <- c.pendingDesc
	ch <- c.acquireTimeoutsDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue, float64(stats.Size))
	ch <- prometheus.MustNewConstMetric(c.availableDesc, prometheus.GaugeValue, float64(stats.Available))
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(stats.Pending))
	ch <- prometheus.MustNewConstMetric(c.acquireTimeoutsDesc, prometheus.CounterValue, float64(c.pool.AcquireTimeouts()))
}
