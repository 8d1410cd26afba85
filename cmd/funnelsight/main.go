// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/funnelsight/funnelsight/internal/abtest"
	"github.com/funnelsight/funnelsight/internal/analytics"
	"github.com/funnelsight/funnelsight/internal/config"
	"github.com/funnelsight/funnelsight/internal/database"
	"github.com/funnelsight/funnelsight/internal/models"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configDir string

	root := &cobra.Command{
		Use:   "funnelsight",
		Short: "funnelsight - web analytics event store and A/B testing engine",
		Long: `funnelsight records visitor sessions, page views, interactions and
errors into a local SQLite database, and assigns users to weighted
experiment variants with persisted, sticky assignments.`,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory holding config.toml (default: user config dir)")

	root.AddCommand(versionCommand())
	root.AddCommand(healthCommand(&configDir))
	root.AddCommand(statsCommand(&configDir))
	root.AddCommand(sessionCommand(&configDir))
	root.AddCommand(abtestCommand(&configDir))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStack loads config, configures logging and opens the pool. The
// returned close function must be called before exit.
func openStack(configDir string) (*analytics.Operations, func(), error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyLogConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	pool, err := database.New(cfg.PoolConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	prometheus.MustRegister(database.NewMetricsCollector(pool))

	return analytics.NewOperations(pool), func() { pool.Close() }, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("funnelsight %s (%s)\n", version, commit)
		},
	}
}

func healthCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report database health and table counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := openStack(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			return printJSON(ops.HealthCheck(cmd.Context()))
		},
	}
}

func statsCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print activity counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := openStack(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			active, err := ops.ActiveUsers(ctx)
			if err != nil {
				return err
			}
			total, err := ops.TotalSessions(ctx)
			if err != nil {
				return err
			}
			errCount, err := ops.ErrorCount(ctx)
			if err != nil {
				return err
			}

			return printJSON(map[string]int64{
				"activeUsers":   active,
				"totalSessions": total,
				"recentErrors":  errCount,
			})
		},
	}
}

func sessionCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage visitor sessions",
	}

	var userAgent, ipAddress, platform, browser string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := openStack(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			session := &models.Session{
				SessionID: uuid.NewString(),
				UserAgent: userAgent,
				IPAddress: ipAddress,
				Platform:  platform,
				Browser:   browser,
			}
			if err := ops.CreateSession(cmd.Context(), session); err != nil {
				return err
			}

			log.Info().Str("sessionId", session.SessionID).Msg("session created")
			fmt.Println(session.SessionID)
			return nil
		},
	}
	newCmd.Flags().StringVar(&userAgent, "user-agent", "", "client user agent")
	newCmd.Flags().StringVar(&ipAddress, "ip", "", "client IP address")
	newCmd.Flags().StringVar(&platform, "platform", "", "client platform")
	newCmd.Flags().StringVar(&browser, "browser", "", "client browser")

	endCmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := openStack(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			return ops.EndSession(cmd.Context(), args[0])
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's stored data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := openStack(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			session, err := ops.GetSessionData(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	cmd.AddCommand(newCmd, endCmd, showCmd)
	return cmd
}

func abtestCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abtest",
		Short: "Inspect A/B tests",
	}

	resultsCmd := &cobra.Command{
		Use:   "results <test-id>",
		Short: "Print aggregated results for a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := openStack(*configDir)
			if err != nil {
				return err
			}
			defer closeFn()

			manager := abtest.NewManager(ops)
			if _, err := manager.LoadTest(cmd.Context(), args[0]); err != nil {
				return err
			}
			results, err := manager.Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}

	cmd.AddCommand(resultsCmd)
	return cmd
}

func printJSON(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}
