package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/heitortanoue/clocksync/pkg/monitor"
)

var (
	monitorHTTP    string
	monitorRefresh time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Collect tick and diff telemetry from agents",
	Long: `Listens on the tick and diff telemetry ports, tracks every agent it
hears from, and logs the phase spread of the group. With --http it also
serves GET /agents, GET /summary and a websocket event feed at /ws.`,
	RunE: runMonitor,
}

func init() {
	flags := monitorCmd.Flags()
	flags.StringVar(&monitorHTTP, "http", "", "Address of the HTTP feed, e.g. :8090")
	flags.DurationVar(&monitorRefresh, "refresh", 0, "Refresh interval (default a quarter period)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("http") {
		cfg.Monitor.HTTPAddr = monitorHTTP
	}
	if flags.Changed("refresh") {
		cfg.Monitor.RefreshInterval = monitorRefresh
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m, err := monitor.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return m.Run(cmd.Context())
}
