package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/logging"
	"github.com/heitortanoue/clocksync/pkg/phase"
)

var (
	configPath string
	verbose    bool
	devLogs    bool

	periodSec       float64
	broadcastNumber int
	alpha           float64
	precision       float64
	diffMode        string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clocksync",
	Short: "Decentralized clock phase synchronization over UDP",
	Long: `clocksync keeps a group of periodic clocks ticking in phase without a
leader. Every agent broadcasts its tick timestamps, measures how far its
peers' ticks are from its own on the circle of one clock period, and nudges
its next tick by a fraction of the mean difference.

Run several "agent" processes on a LAN, watch them with "monitor", or
try the algorithm on one machine with "simulate".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := applyClockFlags(cmd, cfg); err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, devLogs)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&devLogs, "dev", false, "Human-readable console logs")
	addClockFlags(flags)

	rootCmd.AddCommand(simulateCmd, agentCmd, monitorCmd)
}

func addClockFlags(flags *pflag.FlagSet) {
	flags.Float64Var(&periodSec, "period", 1.0, "Clock period in seconds")
	flags.IntVarP(&broadcastNumber, "broadcast-number", "b", 1, "Broadcast a trigger every N clock cycles")
	flags.Float64VarP(&alpha, "alpha", "a", 1.0, "Correction gain in (0, 1]")
	flags.Float64VarP(&precision, "precision", "p", 0.01, "Dead band as a fraction of the period")
	flags.StringVar(&diffMode, "diff-mode", string(phase.Relative), "Reported diff unit: relative or absolute")
}

// applyClockFlags overrides the loaded clock settings with the flags set on
// the command line.
func applyClockFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("period") {
		period, err := config.PeriodFromSeconds(periodSec)
		if err != nil {
			return err
		}
		c.Clock.Period = period
	}
	if flags.Changed("broadcast-number") {
		c.Clock.BroadcastDivisor = broadcastNumber
	}
	if flags.Changed("alpha") {
		c.Clock.Gain = alpha
	}
	if flags.Changed("precision") {
		c.Clock.Precision = precision
	}
	if flags.Changed("diff-mode") {
		mode, err := phase.ParseDiffMode(diffMode)
		if err != nil {
			return err
		}
		c.Clock.DiffMode = mode
	}
	return c.Validate()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
