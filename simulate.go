package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/clocksync/logging"
	"github.com/heitortanoue/clocksync/pkg/monitor"
	"github.com/heitortanoue/clocksync/pkg/oscillator"
	"github.com/heitortanoue/clocksync/pkg/sim"
)

var (
	simAgents   int
	simNoStag   bool
	simDuration time.Duration
	simVirtual  bool
	simCycles   int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a group of clocks in one process",
	Long: `Runs several oscillators connected by an in-process relay.

In real time (the default) the agents start at random offsets within one
period and the phase spread is logged every refresh interval until the
duration elapses or the process is interrupted.

With --virtual the agents are stepped through simulated time, which runs
as fast as the CPU allows and is fully deterministic for a given seed.

Example:
  clocksync simulate -n 5 --alpha 0.5 --duration 30s
  clocksync simulate -n 5 --alpha 0.5 --virtual --cycles 100`,
	RunE: runSimulate,
}

func init() {
	flags := simulateCmd.Flags()
	flags.IntVarP(&simAgents, "agents", "n", 0, "Number of agents (default from config)")
	flags.BoolVar(&simNoStag, "no-stagger", false, "Start every agent at the same instant")
	flags.DurationVar(&simDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flags.BoolVar(&simVirtual, "virtual", false, "Step agents through virtual time")
	flags.IntVar(&simCycles, "cycles", 50, "Rounds to run in virtual mode")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	agents := cfg.Simulation.Agents
	if simAgents > 0 {
		agents = simAgents
	}
	stagger := cfg.Simulation.Stagger && !simNoStag

	if simVirtual {
		return runVirtual(cmd.Context(), agents, stagger)
	}

	ctx := cmd.Context()
	if simDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simDuration)
		defer cancel()
	}

	s, err := sim.New(cfg.Clock, agents, stagger, logger)
	if err != nil {
		return err
	}
	events := logging.NewEventLogger("sim-"+s.RunID.String()[:8], logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error { return watch(gctx, s, events) })
	if err := g.Wait(); err != nil {
		return err
	}

	logStats(s.Oscillators())
	return nil
}

// watch feeds the simulation's telemetry into a registry and logs a summary
// every refresh interval.
func watch(ctx context.Context, s *sim.Simulation, events *logging.EventLogger) error {
	registry := monitor.NewRegistry(cfg.Monitor.EvictAfter)
	ticker := time.NewTicker(cfg.MonitorRefresh())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.Ticks():
			registry.RecordTick(ev.Source, ev.Timestamp)
		case m := <-s.Diffs():
			registry.RecordDiff(m.Source, m.Value)
		case <-ticker.C:
			if evicted := registry.Advance(); len(evicted) > 0 {
				events.LogEviction(evicted)
			}
			summary := registry.Summary(cfg.Clock.Period)
			if summary.Agents > 0 {
				events.LogSummary(summary.Agents, summary.Spread, summary.MeanAbsDiff)
			}
		}
	}
}

func runVirtual(ctx context.Context, agents int, stagger bool) error {
	if simCycles < 1 {
		return fmt.Errorf("cycles must be >= 1, got %d", simCycles)
	}
	offsets := make([]time.Duration, agents)
	if stagger {
		for i := range offsets {
			offsets[i] = time.Duration(rand.Int63n(int64(cfg.Clock.Period)))
		}
	}

	ls, err := sim.NewLockstep(cfg.Clock, time.Now(), offsets, logger.Named("lockstep"))
	if err != nil {
		return err
	}

	started := time.Now()
	initial := time.Duration(0)
	for round := 1; round <= simCycles; round++ {
		if err := ctx.Err(); err != nil {
			break
		}
		ls.Round()
		spread := ls.Spread()
		if round == 1 {
			initial = spread
		}
		logger.Debug("round", zap.Int("round", round), zap.Duration("spread", spread))
		if round%10 == 0 || round == simCycles {
			logger.Info("virtual progress",
				zap.Int("round", round),
				zap.Duration("spread", spread),
				zap.Time("virtual_now", ls.Now()))
		}
	}

	logger.Info("virtual simulation finished",
		zap.Int("agents", agents),
		zap.Duration("initial_spread", initial),
		zap.Duration("final_spread", ls.Spread()),
		zap.Duration("wall_time", time.Since(started)))
	logStats(ls.Oscillators())
	return nil
}

func logStats(oscillators []*oscillator.Oscillator) {
	for _, osc := range oscillators {
		st := osc.Stats()
		logger.Info("agent stats",
			zap.String("clock", st.ID),
			zap.Uint64("cycles", st.Cycles),
			zap.Uint64("triggers_sent", st.TriggersSent),
			zap.Uint64("samples", st.SamplesConsumed),
			zap.Uint64("corrections", st.Corrections),
			zap.Duration("last_diff", st.LastDiff),
			zap.Duration("shift", st.Shift))
	}
}
