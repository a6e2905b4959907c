package sim

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/inproc"
	"github.com/heitortanoue/clocksync/pkg/oscillator"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// AgentIDs returns the ids of n simulated agents.
func AgentIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("clock-%d", i)
	}
	return ids
}

// Simulation runs n oscillators in real time over an in-process network.
type Simulation struct {
	RunID       uuid.UUID
	cfg         config.ClockConfig
	stagger     bool
	net         *inproc.Network
	oscillators []*oscillator.Oscillator
	logger      *zap.Logger
}

// New builds a simulation with agents agents sharing cfg.
func New(cfg config.ClockConfig, agents int, stagger bool, logger *zap.Logger) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if agents < 1 {
		return nil, fmt.Errorf("simulation needs at least one agent, got %d", agents)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runID := uuid.New()
	logger = logger.With(zap.String("run", runID.String()[:8]))

	ids := AgentIDs(agents)
	network, err := inproc.NewNetwork(ids, inproc.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	s := &Simulation{
		RunID:   runID,
		cfg:     cfg,
		stagger: stagger,
		net:     network,
		logger:  logger.Named("sim"),
	}
	for _, id := range ids {
		ep, err := network.Endpoint(id)
		if err != nil {
			return nil, err
		}
		osc, err := oscillator.New(id, cfg, ep, oscillator.WithLogger(logger.Named("oscillator")))
		if err != nil {
			return nil, err
		}
		s.oscillators = append(s.oscillators, osc)
	}
	return s, nil
}

// Ticks returns the merged tick telemetry of all agents.
func (s *Simulation) Ticks() <-chan protocol.TickEvent { return s.net.Ticks() }

// Diffs returns the merged diff telemetry of all agents.
func (s *Simulation) Diffs() <-chan protocol.DiffMeasurement { return s.net.Diffs() }

// Oscillators returns the simulated oscillators.
func (s *Simulation) Oscillators() []*oscillator.Oscillator {
	return append([]*oscillator.Oscillator(nil), s.oscillators...)
}

// Run starts the relay and every oscillator and blocks until ctx is
// cancelled or one of them fails. With stagger enabled each oscillator
// starts after a random delay within one period so the agents begin out of
// phase.
func (s *Simulation) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.net.Run(gctx) })

	for _, osc := range s.oscillators {
		osc := osc
		var delay time.Duration
		if s.stagger {
			delay = time.Duration(rand.Int63n(int64(s.cfg.Period)))
		}
		g.Go(func() error {
			if err := oscillator.RealClock().Sleep(gctx, delay); err != nil {
				return nil
			}
			s.logger.Info("starting agent", zap.String("clock", osc.ID()), zap.Duration("offset", delay))
			return osc.Run(gctx)
		})
	}

	s.logger.Info("simulation running",
		zap.Int("agents", len(s.oscillators)),
		zap.Duration("period", s.cfg.Period))

	err := g.Wait()
	s.logger.Info("simulation stopped",
		zap.Uint64("delivered", s.net.Delivered()),
		zap.Uint64("dropped", s.net.Dropped()))
	return err
}
