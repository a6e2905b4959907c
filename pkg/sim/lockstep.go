package sim

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/inproc"
	"github.com/heitortanoue/clocksync/pkg/oscillator"
	"github.com/heitortanoue/clocksync/pkg/phase"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

type lockstepAgent struct {
	osc   *oscillator.Oscillator
	next  time.Time
	last  time.Time
	fired int
}

// Lockstep drives oscillators through virtual time. Every Step fires the
// agent whose next edge is earliest, with trigger delivery completing before
// the next agent fires.
type Lockstep struct {
	cfg    config.ClockConfig
	clock  *oscillator.ManualClock
	net    *inproc.Network
	agents []*lockstepAgent
}

// NewLockstep creates one agent per offset; agent i fires its first edge at
// start+offsets[i].
func NewLockstep(cfg config.ClockConfig, start time.Time, offsets []time.Duration, logger *zap.Logger) (*Lockstep, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := AgentIDs(len(offsets))
	network, err := inproc.NewNetwork(ids, inproc.Options{Synchronous: true, Logger: logger})
	if err != nil {
		return nil, err
	}

	clock := oscillator.NewManualClock(start)
	ls := &Lockstep{cfg: cfg, clock: clock, net: network}
	for i, id := range ids {
		ep, err := network.Endpoint(id)
		if err != nil {
			return nil, err
		}
		osc, err := oscillator.New(id, cfg, ep, oscillator.WithClock(clock), oscillator.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", id, err)
		}
		ls.agents = append(ls.agents, &lockstepAgent{osc: osc, next: start.Add(offsets[i])})
	}
	return ls, nil
}

// Step fires the earliest pending edge and returns its tick.
func (l *Lockstep) Step() protocol.TickEvent {
	a := l.agents[0]
	for _, cand := range l.agents[1:] {
		if cand.next.Before(a.next) {
			a = cand
		}
	}

	edge := a.next
	l.clock.Set(edge)
	interval := a.osc.Step(edge)
	a.last = edge
	a.fired++
	a.next = edge.Add(interval)

	return protocol.TickEvent{Source: a.osc.ID(), Timestamp: edge}
}

// Round steps until every agent has fired at least once more.
func (l *Lockstep) Round() {
	target := make([]int, len(l.agents))
	for i, a := range l.agents {
		target[i] = a.fired + 1
	}
	for !l.reached(target) {
		l.Step()
	}
}

func (l *Lockstep) reached(target []int) bool {
	for i, a := range l.agents {
		if a.fired < target[i] {
			return false
		}
	}
	return true
}

// Spread returns the circular spread of the agents' most recent edges.
func (l *Lockstep) Spread() time.Duration {
	edges := make([]time.Time, 0, len(l.agents))
	for _, a := range l.agents {
		if a.fired > 0 {
			edges = append(edges, a.last)
		}
	}
	return phase.Spread(edges, l.cfg.Period)
}

// Oscillators returns the simulated oscillators.
func (l *Lockstep) Oscillators() []*oscillator.Oscillator {
	out := make([]*oscillator.Oscillator, len(l.agents))
	for i, a := range l.agents {
		out[i] = a.osc
	}
	return out
}

// Now returns the current virtual time.
func (l *Lockstep) Now() time.Time {
	return l.clock.Now()
}
