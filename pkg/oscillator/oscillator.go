package oscillator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/phase"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// Stats is a snapshot of an oscillator's counters.
type Stats struct {
	ID              string        `json:"id"`
	Cycles          uint64        `json:"cycles"`
	TriggersSent    uint64        `json:"triggers_sent"`
	SamplesConsumed uint64        `json:"samples_consumed"`
	Corrections     uint64        `json:"corrections"`
	LastDiff        time.Duration `json:"last_diff"`
	Shift           time.Duration `json:"shift"`
}

// Oscillator drives one agent's logical clock.
type Oscillator struct {
	id        string
	cfg       config.ClockConfig
	transport Transport
	clock     Clock
	logger    *zap.Logger

	// Cycle state, touched only by the goroutine running the loop.
	shift   time.Duration
	counter int

	mu    sync.RWMutex
	stats Stats
}

// Option customizes an Oscillator.
type Option func(*Oscillator)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(o *Oscillator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Oscillator) { o.logger = l }
}

// New validates cfg and builds an oscillator bound to transport.
func New(id string, cfg config.ClockConfig, transport Transport, opts ...Option) (*Oscillator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("oscillator: nil transport")
	}

	o := &Oscillator{
		id:        id,
		cfg:       cfg,
		transport: transport,
		clock:     RealClock(),
		logger:    zap.NewNop(),
		stats:     Stats{ID: id},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("clock", id))
	return o, nil
}

// ID returns the oscillator's identity.
func (o *Oscillator) ID() string {
	return o.id
}

// Run fires edges until ctx is cancelled, then closes the transport. The
// sleep after each cycle is shortened by the time the cycle itself took, so
// publishing and estimation overhead does not stretch the period.
func (o *Oscillator) Run(ctx context.Context) error {
	o.logger.Info("oscillator started",
		zap.Duration("period", o.cfg.Period),
		zap.Int("broadcast_divisor", o.cfg.BroadcastDivisor),
		zap.Float64("gain", o.cfg.Gain),
		zap.Float64("precision", o.cfg.Precision))

	defer func() {
		if err := o.transport.Close(); err != nil {
			o.logger.Warn("failed to close transport", zap.Error(err))
		}
		o.logger.Info("oscillator stopped", zap.Uint64("cycles", o.Stats().Cycles))
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		edge := o.clock.Now()
		interval := o.Step(edge)

		wait := interval - o.clock.Since(edge)
		if wait < 0 {
			o.logger.Warn("cycle overran its interval", zap.Duration("overrun", -wait))
			wait = 0
		}
		if err := o.clock.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// Step runs one cycle with the given rising edge and returns the interval
// until the next edge: the period plus the current correction.
func (o *Oscillator) Step(edge time.Time) time.Duration {
	tick := protocol.TickEvent{Source: o.id, Timestamp: edge}
	o.transport.PublishTick(tick)

	triggered := o.counter == 0
	if triggered {
		o.transport.PublishTrigger(tick)
	}

	samples := o.transport.Drain()
	corrected := false
	var diff time.Duration
	if len(samples) > 0 {
		diff = phase.EstimateDifference(edge, samples, o.cfg.Period)
		o.transport.PublishDiff(protocol.DiffMeasurement{
			Source: o.id,
			Value:  phase.Normalize(diff, o.cfg.Period, o.cfg.DiffMode),
			Mode:   o.cfg.DiffMode,
		})
		o.shift = phase.ComputeShift(diff, o.cfg.Gain, o.cfg.Period, o.cfg.Precision)
		corrected = true
	}

	o.counter = (o.counter + 1) % o.cfg.BroadcastDivisor

	o.mu.Lock()
	o.stats.Cycles++
	if triggered {
		o.stats.TriggersSent++
	}
	if corrected {
		o.stats.SamplesConsumed += uint64(len(samples))
		o.stats.Corrections++
		o.stats.LastDiff = diff
	}
	o.stats.Shift = o.shift
	o.mu.Unlock()

	if ce := o.logger.Check(zap.DebugLevel, "cycle"); ce != nil {
		ce.Write(
			zap.Time("edge", edge),
			zap.Bool("trigger", triggered),
			zap.Int("samples", len(samples)),
			zap.Duration("diff", diff),
			zap.Duration("shift", o.shift))
	}

	return o.cfg.Period + o.shift
}

// Shift returns the correction currently applied to each period.
func (o *Oscillator) Shift() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stats.Shift
}

// Stats returns a snapshot of the oscillator's counters.
func (o *Oscillator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stats
}

// String implements fmt.Stringer.
func (o *Oscillator) String() string {
	return fmt.Sprintf("oscillator(%s, period=%v)", o.id, o.cfg.Period)
}
