package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heitortanoue/clocksync/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func clockConfig(gain, precision float64) config.ClockConfig {
	cfg := config.DefaultClockConfig()
	cfg.Period = time.Second
	cfg.Gain = gain
	cfg.Precision = precision
	return cfg
}

func mean(ds []time.Duration) float64 {
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return float64(sum) / float64(len(ds))
}

func TestLockstep_TwoAgentsConverge(t *testing.T) {
	ls, err := NewLockstep(clockConfig(0.5, 0), start, []time.Duration{0, 300 * time.Millisecond}, nil)
	require.NoError(t, err)

	var spreads []time.Duration
	for i := 0; i < 20; i++ {
		ls.Round()
		spreads = append(spreads, ls.Spread())
	}

	assert.Equal(t, 300*time.Millisecond, spreads[0])
	assert.Less(t, spreads[len(spreads)-1], 50*time.Millisecond, "spreads: %v", spreads)
	assert.Less(t, mean(spreads[10:]), mean(spreads[:10]), "phase difference should shrink on average: %v", spreads)
}

func TestLockstep_DeadBandLocks(t *testing.T) {
	ls, err := NewLockstep(clockConfig(0.5, 0.01), start, []time.Duration{0, 300 * time.Millisecond}, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ls.Round()
	}
	assert.Less(t, ls.Spread(), 10*time.Millisecond)
}

func TestLockstep_FourAgentsConverge(t *testing.T) {
	offsets := []time.Duration{0, 200 * time.Millisecond, 450 * time.Millisecond, 700 * time.Millisecond}
	ls, err := NewLockstep(clockConfig(0.5, 0), start, offsets, nil)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		ls.Round()
	}
	assert.Less(t, ls.Spread(), 50*time.Millisecond)

	for _, osc := range ls.Oscillators() {
		stats := osc.Stats()
		assert.GreaterOrEqual(t, stats.Cycles, uint64(30))
		assert.Greater(t, stats.Corrections, uint64(0))
	}
}

func TestLockstep_StepOrdersByEdge(t *testing.T) {
	ls, err := NewLockstep(clockConfig(0.5, 0), start, []time.Duration{400 * time.Millisecond, 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	first := ls.Step()
	assert.Equal(t, "clock-1", first.Source)
	assert.Equal(t, start.Add(100*time.Millisecond), first.Timestamp)
	assert.Equal(t, first.Timestamp, ls.Now())

	second := ls.Step()
	assert.Equal(t, "clock-0", second.Source)
}

func TestNewLockstep_RejectsInvalidConfig(t *testing.T) {
	cfg := clockConfig(0.5, 0)
	cfg.Period = 0
	_, err := NewLockstep(cfg, start, []time.Duration{0, 0}, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSimulation_RunsAndStops(t *testing.T) {
	cfg := clockConfig(0.5, 0)
	cfg.Period = 20 * time.Millisecond

	s, err := New(cfg, 3, true, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))

	for _, osc := range s.Oscillators() {
		assert.Greater(t, osc.Stats().Cycles, uint64(1), osc.ID())
	}
	assert.NotEmpty(t, s.Ticks())
}

func TestNew_RejectsNoAgents(t *testing.T) {
	_, err := New(clockConfig(0.5, 0), 0, false, nil)
	assert.Error(t, err)
}
