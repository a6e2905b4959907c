package oscillator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/phase"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

// recordingTransport captures everything an oscillator publishes.
type recordingTransport struct {
	mu       sync.Mutex
	ticks    []protocol.TickEvent
	triggers []protocol.TickEvent
	diffs    []protocol.DiffMeasurement
	pending  []time.Time
	closed   bool

	onDrain func()
}

func (r *recordingTransport) PublishTick(ev protocol.TickEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, ev)
}

func (r *recordingTransport) PublishTrigger(ev protocol.TickEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, ev)
}

func (r *recordingTransport) PublishDiff(m protocol.DiffMeasurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, m)
}

func (r *recordingTransport) Drain() []time.Time {
	if r.onDrain != nil {
		r.onDrain()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.pending
	r.pending = nil
	return batch
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) push(ts ...time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, ts...)
}

func testConfig() config.ClockConfig {
	cfg := config.DefaultClockConfig()
	cfg.Period = time.Second
	cfg.Gain = 0.5
	cfg.Precision = 0
	return cfg
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Period = 0
	_, err := New("a", cfg, &recordingTransport{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New("a", testConfig(), nil)
	assert.Error(t, err)
}

func TestStep_TriggerEveryNthTick(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastDivisor = 3
	tr := &recordingTransport{}
	osc, err := New("a", cfg, tr)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		osc.Step(start.Add(time.Duration(i) * time.Second))
	}

	assert.Len(t, tr.ticks, 7)
	require.Len(t, tr.triggers, 3)
	assert.Equal(t, start, tr.triggers[0].Timestamp)
	assert.Equal(t, start.Add(3*time.Second), tr.triggers[1].Timestamp)
	assert.Equal(t, start.Add(6*time.Second), tr.triggers[2].Timestamp)
	assert.Equal(t, uint64(3), osc.Stats().TriggersSent)
}

func TestStep_CorrectionAndPersistence(t *testing.T) {
	tr := &recordingTransport{}
	osc, err := New("a", testConfig(), tr)
	require.NoError(t, err)

	// No samples yet: nominal period, no diff published.
	assert.Equal(t, time.Second, osc.Step(start))
	assert.Empty(t, tr.diffs)

	// Peer ticked 200ms after our edge: slow down by gain*diff.
	edge := start.Add(time.Second)
	tr.push(edge.Add(200 * time.Millisecond))
	assert.Equal(t, 1100*time.Millisecond, osc.Step(edge))
	require.Len(t, tr.diffs, 1)
	assert.Equal(t, "a", tr.diffs[0].Source)
	assert.Equal(t, phase.Relative, tr.diffs[0].Mode)
	assert.InDelta(t, 0.4, tr.diffs[0].Value, 1e-9)

	// Empty batch keeps the previous shift.
	assert.Equal(t, 1100*time.Millisecond, osc.Step(edge.Add(1100*time.Millisecond)))
	assert.Len(t, tr.diffs, 1)
	assert.Equal(t, 100*time.Millisecond, osc.Shift())

	stats := osc.Stats()
	assert.Equal(t, uint64(3), stats.Cycles)
	assert.Equal(t, uint64(1), stats.Corrections)
	assert.Equal(t, uint64(1), stats.SamplesConsumed)
	assert.Equal(t, 200*time.Millisecond, stats.LastDiff)
}

func TestStep_AbsoluteDiffMode(t *testing.T) {
	cfg := testConfig()
	cfg.DiffMode = phase.Absolute
	tr := &recordingTransport{}
	osc, err := New("a", cfg, tr)
	require.NoError(t, err)

	tr.push(start.Add(-250 * time.Millisecond))
	assert.Equal(t, 875*time.Millisecond, osc.Step(start))
	require.Len(t, tr.diffs, 1)
	assert.InDelta(t, -0.25, tr.diffs[0].Value, 1e-9)
}

func TestStep_DeadBandZeroesShift(t *testing.T) {
	cfg := testConfig()
	cfg.Precision = 0.05
	tr := &recordingTransport{}
	osc, err := New("a", cfg, tr)
	require.NoError(t, err)

	tr.push(start.Add(300 * time.Millisecond))
	osc.Step(start)
	assert.Equal(t, 150*time.Millisecond, osc.Shift())

	// 30ms is inside a 5% dead-band: the shift drops back to zero.
	edge := start.Add(1150 * time.Millisecond)
	tr.push(edge.Add(30 * time.Millisecond))
	assert.Equal(t, time.Second, osc.Step(edge))
	assert.Len(t, tr.diffs, 2)
}

func TestRun_CompensatesCycleOverhead(t *testing.T) {
	clock := NewManualClock(start)
	tr := &recordingTransport{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drains := 0
	tr.onDrain = func() {
		// Every cycle spends 30ms of (virtual) time before sleeping.
		clock.Advance(30 * time.Millisecond)
		drains++
		if drains == 5 {
			cancel()
		}
	}

	osc, err := New("a", testConfig(), tr, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, osc.Run(ctx))

	require.Len(t, tr.ticks, 5)
	for i := 1; i < len(tr.ticks); i++ {
		gap := tr.ticks[i].Timestamp.Sub(tr.ticks[i-1].Timestamp)
		assert.Equal(t, time.Second, gap, "tick %d", i)
	}
	assert.True(t, tr.closed, "transport should be closed on shutdown")
}

func TestRun_StopsOnCancel(t *testing.T) {
	tr := &recordingTransport{}
	cfg := testConfig()
	cfg.Period = 10 * time.Millisecond
	osc, err := New("a", cfg, tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- osc.Run(ctx) }()

	require.Eventually(t, func() bool { return osc.Stats().Cycles >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.True(t, tr.closed)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	tr := &recordingTransport{}
	osc, err := New("a", testConfig(), tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, osc.Run(ctx))
	assert.Empty(t, tr.ticks)
	assert.True(t, tr.closed)
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(start)
	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	assert.Equal(t, start.Add(2*time.Second), c.Now())
	assert.Equal(t, 2*time.Second, c.Since(start))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
}
