package network

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// monitorPorts starts loopback tick and diff listeners and returns the
// channels they deliver to.
func monitorPorts(t *testing.T) (tickPort, diffPort int, ticks, diffs chan protocol.Sample) {
	t.Helper()
	ticks = make(chan protocol.Sample, 16)
	diffs = make(chan protocol.Sample, 16)

	tl, err := Listen(context.Background(), "tick", "127.0.0.1:0", false, func(s protocol.Sample) { ticks <- s })
	require.NoError(t, err)
	dl, err := Listen(context.Background(), "diff", "127.0.0.1:0", false, func(s protocol.Sample) { diffs <- s })
	require.NoError(t, err)

	stopTick := serve(t, tl)
	stopDiff := serve(t, dl)
	t.Cleanup(func() {
		_ = stopTick()
		_ = stopDiff()
	})
	return tl.Addr().Port, dl.Addr().Port, ticks, diffs
}

func loopbackConfig(t *testing.T, triggerPort, tickPort, diffPort int) config.NetworkConfig {
	t.Helper()
	cfg := config.DefaultConfig().Network
	cfg.BindAddr = "127.0.0.1"
	cfg.BroadcastAddr = "127.0.0.1"
	cfg.TriggerPort = triggerPort
	cfg.TickPort = tickPort
	cfg.DiffPort = diffPort
	cfg.MonitorHosts = []string{"127.0.0.1"}
	cfg.QueueSize = 8
	return cfg
}

func newTransport(t *testing.T, cfg config.NetworkConfig) *Transport {
	t.Helper()
	tr, err := NewTransport(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// collect drains tr until it has returned at least n triggers.
func collect(t *testing.T, tr *Transport, n int) []time.Time {
	t.Helper()
	var got []time.Time
	require.Eventually(t, func() bool {
		got = append(got, tr.Drain()...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestTransport_IgnoresOwnTriggers(t *testing.T) {
	tickPort, diffPort, _, _ := monitorPorts(t)
	tr := newTransport(t, loopbackConfig(t, findFreeUDPPort(t), tickPort, diffPort))

	tr.PublishTrigger(protocol.TickEvent{Source: tr.ID(), Timestamp: time.Unix(1700000000, 0)})
	require.Eventually(t, func() bool { return tr.Stats().Listener.Filtered >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Drain())

	client := dial(t, tr.ListenAddr())
	_, err := client.Write([]byte("1700000000.5"))
	require.NoError(t, err)

	got := collect(t, tr, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 1700000000.5, protocol.Seconds(got[0]))
}

func TestTransport_PeersExchangeTriggers(t *testing.T) {
	tickPort, diffPort, _, _ := monitorPorts(t)
	portA := findFreeUDPPort(t)
	portB := findFreeUDPPort(t)

	cfgA := loopbackConfig(t, portA, tickPort, diffPort)
	cfgA.Peers = []string{net.JoinHostPort("127.0.0.1", itoa(portB))}
	cfgB := loopbackConfig(t, portB, tickPort, diffPort)
	cfgB.Peers = []string{net.JoinHostPort("127.0.0.1", itoa(portA))}

	a := newTransport(t, cfgA)
	b := newTransport(t, cfgB)
	assert.NotEqual(t, a.ID(), b.ID())

	ts := time.Unix(1700000123, 250_000_000)
	a.PublishTrigger(protocol.TickEvent{Source: a.ID(), Timestamp: ts})

	got := collect(t, b, 1)
	assert.InDelta(t, protocol.Seconds(ts), protocol.Seconds(got[0]), 1e-6)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.Drain(), "an agent must not receive its own trigger")
}

func TestTransport_TelemetryReachesMonitor(t *testing.T) {
	tickPort, diffPort, ticks, diffs := monitorPorts(t)
	tr := newTransport(t, loopbackConfig(t, findFreeUDPPort(t), tickPort, diffPort))

	ts := time.Unix(1700000000, 500_000_000)
	tr.PublishTick(protocol.TickEvent{Source: tr.ID(), Timestamp: ts})
	tr.PublishDiff(protocol.DiffMeasurement{Source: tr.ID(), Value: 0.25})

	select {
	case s := <-ticks:
		assert.InDelta(t, 1700000000.5, s.Value, 1e-6)
	case <-time.After(2 * time.Second):
		t.Fatal("tick telemetry not received")
	}
	select {
	case s := <-diffs:
		assert.Equal(t, 0.25, s.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("diff telemetry not received")
	}

	stats := tr.Stats()
	assert.Equal(t, tr.ID(), stats.ID)
	assert.Equal(t, uint64(1), stats.Tick.Sent)
	assert.Equal(t, uint64(1), stats.Diff.Sent)
}

func TestTransport_BindFailure(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("exclusive bind semantics checked on linux only")
	}
	occupied, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer occupied.Close()

	cfg := loopbackConfig(t, occupied.LocalAddr().(*net.UDPAddr).Port, 16321, 16322)
	_, err = NewTransport(context.Background(), cfg)
	assert.Error(t, err)
}

func TestTransport_InvalidPeer(t *testing.T) {
	cfg := loopbackConfig(t, findFreeUDPPort(t), 16321, 16322)
	cfg.Peers = []string{"not an address"}
	_, err := NewTransport(context.Background(), cfg)
	assert.Error(t, err)
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	tr, err := NewTransport(context.Background(), loopbackConfig(t, findFreeUDPPort(t), 16321, 16322))
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

type staticPeers []net.IP

func (p staticPeers) PeerIPs() []net.IP { return p }

func TestTransport_TriggerTargetsSkipLocalPeers(t *testing.T) {
	cfg := loopbackConfig(t, findFreeUDPPort(t), 16321, 16322)
	cfg.Peers = []string{"127.0.0.1:17000"}
	tr, err := NewTransport(context.Background(), cfg,
		WithPeerSource(staticPeers{net.IPv4(127, 0, 0, 1), net.IPv4(192, 0, 2, 10)}))
	require.NoError(t, err)
	defer tr.Close()

	var got []string
	for _, addr := range tr.triggerTargets() {
		got = append(got, addr.String())
	}
	assert.Equal(t, []string{
		net.JoinHostPort("127.0.0.1", itoa(cfg.TriggerPort)),
		"127.0.0.1:17000",
		net.JoinHostPort("192.0.2.10", itoa(cfg.TriggerPort)),
	}, got)
}

func itoa(n int) string { return strconv.Itoa(n) }
