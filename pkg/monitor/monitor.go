package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/logging"
	"github.com/heitortanoue/clocksync/pkg/network"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// Monitor consumes the telemetry streams of every agent in range.
type Monitor struct {
	period  time.Duration
	refresh time.Duration

	registry *Registry
	hub      *Hub
	ticks    *network.Listener
	diffs    *network.Listener
	server   *server

	events *logging.EventLogger
	logger *zap.Logger
}

// New binds the telemetry listeners, and the HTTP feed when
// cfg.Monitor.HTTPAddr is set. Call Run to start consuming.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Monitor, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock.Period <= 0 {
		return nil, fmt.Errorf("%w: clock period must be positive", config.ErrInvalidConfig)
	}
	logger = logger.Named("monitor")

	m := &Monitor{
		period:   cfg.Clock.Period,
		refresh:  cfg.MonitorRefresh(),
		registry: NewRegistry(cfg.Monitor.EvictAfter),
		hub:      NewHub(logger),
		events:   logging.NewEventLogger("monitor", logger),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	host := cfg.Network.BindAddr
	m.ticks, err = network.Listen(ctx, protocol.TickChannel, net.JoinHostPort(host, strconv.Itoa(cfg.Network.TickPort)), false,
		m.handleTick, network.WithListenerLogger(logger))
	if err != nil {
		return nil, err
	}
	m.diffs, err = network.Listen(ctx, protocol.DiffChannel, net.JoinHostPort(host, strconv.Itoa(cfg.Network.DiffPort)), false,
		m.handleDiff, network.WithListenerLogger(logger))
	if err != nil {
		return nil, err
	}

	if cfg.Monitor.HTTPAddr != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", cfg.Monitor.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to bind http feed on %s: %w", cfg.Monitor.HTTPAddr, err)
		}
		m.server = newServer(m, ln)
	}
	return m, nil
}

// Registry returns the agent registry.
func (m *Monitor) Registry() *Registry { return m.registry }

// Hub returns the websocket hub.
func (m *Monitor) Hub() *Hub { return m.hub }

// TickAddr returns the bound tick telemetry address.
func (m *Monitor) TickAddr() *net.UDPAddr { return m.ticks.Addr() }

// DiffAddr returns the bound diff telemetry address.
func (m *Monitor) DiffAddr() *net.UDPAddr { return m.diffs.Addr() }

// HTTPAddr returns the bound HTTP address, or nil when the feed is disabled.
func (m *Monitor) HTTPAddr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.ln.Addr()
}

// agentOf identifies the sending agent by its source IP. Tick and diff
// telemetry leave an agent from different sockets, so the port is not part
// of the identity.
func agentOf(s protocol.Sample) string {
	if s.Addr == nil {
		return "unknown"
	}
	return s.Addr.IP.String()
}

func (m *Monitor) handleTick(s protocol.Sample) {
	agent := agentOf(s)
	at := s.Time()
	m.registry.RecordTick(agent, at)
	m.hub.Publish(Event{Kind: "tick", Agent: agent, Value: s.Value, At: at})
}

func (m *Monitor) handleDiff(s protocol.Sample) {
	agent := agentOf(s)
	m.registry.RecordDiff(agent, s.Value)
	m.hub.Publish(Event{Kind: "diff", Agent: agent, Value: s.Value, At: s.ReceivedAt})
}

// Refresh advances the registry one cycle, logs evictions and the summary,
// and publishes the summary on the feed.
func (m *Monitor) Refresh() Summary {
	if evicted := m.registry.Advance(); len(evicted) > 0 {
		m.events.LogEviction(evicted)
	}
	summary := m.registry.Summary(m.period)
	if summary.Agents > 0 {
		m.events.LogSummary(summary.Agents, summary.Spread, summary.MeanAbsDiff)
	}
	m.hub.Publish(Event{Kind: "summary", At: time.Now(), Summary: &summary})
	return summary
}

func (m *Monitor) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// Run consumes telemetry until ctx is cancelled. Every socket is closed
// when it returns.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.ticks.Serve(gctx) })
	g.Go(func() error { return m.diffs.Serve(gctx) })
	g.Go(func() error { return m.hub.Run(gctx) })
	g.Go(func() error { return m.refreshLoop(gctx) })
	if m.server != nil {
		g.Go(func() error { return m.server.serve(gctx) })
	}

	m.logger.Info("monitor running",
		zap.Stringer("tick", m.TickAddr()),
		zap.Stringer("diff", m.DiffAddr()),
		zap.Duration("refresh", m.refresh))
	return g.Wait()
}

// Close releases the sockets of a monitor that is not running.
func (m *Monitor) Close() error {
	var errs []error
	for _, l := range []*network.Listener{m.ticks, m.diffs} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if m.server != nil {
		if err := m.server.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
