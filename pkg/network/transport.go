package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/inproc"
	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// PeerSource reports the addresses of peers discovered out of band, used as
// additional unicast trigger targets.
type PeerSource interface {
	PeerIPs() []net.IP
}

// TransportStats is a snapshot of the transport's counters.
type TransportStats struct {
	ID       string        `json:"id"`
	Trigger  SenderStats   `json:"trigger"`
	Tick     SenderStats   `json:"tick"`
	Diff     SenderStats   `json:"diff"`
	Listener ListenerStats `json:"listener"`
	Pending  int           `json:"pending"`
}

// Transport is the UDP peer exchange of one networked agent. It implements
// the oscillator transport contract.
type Transport struct {
	id     string
	cfg    config.NetworkConfig
	logger *zap.Logger

	triggerConn *net.UDPConn
	tickConn    *net.UDPConn
	diffConn    *net.UDPConn
	listener    *Listener
	inbox       *inproc.Inbox

	triggerSender *CoalescingSender
	tickSender    *CoalescingSender
	diffSender    *CoalescingSender

	broadcastTarget *net.UDPAddr
	staticTargets   []*net.UDPAddr
	tickTargets     []*net.UDPAddr
	diffTargets     []*net.UDPAddr
	peers           PeerSource
	local           map[string]struct{}

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithPeerSource adds discovered peers as unicast trigger targets.
func WithPeerSource(p PeerSource) TransportOption {
	return func(t *Transport) { t.peers = p }
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport binds every socket of a networked agent and starts its
// listener and sender goroutines. Bind or permission failures are returned;
// the agent cannot run without its transport.
func NewTransport(ctx context.Context, cfg config.NetworkConfig, opts ...TransportOption) (_ *Transport, err error) {
	t := &Transport{
		cfg:    cfg,
		logger: zap.NewNop(),
		inbox:  &inproc.Inbox{},
	}
	for _, opt := range opts {
		opt(t)
	}

	defer func() {
		if err != nil {
			t.closeSockets()
		}
	}()

	if t.local, err = localAddresses(); err != nil {
		return nil, err
	}
	if err = t.resolveTargets(); err != nil {
		return nil, err
	}

	bcast := net.ListenConfig{Control: broadcastControl}
	if t.triggerConn, err = listenUDP(ctx, bcast, cfg.BindAddr); err != nil {
		return nil, fmt.Errorf("failed to open trigger socket: %w", err)
	}
	if t.tickConn, err = listenUDP(ctx, bcast, cfg.BindAddr); err != nil {
		return nil, fmt.Errorf("failed to open tick telemetry socket: %w", err)
	}
	if t.diffConn, err = listenUDP(ctx, bcast, cfg.BindAddr); err != nil {
		return nil, fmt.Errorf("failed to open diff telemetry socket: %w", err)
	}

	t.id = t.identity()
	t.logger = t.logger.With(zap.String("agent", t.id))

	listenAddr := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.TriggerPort))
	t.listener, err = Listen(ctx, protocol.TriggerChannel, listenAddr, true, t.receiveTrigger,
		WithAccept(t.acceptTrigger), WithListenerLogger(t.logger))
	if err != nil {
		return nil, err
	}

	t.triggerSender = NewCoalescingSender(protocol.TriggerChannel, t.triggerConn, t.triggerTargets, cfg.QueueSize, t.logger)
	t.tickSender = NewCoalescingSender(protocol.TickChannel, t.tickConn, func() []*net.UDPAddr { return t.tickTargets }, cfg.QueueSize, t.logger)
	t.diffSender = NewCoalescingSender(protocol.DiffChannel, t.diffConn, func() []*net.UDPAddr { return t.diffTargets }, cfg.QueueSize, t.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return t.listener.Serve(gctx) })
	g.Go(func() error { return t.triggerSender.Run(gctx) })
	g.Go(func() error { return t.tickSender.Run(gctx) })
	g.Go(func() error { return t.diffSender.Run(gctx) })
	t.group = g

	t.logger.Info("network transport ready",
		zap.Stringer("trigger_listen", t.listener.Addr()),
		zap.Stringer("broadcast", t.broadcastTarget),
		zap.Int("static_peers", len(t.staticTargets)),
		zap.Int("monitors", len(t.tickTargets)))
	return t, nil
}

func listenUDP(ctx context.Context, lc net.ListenConfig, host string) (*net.UDPConn, error) {
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func (t *Transport) resolveTargets() error {
	var err error
	bcast := net.JoinHostPort(t.cfg.BroadcastAddr, strconv.Itoa(t.cfg.TriggerPort))
	if t.broadcastTarget, err = net.ResolveUDPAddr("udp4", bcast); err != nil {
		return fmt.Errorf("invalid broadcast address %s: %w", bcast, err)
	}

	for _, peer := range t.cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp4", peer)
		if err != nil {
			return fmt.Errorf("invalid peer address %s: %w", peer, err)
		}
		t.staticTargets = append(t.staticTargets, addr)
	}

	for _, host := range t.cfg.MonitorHosts {
		tick, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(t.cfg.TickPort)))
		if err != nil {
			return fmt.Errorf("invalid monitor host %s: %w", host, err)
		}
		diff, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(t.cfg.DiffPort)))
		if err != nil {
			return fmt.Errorf("invalid monitor host %s: %w", host, err)
		}
		t.tickTargets = append(t.tickTargets, tick)
		t.diffTargets = append(t.diffTargets, diff)
	}
	return nil
}

// identity is the agent's network identity: the host it sends from and the
// port of its trigger socket.
func (t *Transport) identity() string {
	addr := t.triggerConn.LocalAddr().(*net.UDPAddr)
	host := addr.IP
	if host == nil || host.IsUnspecified() {
		if ip := outboundIP(); ip != nil {
			host = ip
		}
	}
	return net.JoinHostPort(host.String(), strconv.Itoa(addr.Port))
}

// triggerTargets lists the broadcast address, the static peers and every
// discovered peer at the trigger port.
func (t *Transport) triggerTargets() []*net.UDPAddr {
	targets := make([]*net.UDPAddr, 0, 1+len(t.staticTargets))
	targets = append(targets, t.broadcastTarget)
	targets = append(targets, t.staticTargets...)
	if t.peers != nil {
		for _, ip := range t.peers.PeerIPs() {
			if t.isLocal(ip) {
				continue
			}
			targets = append(targets, &net.UDPAddr{IP: ip, Port: t.cfg.TriggerPort})
		}
	}
	return targets
}

// acceptTrigger drops the agent's own triggers, recognised by the local
// source address and the trigger socket's port.
func (t *Transport) acceptTrigger(src *net.UDPAddr) bool {
	return !t.isSelf(src)
}

func (t *Transport) isSelf(src *net.UDPAddr) bool {
	own := t.triggerConn.LocalAddr().(*net.UDPAddr)
	return src.Port == own.Port && t.isLocal(src.IP)
}

func (t *Transport) isLocal(ip net.IP) bool {
	_, ok := t.local[ip.String()]
	return ok
}

func (t *Transport) receiveTrigger(s protocol.Sample) {
	t.inbox.Push(s.Time())
}

// ID returns the agent's network identity.
func (t *Transport) ID() string { return t.id }

// ListenAddr returns the bound trigger listener address.
func (t *Transport) ListenAddr() *net.UDPAddr { return t.listener.Addr() }

// PublishTick implements oscillator.Transport.
func (t *Transport) PublishTick(ev protocol.TickEvent) {
	t.tickSender.Enqueue(protocol.Seconds(ev.Timestamp))
}

// PublishTrigger implements oscillator.Transport.
func (t *Transport) PublishTrigger(ev protocol.TickEvent) {
	t.triggerSender.Enqueue(protocol.Seconds(ev.Timestamp))
}

// PublishDiff implements oscillator.Transport.
func (t *Transport) PublishDiff(m protocol.DiffMeasurement) {
	t.diffSender.Enqueue(m.Value)
}

// Drain implements oscillator.Transport.
func (t *Transport) Drain() []time.Time {
	return t.inbox.Drain()
}

// Stats returns a snapshot of the transport's counters.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		ID:       t.id,
		Trigger:  t.triggerSender.Stats(),
		Tick:     t.tickSender.Stats(),
		Diff:     t.diffSender.Stats(),
		Listener: t.listener.Stats(),
		Pending:  t.inbox.Len(),
	}
}

// Close stops the helper goroutines and closes every socket.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		waitErr := t.group.Wait()
		t.closeErr = errors.Join(waitErr, t.closeSockets())
		t.logger.Info("network transport closed")
	})
	return t.closeErr
}

func (t *Transport) closeSockets() error {
	var errs []error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range []*net.UDPConn{t.triggerConn, t.tickConn, t.diffConn} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// localAddresses returns every IP assigned to this host.
func localAddresses() (map[string]struct{}, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}
	local := map[string]struct{}{
		"127.0.0.1": {},
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			local[ipnet.IP.String()] = struct{}{}
		}
	}
	return local, nil
}

// outboundIP guesses the address this host uses for outgoing traffic. No
// packet is sent.
func outboundIP() net.IP {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return nil
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
