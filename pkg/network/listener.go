package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// Handler receives every accepted, well-formed datagram.
type Handler func(protocol.Sample)

// ListenerStats is a snapshot of a listener's counters.
type ListenerStats struct {
	Received  uint64 `json:"received"`
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
	Filtered  uint64 `json:"filtered"`
	Broadcast uint64 `json:"broadcast"`
}

// Listener reads decimal ASCII datagrams from one UDP port.
type Listener struct {
	name    protocol.Channel
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	handler Handler
	accept  func(*net.UDPAddr) bool
	logger  *zap.Logger

	received  atomic.Uint64
	accepted  atomic.Uint64
	malformed atomic.Uint64
	filtered  atomic.Uint64
	broadcast atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ListenerOption customizes a Listener.
type ListenerOption func(*Listener)

// WithAccept installs a source filter; datagrams for which it returns false
// are counted and dropped.
func WithAccept(accept func(*net.UDPAddr) bool) ListenerOption {
	return func(l *Listener) { l.accept = accept }
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// Listen binds addr ("host:port", IPv4) and returns a listener ready to Serve.
// With shared set the port may be bound by other agents on the same host.
func Listen(ctx context.Context, name protocol.Channel, addr string, shared bool, handler Handler, opts ...ListenerOption) (*Listener, error) {
	if handler == nil {
		return nil, errors.New("listener: nil handler")
	}

	lc := net.ListenConfig{}
	if shared {
		lc.Control = reuseControl
	}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s listener on %s: %w", name, addr, err)
	}

	l := &Listener{
		name:    name,
		conn:    pc.(*net.UDPConn),
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("listener").With(zap.String("stream", string(name)))

	l.pconn = ipv4.NewPacketConn(l.conn)
	if err := l.pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		l.logger.Debug("destination control messages unavailable", zap.Error(err))
	}

	l.logger.Info("listening", zap.Stringer("addr", l.Addr()))
	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is cancelled or the listener is closed.
// Read errors and malformed payloads never end the loop.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, cm, src, err := l.pconn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.closed.Load() || ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("read failed", zap.Error(err))
			continue
		}
		l.received.Add(1)

		udpAddr, _ := src.(*net.UDPAddr)
		if cm != nil && cm.Dst != nil && cm.Dst.Equal(net.IPv4bcast) {
			l.broadcast.Add(1)
		}
		if l.accept != nil && udpAddr != nil && !l.accept(udpAddr) {
			l.filtered.Add(1)
			continue
		}

		value, err := protocol.DecodeValue(buf[:n])
		if err != nil {
			l.malformed.Add(1)
			l.logger.Debug("dropping datagram", zap.Stringer("from", src), zap.Error(err))
			continue
		}

		l.accepted.Add(1)
		l.handler(protocol.Sample{Addr: udpAddr, Value: value, ReceivedAt: time.Now()})
	}
}

// Close closes the socket; a blocked Serve returns.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// Stats returns a snapshot of the counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Received:  l.received.Load(),
		Accepted:  l.accepted.Load(),
		Malformed: l.malformed.Load(),
		Filtered:  l.filtered.Load(),
		Broadcast: l.broadcast.Load(),
	}
}
