package network

import (
	"context"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// PacketWriter is the part of *net.UDPConn a sender needs.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// SenderStats is a snapshot of a sender's counters.
type SenderStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Sent      uint64 `json:"sent"`
	Coalesced uint64 `json:"coalesced"`
	Failed    uint64 `json:"failed"`
}

// CoalescingSender transmits the freshest queued value. Values superseded
// while the sender was busy or asleep are dropped.
type CoalescingSender struct {
	name    protocol.Channel
	queue   chan float64
	conn    PacketWriter
	targets func() []*net.UDPAddr
	logger  *zap.Logger

	enqueued  atomic.Uint64
	sent      atomic.Uint64
	coalesced atomic.Uint64
	failed    atomic.Uint64
}

// NewCoalescingSender creates a sender writing to every address targets
// returns at transmission time.
func NewCoalescingSender(name protocol.Channel, conn PacketWriter, targets func() []*net.UDPAddr, queueSize int, logger *zap.Logger) *CoalescingSender {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoalescingSender{
		name:    name,
		queue:   make(chan float64, queueSize),
		conn:    conn,
		targets: targets,
		logger:  logger.Named("sender").With(zap.String("stream", string(name))),
	}
}

// Enqueue queues v without blocking. When the queue is full the oldest
// queued value makes room.
func (s *CoalescingSender) Enqueue(v float64) {
	s.enqueued.Add(1)
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case s.queue <- v:
			return
		default:
		}
		select {
		case <-s.queue:
			s.coalesced.Add(1)
		default:
		}
	}
	s.coalesced.Add(1)
}

// Run waits for queued values and sends the latest one of each burst until
// ctx is cancelled.
func (s *CoalescingSender) Run(ctx context.Context) error {
	for {
		var v float64
		select {
		case <-ctx.Done():
			return nil
		case v = <-s.queue:
		}

	drain:
		for {
			select {
			case newer := <-s.queue:
				v = newer
				s.coalesced.Add(1)
			default:
				break drain
			}
		}

		s.transmit(v)
	}
}

func (s *CoalescingSender) transmit(v float64) {
	payload := protocol.EncodeValue(v)
	for _, addr := range s.targets() {
		if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
			s.failed.Add(1)
			s.logger.Debug("send failed", zap.Stringer("to", addr), zap.Error(err))
			continue
		}
		s.sent.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (s *CoalescingSender) Stats() SenderStats {
	return SenderStats{
		Enqueued:  s.enqueued.Load(),
		Sent:      s.sent.Load(),
		Coalesced: s.coalesced.Load(),
		Failed:    s.failed.Load(),
	}
}
