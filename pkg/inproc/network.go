package inproc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// Options configures a Network.
type Options struct {
	// QueueSize bounds the trigger and telemetry channels per agent.
	QueueSize int
	// Synchronous delivers triggers inline from the publishing goroutine
	// instead of through the relay. Used for lockstep simulation.
	Synchronous bool
	Logger      *zap.Logger
}

// Network is the in-process peer exchange for a fixed set of agents.
type Network struct {
	ids     []string
	inboxes map[string]*Inbox

	triggers chan protocol.TickEvent
	ticks    chan protocol.TickEvent
	diffs    chan protocol.DiffMeasurement

	synchronous bool
	logger      *zap.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64

	mu      sync.Mutex
	running bool
}

// NewNetwork creates a network with one inbox per id.
func NewNetwork(ids []string, opts Options) (*Network, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("inproc: network needs at least one agent")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	inboxes := make(map[string]*Inbox, len(ids))
	for _, id := range ids {
		if _, dup := inboxes[id]; dup {
			return nil, fmt.Errorf("inproc: duplicate agent id %q", id)
		}
		inboxes[id] = &Inbox{}
	}

	capacity := opts.QueueSize * len(ids)
	return &Network{
		ids:         append([]string(nil), ids...),
		inboxes:     inboxes,
		triggers:    make(chan protocol.TickEvent, capacity),
		ticks:       make(chan protocol.TickEvent, capacity),
		diffs:       make(chan protocol.DiffMeasurement, capacity),
		synchronous: opts.Synchronous,
		logger:      opts.Logger.Named("relay"),
	}, nil
}

// IDs returns the agent ids in registration order.
func (n *Network) IDs() []string {
	return append([]string(nil), n.ids...)
}

// Endpoint returns the transport for the agent id.
func (n *Network) Endpoint(id string) (*Endpoint, error) {
	inbox, ok := n.inboxes[id]
	if !ok {
		return nil, fmt.Errorf("inproc: unknown agent id %q", id)
	}
	return &Endpoint{id: id, net: n, inbox: inbox}, nil
}

// Ticks returns the tick telemetry stream of all agents.
func (n *Network) Ticks() <-chan protocol.TickEvent {
	return n.ticks
}

// Diffs returns the diff telemetry stream of all agents.
func (n *Network) Diffs() <-chan protocol.DiffMeasurement {
	return n.diffs
}

// Run is the relay actor. It fans triggers out until ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("inproc: relay already running")
	}
	n.running = true
	n.mu.Unlock()

	n.logger.Debug("relay started", zap.Int("agents", len(n.ids)))
	defer n.logger.Debug("relay stopped",
		zap.Uint64("delivered", n.delivered.Load()),
		zap.Uint64("dropped", n.dropped.Load()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.triggers:
			n.fanOut(ev)
		}
	}
}

// Delivered returns how many timestamps were appended to inboxes.
func (n *Network) Delivered() uint64 {
	return n.delivered.Load()
}

// Dropped returns how many events were discarded because a queue was full.
func (n *Network) Dropped() uint64 {
	return n.dropped.Load()
}

// fanOut appends the trigger to every inbox except the publisher's own.
func (n *Network) fanOut(ev protocol.TickEvent) {
	for _, id := range n.ids {
		if id == ev.Source {
			continue
		}
		n.inboxes[id].Push(ev.Timestamp)
		n.delivered.Add(1)
	}
}

func (n *Network) publishTrigger(ev protocol.TickEvent) {
	if n.synchronous {
		n.fanOut(ev)
		return
	}
	select {
	case n.triggers <- ev:
	default:
		n.dropped.Add(1)
	}
}

func (n *Network) publishTick(ev protocol.TickEvent) {
	select {
	case n.ticks <- ev:
	default:
		n.dropped.Add(1)
	}
}

func (n *Network) publishDiff(m protocol.DiffMeasurement) {
	select {
	case n.diffs <- m:
	default:
		n.dropped.Add(1)
	}
}

// Endpoint is one agent's view of the network. It implements the
// oscillator transport contract.
type Endpoint struct {
	id     string
	net    *Network
	inbox  *Inbox
	closed atomic.Bool
}

// ID returns the agent id of the endpoint.
func (e *Endpoint) ID() string { return e.id }

// PublishTick implements oscillator.Transport.
func (e *Endpoint) PublishTick(ev protocol.TickEvent) {
	if e.closed.Load() {
		return
	}
	e.net.publishTick(ev)
}

// PublishTrigger implements oscillator.Transport.
func (e *Endpoint) PublishTrigger(ev protocol.TickEvent) {
	if e.closed.Load() {
		return
	}
	e.net.publishTrigger(ev)
}

// PublishDiff implements oscillator.Transport.
func (e *Endpoint) PublishDiff(m protocol.DiffMeasurement) {
	if e.closed.Load() {
		return
	}
	e.net.publishDiff(m)
}

// Drain implements oscillator.Transport.
func (e *Endpoint) Drain() []time.Time {
	return e.inbox.Drain()
}

// Close detaches the endpoint; later publishes are ignored.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	return nil
}
