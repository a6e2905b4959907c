package oscillator

import (
	"time"

	"github.com/heitortanoue/clocksync/pkg/protocol"
)

// Transport carries an oscillator's events to its peers and telemetry
// consumers, and collects peer ticks for it. Publish calls must not block.
type Transport interface {
	// PublishTick emits a tick on the telemetry stream.
	PublishTick(ev protocol.TickEvent)
	// PublishTrigger propagates a tick to peers.
	PublishTrigger(ev protocol.TickEvent)
	// PublishDiff emits a diff measurement on the telemetry stream.
	PublishDiff(m protocol.DiffMeasurement)
	// Drain returns every peer tick received since the previous call, in
	// arrival order. It never blocks and may return an empty slice.
	Drain() []time.Time
	// Close releases the transport's resources.
	Close() error
}
