package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/heitortanoue/clocksync/pkg/phase"
)

// AgentState is what the monitor knows about one agent.
type AgentState struct {
	Agent    string    `json:"agent"`
	LastTick time.Time `json:"last_tick,omitempty"`
	HasTick  bool      `json:"has_tick"`
	LastDiff float64   `json:"last_diff"`
	HasDiff  bool      `json:"has_diff"`
	LastSeen uint64    `json:"last_seen_cycle"`
	Ticks    uint64    `json:"ticks"`
	Diffs    uint64    `json:"diffs"`
}

// Summary describes the agents in the registry at one refresh cycle.
type Summary struct {
	Cycle       uint64        `json:"cycle"`
	Agents      int           `json:"agents"`
	Spread      time.Duration `json:"spread"`
	MeanAbsDiff float64       `json:"mean_abs_diff"`
}

// Registry maps agent identity to its latest telemetry. Entries unseen for
// more than evictAfter refresh cycles are dropped by Advance.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*AgentState
	cycle      uint64
	evictAfter uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(evictAfter int) *Registry {
	if evictAfter < 1 {
		evictAfter = 1
	}
	return &Registry{
		agents:     make(map[string]*AgentState),
		evictAfter: uint64(evictAfter),
	}
}

func (r *Registry) touch(agent string) *AgentState {
	st, ok := r.agents[agent]
	if !ok {
		st = &AgentState{Agent: agent}
		r.agents[agent] = st
	}
	st.LastSeen = r.cycle
	return st
}

// RecordTick stores a tick reported by agent.
func (r *Registry) RecordTick(agent string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.touch(agent)
	st.LastTick = at
	st.HasTick = true
	st.Ticks++
}

// RecordDiff stores a diff measurement reported by agent.
func (r *Registry) RecordDiff(agent string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.touch(agent)
	st.LastDiff = value
	st.HasDiff = true
	st.Diffs++
}

// Advance moves to the next refresh cycle and returns the agents evicted,
// sorted.
func (r *Registry) Advance() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycle++
	var evicted []string
	for agent, st := range r.agents {
		if r.cycle-st.LastSeen > r.evictAfter {
			delete(r.agents, agent)
			evicted = append(evicted, agent)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Cycle returns the current refresh cycle.
func (r *Registry) Cycle() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cycle
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Snapshot returns a copy of every entry, sorted by agent.
func (r *Registry) Snapshot() []AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentState, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Summary computes the phase spread of the last ticks and the mean absolute
// diff over the agents that reported one.
func (r *Registry) Summary(period time.Duration) Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{Cycle: r.cycle, Agents: len(r.agents)}
	var ticks []time.Time
	var diffSum float64
	var diffs int
	for _, st := range r.agents {
		if st.HasTick {
			ticks = append(ticks, st.LastTick)
		}
		if st.HasDiff {
			diffSum += math.Abs(st.LastDiff)
			diffs++
		}
	}
	if len(ticks) > 1 {
		s.Spread = phase.Spread(ticks, period)
	}
	if diffs > 0 {
		s.MeanAbsDiff = diffSum / float64(diffs)
	}
	return s
}
