package swim

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/logging"
)

// swimEvents implements memberlist.EventDelegate and logs membership changes.
type swimEvents struct {
	nodeID string
	events *logging.EventLogger
}

func (e *swimEvents) NotifyJoin(n *memberlist.Node) {
	if n.Name != e.nodeID {
		e.events.LogPeerJoin(n.Name, n.Address())
	}
}

func (e *swimEvents) NotifyLeave(n *memberlist.Node) {
	e.events.LogPeerLeave(n.Name)
}

func (e *swimEvents) NotifyUpdate(n *memberlist.Node) {
	e.events.LogPeerUpdate(n.Name)
}

// Stats summarizes the local view of the cluster.
type Stats struct {
	NodeID       string `json:"node_id"`
	TotalMembers int    `json:"total_members"`
	LiveMembers  int    `json:"live_members"`
	LocalAddr    string `json:"local_addr"`
}

// MembershipManager wraps a memberlist instance. Agents use it to learn the
// addresses of peers they should send triggers to.
type MembershipManager struct {
	ml     *memberlist.Memberlist
	nodeID string
	events *logging.EventLogger
	logger *zap.Logger
}

// NewMembershipManager starts a memberlist node and joins the configured
// seeds. Seed join is retried with exponential backoff until it succeeds,
// JoinTimeout elapses or ctx is cancelled; a failed join leaves the node
// running alone.
func NewMembershipManager(ctx context.Context, cfg config.MembershipConfig, logger *zap.Logger) (*MembershipManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nodeID := cfg.NodeName
	if nodeID == "" {
		nodeID = "clocksync-" + uuid.NewString()
	}
	logger = logger.Named("swim").With(zap.String("node_id", nodeID))

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = nodeID
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	stdLog, err := zap.NewStdLogAt(logger, zapcore.DebugLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to adapt memberlist logger: %w", err)
	}
	mlCfg.Logger = stdLog

	events := logging.NewEventLogger(nodeID, logger)
	mlCfg.Events = &swimEvents{nodeID: nodeID, events: events}

	mlCfg.PushPullInterval = 30 * time.Second
	mlCfg.ProbeTimeout = time.Second
	mlCfg.ProbeInterval = 5 * time.Second

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	m := &MembershipManager{
		ml:     ml,
		nodeID: nodeID,
		events: events,
		logger: logger,
	}
	logger.Info("membership started", zap.String("addr", m.LocalAddr()))

	seeds := make([]string, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		if seed != nodeID && seed != m.LocalAddr() {
			seeds = append(seeds, seed)
		}
	}
	if len(seeds) > 0 {
		if err := m.joinSeeds(ctx, seeds, cfg.JoinTimeout); err != nil {
			events.LogError("join", err)
		}
	}
	return m, nil
}

func (m *MembershipManager) joinSeeds(ctx context.Context, seeds []string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		n, err := m.ml.Join(seeds)
		if err != nil {
			m.logger.Debug("seed join failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		m.logger.Info("joined cluster", zap.Int("contacted", n), zap.Strings("seeds", seeds))
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("failed to join seeds %v after %d attempts: %w", seeds, attempt, err)
	}
	return nil
}

// LiveMembers returns the alive members other than this node.
func (m *MembershipManager) LiveMembers() []*memberlist.Node {
	all := m.ml.Members()
	live := make([]*memberlist.Node, 0, len(all))
	for _, member := range all {
		if member.Name != m.nodeID {
			live = append(live, member)
		}
	}
	return live
}

// PeerIPs returns the addresses of the live members. It satisfies
// network.PeerSource.
func (m *MembershipManager) PeerIPs() []net.IP {
	members := m.LiveMembers()
	ips := make([]net.IP, 0, len(members))
	for _, member := range members {
		ips = append(ips, member.Addr)
	}
	return ips
}

// MemberCount returns the number of members, this node included.
func (m *MembershipManager) MemberCount() int {
	return m.ml.NumMembers()
}

// NodeID returns this node's name.
func (m *MembershipManager) NodeID() string {
	return m.nodeID
}

// LocalAddr returns the memberlist address of this node.
func (m *MembershipManager) LocalAddr() string {
	return m.ml.LocalNode().Address()
}

// Join contacts one more node.
func (m *MembershipManager) Join(addr string) error {
	n, err := m.ml.Join([]string{addr})
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", addr, err)
	}
	m.logger.Info("joined node", zap.String("addr", addr), zap.Int("contacted", n))
	return nil
}

// Stats returns a snapshot of the cluster view.
func (m *MembershipManager) Stats() Stats {
	return Stats{
		NodeID:       m.nodeID,
		TotalMembers: m.ml.NumMembers(),
		LiveMembers:  len(m.LiveMembers()),
		LocalAddr:    m.LocalAddr(),
	}
}

// Leave announces departure and waits up to timeout for it to propagate.
func (m *MembershipManager) Leave(timeout time.Duration) error {
	if err := m.ml.Leave(timeout); err != nil {
		return fmt.Errorf("failed to leave cluster: %w", err)
	}
	return nil
}

// Shutdown stops the memberlist node.
func (m *MembershipManager) Shutdown() error {
	if err := m.ml.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down memberlist: %w", err)
	}
	return nil
}
