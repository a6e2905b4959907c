package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/network"
	"github.com/heitortanoue/clocksync/pkg/oscillator"
	"github.com/heitortanoue/clocksync/swim"
)

var (
	agentBind       string
	agentBroadcast  string
	agentTrigger    int
	agentTick       int
	agentDiff       int
	agentMonitors   []string
	agentPeers      string
	agentSeeds      []string
	agentMembership bool
	agentSwimPort   int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one networked clock",
	Long: `Runs a single oscillator that exchanges triggers with its peers over
UDP broadcast, optional static peers, and peers discovered through SWIM
membership. Tick and diff telemetry are sent to every monitor host.

Example:
  clocksync agent --broadcast 192.168.1.255 --alpha 0.5
  clocksync agent --join 192.168.1.10:7946 --monitor 192.168.1.2`,
	RunE: runAgent,
}

func init() {
	addAgentFlags(agentCmd.Flags())
}

func addAgentFlags(flags *pflag.FlagSet) {
	flags.StringVar(&agentBind, "bind", "", "Bind address")
	flags.StringVar(&agentBroadcast, "broadcast", "", "Broadcast address for triggers")
	flags.IntVar(&agentTrigger, "trigger-port", 0, "Trigger port")
	flags.IntVar(&agentTick, "tick-port", 0, "Tick telemetry port")
	flags.IntVar(&agentDiff, "diff-port", 0, "Diff telemetry port")
	flags.StringSliceVar(&agentMonitors, "monitor", nil, "Monitor hosts receiving telemetry")
	flags.StringVar(&agentPeers, "peers", "", "Comma-separated host:port unicast trigger peers")
	flags.StringSliceVar(&agentSeeds, "join", nil, "Membership seeds (enables membership)")
	flags.BoolVar(&agentMembership, "membership", false, "Enable SWIM membership")
	flags.IntVar(&agentSwimPort, "swim-port", 0, "Membership port")
}

func applyAgentFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	n := &c.Network
	if flags.Changed("bind") {
		n.BindAddr = agentBind
		c.Membership.BindAddr = agentBind
	}
	if flags.Changed("broadcast") {
		n.BroadcastAddr = agentBroadcast
	}
	if flags.Changed("trigger-port") {
		n.TriggerPort = agentTrigger
	}
	if flags.Changed("tick-port") {
		n.TickPort = agentTick
	}
	if flags.Changed("diff-port") {
		n.DiffPort = agentDiff
	}
	if flags.Changed("monitor") {
		n.MonitorHosts = agentMonitors
	}
	if flags.Changed("peers") {
		peers, err := config.ParsePeers(agentPeers)
		if err != nil {
			return err
		}
		n.Peers = peers
	}
	if flags.Changed("join") {
		c.Membership.Seeds = agentSeeds
		c.Membership.Enabled = true
	}
	if flags.Changed("membership") {
		c.Membership.Enabled = agentMembership
	}
	if flags.Changed("swim-port") {
		c.Membership.BindPort = agentSwimPort
	}
	return c.Validate()
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := applyAgentFlags(cmd, cfg); err != nil {
		return err
	}
	ctx := cmd.Context()

	opts := []network.TransportOption{network.WithTransportLogger(logger.Named("net"))}
	if cfg.Membership.Enabled {
		members, err := swim.NewMembershipManager(ctx, cfg.Membership, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := members.Leave(5 * time.Second); err != nil {
				logger.Warn("membership leave failed", zap.Error(err))
			}
			_ = members.Shutdown()
		}()
		opts = append(opts, network.WithPeerSource(members))
	}

	tr, err := network.NewTransport(ctx, cfg.Network, opts...)
	if err != nil {
		return err
	}

	osc, err := oscillator.New(tr.ID(), cfg.Clock, tr, oscillator.WithLogger(logger.Named("oscillator")))
	if err != nil {
		_ = tr.Close()
		return err
	}

	logger.Info("agent starting",
		zap.String("id", tr.ID()),
		zap.Duration("period", cfg.Clock.Period),
		zap.Float64("gain", cfg.Clock.Gain),
		zap.Int("broadcast_every", cfg.Clock.BroadcastDivisor))

	err = osc.Run(ctx)
	st := tr.Stats()
	logger.Info("agent stopped",
		zap.Uint64("cycles", osc.Stats().Cycles),
		zap.Uint64("triggers_received", st.Listener.Accepted),
		zap.Uint64("triggers_malformed", st.Listener.Malformed),
		zap.Uint64("triggers_coalesced", st.Trigger.Coalesced))
	return err
}
