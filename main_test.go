package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/clocksync/internal/config"
	"github.com/heitortanoue/clocksync/pkg/phase"
)

// parsed registers the clock flags on cmd and parses args.
func parsed(t *testing.T, cmd *cobra.Command, args ...string) *cobra.Command {
	t.Helper()
	addClockFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestApplyClockFlags_Overrides(t *testing.T) {
	cmd := parsed(t, &cobra.Command{Use: "x"},
		"--period", "0.5", "-b", "3", "--alpha", "0.4", "-p", "0.02", "--diff-mode", "abs")

	c := config.DefaultConfig()
	require.NoError(t, applyClockFlags(cmd, c))

	assert.Equal(t, 500*time.Millisecond, c.Clock.Period)
	assert.Equal(t, 3, c.Clock.BroadcastDivisor)
	assert.Equal(t, 0.4, c.Clock.Gain)
	assert.Equal(t, 0.02, c.Clock.Precision)
	assert.Equal(t, phase.Absolute, c.Clock.DiffMode)
}

func TestApplyClockFlags_UnsetFlagsKeepConfig(t *testing.T) {
	cmd := parsed(t, &cobra.Command{Use: "x"})

	c := config.DefaultConfig()
	c.Clock.Gain = 0.25
	require.NoError(t, applyClockFlags(cmd, c))
	assert.Equal(t, 0.25, c.Clock.Gain)
	assert.Equal(t, time.Second, c.Clock.Period)
}

func TestApplyClockFlags_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero period", []string{"--period", "0"}},
		{"gain above one", []string{"--alpha", "1.5"}},
		{"zero divisor", []string{"-b", "0"}},
		{"unknown diff mode", []string{"--diff-mode", "percent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := parsed(t, &cobra.Command{Use: "x"}, tt.args...)
			assert.Error(t, applyClockFlags(cmd, config.DefaultConfig()))
		})
	}
}

func TestApplyAgentFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "agent"}
	addAgentFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--broadcast", "10.0.0.255",
		"--trigger-port", "17000",
		"--peers", "10.0.0.2:17000, 10.0.0.3:17000",
		"--join", "10.0.0.2:7946",
		"--monitor", "10.0.0.9",
	}))

	c := config.DefaultConfig()
	require.NoError(t, applyAgentFlags(cmd, c))

	assert.Equal(t, "10.0.0.255", c.Network.BroadcastAddr)
	assert.Equal(t, 17000, c.Network.TriggerPort)
	assert.Equal(t, []string{"10.0.0.2:17000", "10.0.0.3:17000"}, c.Network.Peers)
	assert.Equal(t, []string{"10.0.0.9"}, c.Network.MonitorHosts)
	assert.True(t, c.Membership.Enabled)
	assert.Equal(t, []string{"10.0.0.2:7946"}, c.Membership.Seeds)
}

func TestApplyAgentFlags_PortClash(t *testing.T) {
	cmd := &cobra.Command{Use: "agent"}
	addAgentFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--trigger-port", "16321"}))

	assert.Error(t, applyAgentFlags(cmd, config.DefaultConfig()))
}
