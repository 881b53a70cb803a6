package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/logging"
)

// All tests run the manager in unmanaged mode (no launch command), where
// state transitions are pure bookkeeping. Managed process handling is
// exercised against a real SUT binary, not in unit tests.

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.ClusterConfig{
		Nodes: []config.NodeSpec{
			{ID: "node1", Addr: "localhost:7101"},
			{ID: "node2", Addr: "localhost:7102"},
			{ID: "node3", Addr: "localhost:7103"},
		},
		StartupTimeout: time.Second,
	}
	logCfg := logging.TestLoggingConfig()
	return NewManager(cfg, logging.NewLogger(&logCfg))
}

func TestNodesDeclarationOrder(t *testing.T) {
	m := testManager(t)
	require.Equal(t, []string{"node1", "node2", "node3"}, m.Nodes())
}

func TestAddrLookup(t *testing.T) {
	m := testManager(t)

	addr, err := m.Addr("node2")
	require.NoError(t, err)
	require.Equal(t, "localhost:7102", addr)

	_, err = m.Addr("node9")
	require.Error(t, err)
}

func TestBootstrapAndShutdown(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Bootstrap(context.Background()))
	for _, id := range m.Nodes() {
		state, err := m.NodeStatus(id)
		require.NoError(t, err)
		require.Equal(t, NodeRunning, state)
	}

	m.Shutdown()
	for _, id := range m.Nodes() {
		state, err := m.NodeStatus(id)
		require.NoError(t, err)
		require.Equal(t, NodeStopped, state)
	}
}

func TestStartNodeIdempotent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.StartNode(ctx, "node1"))
	require.NoError(t, m.StartNode(ctx, "node1"))

	state, err := m.NodeStatus("node1")
	require.NoError(t, err)
	require.Equal(t, NodeRunning, state)

	require.Error(t, m.StartNode(ctx, "node9"))
}

func TestSuspendResume(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx))

	require.NoError(t, m.SuspendNode("node1"))
	state, _ := m.NodeStatus("node1")
	require.Equal(t, NodeSuspended, state)

	// A suspended node cannot be suspended again.
	require.Error(t, m.SuspendNode("node1"))

	require.NoError(t, m.ResumeNode("node1"))
	state, _ = m.NodeStatus("node1")
	require.Equal(t, NodeRunning, state)

	// Resuming a running node is a no-op.
	require.NoError(t, m.ResumeNode("node1"))
}

func TestSuspendRequiresRunning(t *testing.T) {
	m := testManager(t)
	require.Error(t, m.SuspendNode("node1"), "stopped node cannot be suspended")
}

func TestResetFaultFlags(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx))

	require.NoError(t, m.SuspendNode("node1"))
	require.NoError(t, m.StopNode("node2"))

	require.NoError(t, m.ResetFaultFlags(ctx))
	for _, id := range m.Nodes() {
		state, err := m.NodeStatus(id)
		require.NoError(t, err)
		require.Equal(t, NodeRunning, state, "node %s must be running after reset", id)
	}
}

func TestPreparePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("restart failed", func(t *testing.T) {
		m := testManager(t)
		require.NoError(t, m.Bootstrap(ctx))
		require.NoError(t, m.StopNode("node3"))

		require.NoError(t, m.Prepare(ctx, config.RestartFailed, false))
		state, _ := m.NodeStatus("node3")
		require.Equal(t, NodeRunning, state)
	})

	t.Run("restart none leaves stopped nodes alone", func(t *testing.T) {
		m := testManager(t)
		require.NoError(t, m.Bootstrap(ctx))
		require.NoError(t, m.StopNode("node3"))

		require.NoError(t, m.Prepare(ctx, config.RestartNone, false))
		state, _ := m.NodeStatus("node3")
		require.Equal(t, NodeStopped, state)
	})

	t.Run("restart all", func(t *testing.T) {
		m := testManager(t)
		require.NoError(t, m.Bootstrap(ctx))
		require.NoError(t, m.Prepare(ctx, config.RestartAll, false))
		for _, id := range m.Nodes() {
			state, _ := m.NodeStatus(id)
			require.Equal(t, NodeRunning, state)
		}
	})

	t.Run("full recluster", func(t *testing.T) {
		m := testManager(t)
		require.NoError(t, m.Bootstrap(ctx))
		require.NoError(t, m.StopNode("node1"))

		require.NoError(t, m.Prepare(ctx, config.RestartNone, true))
		for _, id := range m.Nodes() {
			state, _ := m.NodeStatus(id)
			require.Equal(t, NodeRunning, state)
		}
	})
}

func TestRestartNode(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx))

	before, _ := m.NodeStatus("node2")
	require.Equal(t, NodeRunning, before)

	require.NoError(t, m.RestartNode(ctx, "node2"))
	after, _ := m.NodeStatus("node2")
	require.Equal(t, NodeRunning, after)
}
