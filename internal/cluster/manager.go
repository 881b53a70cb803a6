// Package cluster manages the pool of node processes a property runs
// against. Nodes can be locally launched child processes or an externally
// managed cluster; in the latter case process-level operations reduce to
// bookkeeping and the fault model is expected to stick to logical faults.
package cluster

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-cmd/cmd"

	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/logging"
)

type NodeState int

const (
	NodeRunning NodeState = iota
	NodeStopped
	NodeSuspended
)

func (s NodeState) String() string {
	switch s {
	case NodeRunning:
		return "running"
	case NodeStopped:
		return "stopped"
	case NodeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Node tracks one cluster member and, for managed clusters, its process.
type Node struct {
	ID        string
	Addr      string
	State     NodeState
	LastStart time.Time

	proc *cmd.Cmd
}

// Manager owns the node pool across the lifetime of a property. One manager
// serves one property at a time; runs never share it concurrently.
type Manager struct {
	mu     sync.RWMutex
	cfg    config.ClusterConfig
	logger *logging.Logger
	nodes  map[string]*Node
	order  []string
}

func NewManager(cfg config.ClusterConfig, logger *logging.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.WithComponent("cluster"),
		nodes:  make(map[string]*Node),
	}
	for _, spec := range cfg.Nodes {
		m.nodes[spec.ID] = &Node{ID: spec.ID, Addr: spec.Addr, State: NodeStopped}
		m.order = append(m.order, spec.ID)
	}
	return m
}

// managed reports whether this manager launches its own node processes.
func (m *Manager) managed() bool {
	return m.cfg.Command != ""
}

// Bootstrap brings every node online and waits until each accepts
// connections.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.logger.Info("bootstrapping cluster", "nodes", len(m.order), "managed", m.managed())
	for _, id := range m.order {
		if err := m.StartNode(ctx, id); err != nil {
			return fmt.Errorf("bootstrap node %s: %w", id, err)
		}
	}
	return nil
}

// Shutdown stops all managed node processes. Errors are logged, not
// returned: teardown is best effort.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		node := m.nodes[id]
		if node.proc != nil {
			if err := node.proc.Stop(); err != nil {
				m.logger.Warn("failed to stop node process", "node", id, "error", err)
			}
			node.proc = nil
		}
		node.State = NodeStopped
	}
}

// Nodes returns node identities in declaration order.
func (m *Manager) Nodes() []string {
	return append([]string(nil), m.order...)
}

// Addr resolves a node identity to its client address.
func (m *Manager) Addr(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return "", fmt.Errorf("unknown node: %s", id)
	}
	return node.Addr, nil
}

// NodeStatus returns the tracked state of a node.
func (m *Manager) NodeStatus(id string) (NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return NodeStopped, fmt.Errorf("unknown node: %s", id)
	}
	return node.State, nil
}

// StartNode launches the node process (for managed clusters) and waits for
// its address to accept connections.
func (m *Manager) StartNode(ctx context.Context, id string) error {
	m.mu.Lock()
	node, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown node: %s", id)
	}
	if node.State == NodeRunning {
		m.mu.Unlock()
		return nil
	}

	if m.managed() {
		args := make([]string, 0, len(m.cfg.Args))
		for _, arg := range m.cfg.Args {
			arg = strings.ReplaceAll(arg, "{id}", node.ID)
			arg = strings.ReplaceAll(arg, "{addr}", node.Addr)
			args = append(args, arg)
		}
		node.proc = cmd.NewCmdOptions(cmd.Options{Buffered: true}, m.cfg.Command, args...)
		node.proc.Start()
	}
	node.State = NodeRunning
	node.LastStart = time.Now()
	addr := node.Addr
	m.mu.Unlock()

	if m.managed() {
		if err := m.waitReachable(ctx, addr); err != nil {
			return fmt.Errorf("node %s did not come up: %w", id, err)
		}
	}
	m.logger.Debug("node started", "node", id, "addr", addr)
	return nil
}

// StopNode kills the node process. For external clusters this only marks the
// node stopped.
func (m *Manager) StopNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node: %s", id)
	}
	if node.proc != nil {
		if err := node.proc.Stop(); err != nil {
			return fmt.Errorf("stop node %s: %w", id, err)
		}
		node.proc = nil
	}
	node.State = NodeStopped
	m.logger.Debug("node stopped", "node", id)
	return nil
}

// RestartNode stops and starts a node.
func (m *Manager) RestartNode(ctx context.Context, id string) error {
	if err := m.StopNode(id); err != nil {
		return err
	}
	return m.StartNode(ctx, id)
}

// SuspendNode freezes the node process with SIGSTOP, simulating a partition
// where the process is alive but unreachable in time.
func (m *Manager) SuspendNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node: %s", id)
	}
	if node.State != NodeRunning {
		return fmt.Errorf("node %s is %s, cannot suspend", id, node.State)
	}
	if node.proc != nil {
		if pid := node.proc.Status().PID; pid > 0 {
			if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
				return fmt.Errorf("suspend node %s: %w", id, err)
			}
		}
	}
	node.State = NodeSuspended
	m.logger.Debug("node suspended", "node", id)
	return nil
}

// ResumeNode unfreezes a suspended node with SIGCONT.
func (m *Manager) ResumeNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node: %s", id)
	}
	if node.State != NodeSuspended {
		return nil
	}
	if node.proc != nil {
		if pid := node.proc.Status().PID; pid > 0 {
			if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
				return fmt.Errorf("resume node %s: %w", id, err)
			}
		}
	}
	node.State = NodeRunning
	m.logger.Debug("node resumed", "node", id)
	return nil
}

// ResetFaultFlags clears every process-level fault left over from a prior
// run: suspended nodes are resumed, stopped nodes are restarted. Stale fault
// state must never leak into the next run's model.
func (m *Manager) ResetFaultFlags(ctx context.Context) error {
	for _, id := range m.Nodes() {
		state, err := m.NodeStatus(id)
		if err != nil {
			return err
		}
		switch state {
		case NodeSuspended:
			if err := m.ResumeNode(id); err != nil {
				return err
			}
		case NodeStopped:
			if err := m.StartNode(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Prepare applies the between-run policies before a fresh run starts.
func (m *Manager) Prepare(ctx context.Context, restartPolicy string, recluster bool) error {
	if recluster {
		m.Shutdown()
		return m.Bootstrap(ctx)
	}

	switch restartPolicy {
	case config.RestartAll:
		for _, id := range m.Nodes() {
			if err := m.RestartNode(ctx, id); err != nil {
				return err
			}
		}
	case config.RestartFailed:
		for _, id := range m.Nodes() {
			state, err := m.NodeStatus(id)
			if err != nil {
				return err
			}
			if state != NodeRunning {
				if err := m.RestartNode(ctx, id); err != nil {
					return err
				}
			}
		}
	case config.RestartNone:
		// Nodes are reused as-is; ResetFaultFlags still runs separately.
	}
	return nil
}

// waitReachable polls the node address until a TCP dial succeeds or the
// startup budget runs out.
func (m *Manager) waitReachable(ctx context.Context, addr string) error {
	deadline := time.Now().Add(m.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("%s not reachable within %v", addr, m.cfg.StartupTimeout)
}
