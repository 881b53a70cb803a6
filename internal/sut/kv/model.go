// Package kv is the reference system model: a client-replicated key-value
// store. Every node runs a redis-protocol server; write commands fan out to
// all members through the coordinating node's client, reads hit a single
// node, and the global verify operation checks that all members converged on
// the expected contents.
package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"cluster-modelcheck/internal/cluster"
	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
)

const ModelName = "kv"

// Operations contributed by this model.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpDelete = "delete"

	// Cluster-wide operations: settle lets replication quiesce, verify is
	// the assertion that every member converged.
	OpSettle = "settle"
	OpVerify = "verify-replicated"
)

// keyPool bounds the key space so reads regularly hit keys that were
// written earlier in the same sequence.
var keyPool = []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7"}

// State is this model's opaque share of the composite model state: the
// expected store contents.
type State struct {
	KV map[string]string
}

func (s State) clone() State {
	out := State{KV: make(map[string]string, len(s.KV))}
	for k, v := range s.KV {
		out.KV[k] = v
	}
	return out
}

// Model implements engine.SystemModel.
type Model struct {
	mu     sync.Mutex
	mgr    *cluster.Manager
	cfg    *config.Config
	logger *logging.Logger

	clients map[string]*redis.Client
	// members mirrors the membership the executed command sequence implies;
	// it tells Apply where writes fan out without peeking at model state.
	members map[string]bool
	// applied mirrors every write this case performed, so settle can
	// re-replicate and join can catch a new member up.
	applied map[string]string
}

var _ engine.SystemModel = (*Model)(nil)

func New(mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) *Model {
	return &Model{
		mgr:     mgr,
		cfg:     cfg,
		logger:  logger.WithComponent("sut-kv"),
		clients: make(map[string]*redis.Client),
		members: make(map[string]bool),
		applied: make(map[string]string),
	}
}

func (m *Model) Name() string { return ModelName }

func (m *Model) Operations() []string {
	return []string{OpWrite, OpRead, OpDelete, OpSettle, OpVerify}
}

func (m *Model) GlobalOps() []string {
	return []string{OpSettle, OpVerify}
}

func (m *Model) AssertionOps() []string {
	return []string{OpVerify}
}

func (m *Model) GenArgs(rng *rand.Rand, op, node string) []interface{} {
	switch op {
	case OpWrite:
		key := keyPool[rng.Intn(len(keyPool))]
		value := fmt.Sprintf("v%08x", rng.Uint32())
		return []interface{}{node, key, value}
	case OpRead, OpDelete:
		return []interface{}{node, keyPool[rng.Intn(len(keyPool))]}
	default:
		return nil
	}
}

func (m *Model) InitialState() engine.SystemState {
	return State{KV: make(map[string]string)}
}

func (m *Model) Precondition(st engine.SystemState, cmd engine.Command) bool {
	switch cmd.Op {
	case OpWrite, OpRead, OpDelete, OpSettle, OpVerify:
		return true
	default:
		return false
	}
}

func (m *Model) Apply(ctx context.Context, rc *engine.RunContext, cmd engine.Command) engine.Result {
	switch cmd.Op {
	case engine.OpJoin:
		return m.applyJoin(ctx, rc, cmd.Node())
	case engine.OpLeave:
		return m.applyLeave(cmd.Node())
	case OpWrite:
		return m.applyWrite(ctx, cmd)
	case OpRead:
		return m.applyRead(ctx, cmd)
	case OpDelete:
		return m.applyDelete(ctx, cmd)
	case OpSettle:
		return m.applySettle(ctx, rc)
	case OpVerify:
		return m.applyVerify(ctx)
	default:
		return engine.Result{Err: fmt.Errorf("unknown operation: %s", cmd.Op)}
	}
}

func (m *Model) applyJoin(ctx context.Context, rc *engine.RunContext, node string) engine.Result {
	if err := m.mgr.StartNode(ctx, node); err != nil {
		return engine.Result{Err: err}
	}

	client := m.client(node)
	err := rc.Retry.Until(ctx, func(ctx context.Context) (bool, error) {
		return client.Ping(ctx).Err() == nil, nil
	})
	if err != nil {
		// Budget exhaustion is a hard failure for membership changes.
		return engine.Result{Err: fmt.Errorf("join %s: %w", node, err)}
	}

	// Catch the new member up with everything written so far.
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.applied))
	for k, v := range m.applied {
		snapshot[k] = v
	}
	m.members[node] = true
	m.mu.Unlock()

	for k, v := range snapshot {
		if err := client.Set(ctx, k, v, 0).Err(); err != nil {
			return engine.Result{Err: fmt.Errorf("catch up %s: %w", node, err)}
		}
	}
	return engine.Result{Value: "joined"}
}

func (m *Model) applyLeave(node string) engine.Result {
	m.mu.Lock()
	delete(m.members, node)
	m.mu.Unlock()
	return engine.Result{Value: "left"}
}

// applyWrite fans the write out to every member. The coordinating node must
// accept it; replication to the remaining members is best effort and is
// reconciled by settle.
func (m *Model) applyWrite(ctx context.Context, cmd engine.Command) engine.Result {
	node := cmd.Node()
	key, value, ok := kvArgs(cmd)
	if !ok {
		return engine.Result{Err: fmt.Errorf("malformed write args: %s", cmd)}
	}

	if err := m.client(node).Set(ctx, key, value, 0).Err(); err != nil {
		return asResult(err)
	}

	m.mu.Lock()
	m.applied[key] = value
	peers := m.memberList(node)
	m.mu.Unlock()

	for _, peer := range peers {
		if err := m.client(peer).Set(ctx, key, value, 0).Err(); err != nil {
			m.logger.Debug("replication lagging", "peer", peer, "key", key, "error", err)
		}
	}
	return engine.Result{Value: "ok"}
}

func (m *Model) applyRead(ctx context.Context, cmd engine.Command) engine.Result {
	key, _, ok := kvArgs(cmd)
	if !ok {
		return engine.Result{Err: fmt.Errorf("malformed read args: %s", cmd)}
	}
	value, err := m.client(cmd.Node()).Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return engine.Result{Value: nil}
	}
	if err != nil {
		return asResult(err)
	}
	return engine.Result{Value: value}
}

func (m *Model) applyDelete(ctx context.Context, cmd engine.Command) engine.Result {
	key, _, ok := kvArgs(cmd)
	if !ok {
		return engine.Result{Err: fmt.Errorf("malformed delete args: %s", cmd)}
	}
	if err := m.client(cmd.Node()).Del(ctx, key).Err(); err != nil {
		return asResult(err)
	}

	m.mu.Lock()
	delete(m.applied, key)
	peers := m.memberList(cmd.Node())
	m.mu.Unlock()

	for _, peer := range peers {
		if err := m.client(peer).Del(ctx, key).Err(); err != nil {
			m.logger.Debug("replication lagging", "peer", peer, "key", key, "error", err)
		}
	}
	return engine.Result{Value: "ok"}
}

// applySettle re-replicates the full applied snapshot to every member and
// waits within the retry budget for all of them to converge. Not converging
// is reported in the result value, never as an error: settle is the
// non-assertion global, the verdict belongs to verify.
func (m *Model) applySettle(ctx context.Context, rc *engine.RunContext) engine.Result {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.applied))
	for k, v := range m.applied {
		snapshot[k] = v
	}
	members := m.memberList("")
	m.mu.Unlock()

	converged, err := rc.Retry.Converged(ctx, func(ctx context.Context) (bool, error) {
		all := true
		for _, node := range members {
			client := m.client(node)
			for k, v := range snapshot {
				got, err := client.Get(ctx, k).Result()
				if errors.Is(err, redis.Nil) || err != nil || got != v {
					// Push again and keep polling.
					client.Set(ctx, k, v, 0)
					all = false
				}
			}
		}
		return all, nil
	})
	if err != nil {
		return asResult(err)
	}
	if !converged {
		return engine.Result{Value: "not-converged"}
	}
	return engine.Result{Value: "converged"}
}

// applyVerify reads every applied key from every member. Value mismatches
// are violations; timeouts are tolerated because a partitioned node is an
// expected degraded outcome, not a consistency violation.
func (m *Model) applyVerify(ctx context.Context) engine.Result {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.applied))
	for k, v := range m.applied {
		snapshot[k] = v
	}
	members := m.memberList("")
	m.mu.Unlock()

	mismatches := make([]string, 0)
	for _, node := range members {
		client := m.client(node)
		for k, want := range snapshot {
			got, err := client.Get(ctx, k).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					mismatches = append(mismatches, fmt.Sprintf("%s: %s missing", node, k))
				} else if !isTimeout(err) {
					mismatches = append(mismatches, fmt.Sprintf("%s: %s: %v", node, k, err))
				}
				continue
			}
			if got != want {
				mismatches = append(mismatches, fmt.Sprintf("%s: %s=%q want %q", node, k, got, want))
			}
		}
	}
	return engine.Result{Value: mismatches}
}

func (m *Model) Postcondition(st engine.SystemState, cmd engine.Command, res engine.Result) bool {
	s, ok := st.(State)
	if !ok {
		return false
	}
	switch cmd.Op {
	case OpWrite, OpDelete:
		// A timed-out write during a partition is an accepted outcome; a
		// rejected one is not.
		return res.Err == nil
	case OpRead:
		if res.TimedOut {
			return true
		}
		if res.Err != nil {
			return false
		}
		key, _, _ := kvArgs(cmd)
		want, present := s.KV[key]
		if !present {
			return res.Value == nil
		}
		got, isStr := res.Value.(string)
		return isStr && got == want
	case OpSettle:
		// Settle only quiesces; verify owns the verdict.
		return res.Err == nil
	case OpVerify:
		mismatches, isSlice := res.Value.([]string)
		return res.Err == nil && isSlice && len(mismatches) == 0
	default:
		return false
	}
}

func (m *Model) NextState(st engine.SystemState, res engine.Result, cmd engine.Command) engine.SystemState {
	s, ok := st.(State)
	if !ok {
		return st
	}
	switch cmd.Op {
	case OpWrite:
		key, value, ok := kvArgs(cmd)
		if !ok {
			return st
		}
		out := s.clone()
		out.KV[key] = value
		return out
	case OpDelete:
		key, _, ok := kvArgs(cmd)
		if !ok {
			return st
		}
		out := s.clone()
		delete(out.KV, key)
		return out
	default:
		return st
	}
}

func (m *Model) BeginProperty(ctx context.Context, rc *engine.RunContext) error {
	return m.mgr.Bootstrap(ctx)
}

// BeginCase resets the adapter for a fresh run: membership per configuration,
// empty applied set, flushed stores.
func (m *Model) BeginCase(ctx context.Context, rc *engine.RunContext) error {
	m.mu.Lock()
	m.members = make(map[string]bool)
	nodes := m.mgr.Nodes()
	if rc.Config.Engine.InitialMembership == config.MembershipFirst {
		m.members[nodes[0]] = true
	} else {
		for _, node := range nodes {
			m.members[node] = true
		}
	}
	m.applied = make(map[string]string)
	m.mu.Unlock()

	for _, node := range nodes {
		if err := m.client(node).FlushAll(ctx).Err(); err != nil {
			return fmt.Errorf("flush node %s: %w", node, err)
		}
	}
	return nil
}

func (m *Model) EndCase(ctx context.Context, rc *engine.RunContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for node, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close client %s: %w", node, err)
		}
	}
	m.clients = make(map[string]*redis.Client)
	return firstErr
}

// client lazily builds the redis client for a node. Per-call deadlines come
// from the operation context; the dial timeout stays short so a dead node
// fails fast instead of eating the whole command budget.
func (m *Model) client(node string) *redis.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[node]; ok {
		return c
	}
	addr, err := m.mgr.Addr(node)
	if err != nil {
		addr = node // dial will fail and surface the problem as a result
	}
	c := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
		MaxRetries:  -1, // retries would mask the timeouts we want to observe
	})
	m.clients[node] = c
	return c
}

// memberList returns current members excluding one node. Callers hold m.mu.
func (m *Model) memberList(exclude string) []string {
	out := make([]string, 0, len(m.members))
	for _, node := range m.mgr.Nodes() {
		if m.members[node] && node != exclude {
			out = append(out, node)
		}
	}
	return out
}

func kvArgs(cmd engine.Command) (key, value string, ok bool) {
	if len(cmd.Args) < 2 {
		return "", "", false
	}
	key, ok = cmd.Args[1].(string)
	if !ok {
		return "", "", false
	}
	if len(cmd.Args) > 2 {
		value, ok = cmd.Args[2].(string)
		if !ok {
			return "", "", false
		}
	}
	return key, value, true
}

func asResult(err error) engine.Result {
	if isTimeout(err) {
		return engine.Result{TimedOut: true}
	}
	return engine.Result{Err: err}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
