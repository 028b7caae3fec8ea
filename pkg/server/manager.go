package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fal-ai/insulate/pkg/bridge"
	"github.com/fal-ai/insulate/pkg/metrics"
)

// BridgeManager pools live worker bridges keyed by the ordered
// environment-path tuple behind them. Building and connecting a worker is
// expensive; runs over an identical stack reuse the same worker.
//
// The mutex only guards the stacks. Candidate probing is a cached state
// read, so acquisitions never hold the lock across network I/O.
type BridgeManager struct {
	mu     sync.Mutex
	agents map[string][]*RunnerAgent
	closed bool

	maxWait time.Duration
	metrics *metrics.Collector
	log     *logrus.Entry
}

// NewBridgeManager returns an empty pool. maxWait bounds each bridge
// establishment on a pool miss.
func NewBridgeManager(maxWait time.Duration, collector *metrics.Collector, log *logrus.Entry) *BridgeManager {
	return &BridgeManager{
		agents:  make(map[string][]*RunnerAgent),
		maxWait: maxWait,
		metrics: collector,
		log:     log.WithField("component", "bridge-manager"),
	}
}

// Establish borrows a worker bridge for the given environment stack,
// reusing a pooled one when its channel still looks alive. The caller
// must hand the agent back through Release on every exit path.
func (m *BridgeManager) Establish(ctx context.Context, b bridge.Bridger) (*RunnerAgent, error) {
	key := m.keyOf(b)

	var stale []*RunnerAgent
	var found *RunnerAgent

	m.mu.Lock()
	stack := m.agents[key]
	for len(stack) > 0 {
		candidate := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if candidate.IsAccessible() {
			found = candidate
			break
		}
		stale = append(stale, candidate)
	}
	m.agents[key] = stack
	pooled := m.poolSizeLocked()
	m.mu.Unlock()

	m.metrics.SetPooledAgents(pooled)
	for _, agent := range stale {
		m.log.Debug("Terminating a stale pooled agent")
		agent.Terminate()
	}

	if found != nil {
		m.metrics.RecordBridgeHit()
		m.log.WithField("key", key).Debug("Reusing a pooled agent")
		return found, nil
	}

	m.metrics.RecordBridgeMiss()
	conn, cleanup, err := b.Establish(ctx, m.maxWait)
	if err != nil {
		return nil, err
	}
	return newRunnerAgent(conn, cleanup), nil
}

// Release returns a borrowed agent. On a clean run the agent goes back on
// its stack for reuse; on failure (or after manager shutdown) it is
// terminated instead.
func (m *BridgeManager) Release(b bridge.Bridger, agent *RunnerAgent, failed bool) {
	if agent == nil {
		return
	}
	if failed {
		agent.Terminate()
		return
	}

	key := m.keyOf(b)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		agent.Terminate()
		return
	}
	m.agents[key] = append(m.agents[key], agent)
	pooled := m.poolSizeLocked()
	m.mu.Unlock()

	m.metrics.SetPooledAgents(pooled)
}

// Close terminates every pooled agent. Borrowed agents are terminated by
// their tasks' release paths.
func (m *BridgeManager) Close() {
	m.mu.Lock()
	m.closed = true
	stacks := m.agents
	m.agents = make(map[string][]*RunnerAgent)
	m.mu.Unlock()

	for _, stack := range stacks {
		for _, agent := range stack {
			agent.Terminate()
		}
	}
	m.metrics.SetPooledAgents(0)
}

// keyOf flattens the ordered cache key. Layering order changes observable
// behavior, so (a, b) and (b, a) never share a worker.
func (m *BridgeManager) keyOf(b bridge.Bridger) string {
	return strings.Join(b.CacheKey(), "\x1f")
}

func (m *BridgeManager) poolSizeLocked() int {
	n := 0
	for _, stack := range m.agents {
		n += len(stack)
	}
	return n
}
