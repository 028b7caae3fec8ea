package server

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// RunnerAgent is one pooled worker bridge: the stub, its channel, and the
// cleanup scope that owns the worker process. A runner agent is borrowed
// by at most one task at a time; the bridge manager owns it otherwise.
type RunnerAgent struct {
	stub rpc.AgentClient
	conn *grpc.ClientConn

	mu           sync.Mutex
	stateHistory []connectivity.State

	watchCancel   context.CancelFunc
	terminateOnce sync.Once
	cleanup       func()
}

// newRunnerAgent wraps an established channel and starts recording its
// connectivity transitions.
func newRunnerAgent(conn *grpc.ClientConn, cleanup func()) *RunnerAgent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &RunnerAgent{
		stub:        rpc.NewAgentClient(conn),
		conn:        conn,
		watchCancel: cancel,
		cleanup:     cleanup,
	}
	a.record(conn.GetState())
	go a.watchConnectivity(ctx)
	return a
}

// Stub returns the agent client for dispatching calls.
func (a *RunnerAgent) Stub() rpc.AgentClient {
	return a.stub
}

// IsAccessible reports whether the most recently observed channel state
// is READY. Best effort only; dispatch-time failures must still be
// tolerated by the caller.
func (a *RunnerAgent) IsAccessible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.stateHistory) == 0 {
		return false
	}
	return a.stateHistory[len(a.stateHistory)-1] == connectivity.Ready
}

// Terminate closes the cleanup scope: the channel is closed, which
// interrupts any in-flight call, and the worker process is reaped.
// Idempotent.
func (a *RunnerAgent) Terminate() {
	a.terminateOnce.Do(func() {
		a.watchCancel()
		if a.cleanup != nil {
			a.cleanup()
		}
		// The watcher may stop before it observes the close; record the
		// final state ourselves so accessibility checks cannot lie.
		a.record(connectivity.Shutdown)
	})
}

func (a *RunnerAgent) record(state connectivity.State) {
	a.mu.Lock()
	a.stateHistory = append(a.stateHistory, state)
	a.mu.Unlock()
}

func (a *RunnerAgent) watchConnectivity(ctx context.Context) {
	state := a.conn.GetState()
	for a.conn.WaitForStateChange(ctx, state) {
		state = a.conn.GetState()
		a.record(state)
	}
}
