package server

import (
	"context"
	"sync"
	"time"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// cancelProbeDelay is how long each round of the cancellation loop waits
// for the pipeline to observe its cancellation.
const cancelProbeDelay = 100 * time.Millisecond

// Task is one scheduled execution of a bound function. Created per Run
// call and per Submit; only Submit tasks live in the servicer registry.
type Task struct {
	request *rpc.BoundFunction

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	agent *RunnerAgent
	err   error
}

// NewTask wraps a request. The cancel handle must be attached with bind
// before the task is published anywhere.
func NewTask(request *rpc.BoundFunction) *Task {
	return &Task{
		request: request,
		done:    make(chan struct{}),
	}
}

// bind attaches the pipeline's cancellation handle.
func (t *Task) bind(cancel context.CancelFunc) {
	t.cancel = cancel
}

// setAgent records the bridge currently borrowed by this task so that
// cancellation can interrupt an in-flight agent call.
func (t *Task) setAgent(agent *RunnerAgent) {
	t.mu.Lock()
	t.agent = agent
	t.mu.Unlock()
}

// finish publishes the terminal status and unblocks waiters. Must be
// called exactly once.
func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Err returns the terminal status. Only meaningful after Done.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel drives the task to a terminal state. The pipeline may be parked
// at several suspension points: the context cancel covers the builder and
// queue paths, terminating the borrowed bridge unblocks the agent recv.
// The loop repeats both until the pipeline actually stops.
func (t *Task) Cancel() {
	for {
		t.cancel()

		t.mu.Lock()
		agent := t.agent
		t.mu.Unlock()
		if agent != nil {
			agent.Terminate()
		}

		select {
		case <-t.done:
			return
		case <-time.After(cancelProbeDelay):
		}
	}
}
