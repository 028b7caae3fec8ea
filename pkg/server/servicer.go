// Package server implements the orchestration tier of insulate: the
// streaming Isolate servicer, the task pipeline behind it, and the pool
// of reusable worker bridges.
//
// Architecture:
//
//	client -> gRPC -> servicer -> runner -> builder (environments)
//	                                     -> bridge manager -> agent process
//
// Every run fans two producers (builder log hook, agent-stream pump) into
// one per-task queue that the handler drains to the outbound stream; the
// handler itself adds keep-alive elements while the queue stays idle.
package server

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fal-ai/insulate/pkg/metrics"
	"github.com/fal-ai/insulate/pkg/rpc"
)

// Servicer is the Isolate service: a synchronous streaming Run plus the
// Submit/List/Cancel surface over a registry of background tasks.
type Servicer struct {
	rpc.UnimplementedIsolateServer

	runner  *Runner
	pool    *RunnerPool
	metrics *metrics.Collector
	log     *logrus.Entry

	mu              sync.Mutex
	backgroundTasks map[string]*Task
}

// NewServicer wires the service surface against a runner and a bounded
// background pool.
func NewServicer(runner *Runner, pool *RunnerPool, collector *metrics.Collector, log *logrus.Entry) *Servicer {
	return &Servicer{
		runner:          runner,
		pool:            pool,
		metrics:         collector,
		log:             log.WithField("component", "servicer"),
		backgroundTasks: make(map[string]*Task),
	}
}

// Run executes the bound function, streaming every log and the terminal
// result to the caller. Client cancellation aborts the pipeline and
// terminates any borrowed bridge.
func (s *Servicer) Run(request *rpc.BoundFunction, stream rpc.Isolate_RunServer) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	task := NewTask(request)
	task.bind(cancel)
	s.metrics.RecordTaskStarted()

	err := s.runner.Run(ctx, task, stream.Send)
	task.finish(err)
	s.metrics.RecordTaskFinished(statusLabel(err))

	if err != nil {
		s.log.WithError(err).Debug("Run finished with an error status")
	}
	return err
}

// Submit schedules the same pipeline on the background pool and returns
// a fresh task id immediately. Stream elements are dropped; only the
// terminal status is retained on the task record.
func (s *Servicer) Submit(ctx context.Context, request *rpc.SubmitRequest) (*rpc.SubmitResponse, error) {
	if request.Function == nil {
		return nil, status.Error(codes.InvalidArgument, "A function must be specified for a run!")
	}

	taskID := uuid.NewString()
	taskCtx, cancel := context.WithCancel(context.Background())
	task := NewTask(request.Function)
	task.bind(cancel)

	// The task is fully initialized before it becomes visible.
	s.mu.Lock()
	s.backgroundTasks[taskID] = task
	s.mu.Unlock()

	s.metrics.RecordTaskStarted()
	s.pool.Go(
		taskCtx,
		func() error {
			return s.runner.Run(taskCtx, task, discardElement)
		},
		func(err error) {
			task.finish(err)
			cancel()
			s.metrics.RecordTaskFinished(statusLabel(err))

			s.mu.Lock()
			delete(s.backgroundTasks, taskID)
			s.mu.Unlock()

			s.log.WithFields(logrus.Fields{
				"task_id": taskID,
				"status":  statusLabel(err),
			}).Info("Task finished")
		},
	)

	s.log.WithField("task_id", taskID).Info("Submitted a task")
	return &rpc.SubmitResponse{TaskID: taskID}, nil
}

// List returns a snapshot of the background tasks that have not reached
// a terminal state yet.
func (s *Servicer) List(ctx context.Context, request *rpc.ListRequest) (*rpc.ListResponse, error) {
	s.mu.Lock()
	tasks := make([]*rpc.TaskInfo, 0, len(s.backgroundTasks))
	for taskID := range s.backgroundTasks {
		tasks = append(tasks, &rpc.TaskInfo{TaskID: taskID})
	}
	s.mu.Unlock()

	return &rpc.ListResponse{Tasks: tasks}, nil
}

// Cancel drives the named task to a terminal state. Idempotent; unknown
// ids are accepted silently.
func (s *Servicer) Cancel(ctx context.Context, request *rpc.CancelRequest) (*rpc.CancelResponse, error) {
	s.mu.Lock()
	task := s.backgroundTasks[request.TaskID]
	s.mu.Unlock()

	if task != nil {
		s.log.WithField("task_id", request.TaskID).Info("Cancelling a task")
		task.Cancel()
	}
	return &rpc.CancelResponse{}, nil
}

// CancelAll cancels every background task. Used during server shutdown.
func (s *Servicer) CancelAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.backgroundTasks))
	for _, task := range s.backgroundTasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
	s.pool.Wait()
}

func discardElement(*rpc.PartialRunResult) error {
	return nil
}
