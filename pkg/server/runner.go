package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fal-ai/insulate/pkg/bridge"
	"github.com/fal-ai/insulate/pkg/builder"
	"github.com/fal-ai/insulate/pkg/logs"
	"github.com/fal-ai/insulate/pkg/metrics"
	"github.com/fal-ai/insulate/pkg/rpc"
)

// queueWaitDelay is how long a single queue poll blocks before the
// drainer re-checks producer completion and the keep-alive timer.
const queueWaitDelay = 100 * time.Millisecond

// AgentError marks a structured agent-internal failure: the worker
// misbehaved in a way that is not a transport error and not a user-code
// exception. Mapped to an aborted status.
type AgentError struct {
	Detail string
}

func (e *AgentError) Error() string {
	return e.Detail
}

// RunnerOptions carries the deployment-level knobs of the task pipeline.
type RunnerOptions struct {
	// CacheDir and PythonBinary seed the builder settings of every run.
	CacheDir     string
	PythonBinary string

	// AgentBinary is the worker executable launched by bridges.
	AgentBinary string

	// AgentRequirements, when non-empty, is synthesized into an extra
	// inheritance environment inserted right after the primary.
	AgentRequirements []string

	// InheritFromLocal layers the host runtime under every run.
	InheritFromLocal bool

	// EmptyMessageInterval is the idle period after which the drainer
	// emits a synthetic empty element to keep the stream alive.
	EmptyMessageInterval time.Duration

	// BridgeFactory builds the bridge for a materialized environment
	// stack. Defaults to spawning local agent processes; tests inject
	// in-memory bridges here.
	BridgeFactory func(primaryPath string, inheritancePaths []string) bridge.Bridger
}

// Runner executes the build, connect, dispatch, drain pipeline for one
// request at a time.
type Runner struct {
	opts    RunnerOptions
	bridges *BridgeManager
	metrics *metrics.Collector
	log     *logrus.Entry
}

// NewRunner wires a runner against the shared bridge manager.
func NewRunner(opts RunnerOptions, bridges *BridgeManager, collector *metrics.Collector, log *logrus.Entry) *Runner {
	if opts.BridgeFactory == nil {
		agentBinary := opts.AgentBinary
		opts.BridgeFactory = func(primaryPath string, inheritancePaths []string) bridge.Bridger {
			return bridge.NewLocal(agentBinary, primaryPath, inheritancePaths, log)
		}
	}
	return &Runner{
		opts:    opts,
		bridges: bridges,
		metrics: collector,
		log:     log.WithField("component", "runner"),
	}
}

// emitFunc receives every stream element in order. The Run RPC hands in
// stream.Send; background tasks hand in a sink that drops elements.
type emitFunc func(*rpc.PartialRunResult) error

type environmentSpec struct {
	force bool
	env   builder.Environment
}

// Run drives the full pipeline for one task. The returned error is
// always a gRPC status (or nil); every log produced by a collaborator is
// emitted before Run returns.
func (r *Runner) Run(ctx context.Context, task *Task, emit emitFunc) error {
	timer := r.metrics.StartRunTimer()
	err := r.run(ctx, task, emit)
	timer.Stop(statusLabel(err))
	return err
}

func (r *Runner) run(ctx context.Context, task *Task, emit emitFunc) (runErr error) {
	request := task.request
	if request == nil || request.Function == nil {
		return status.Error(codes.InvalidArgument, "A function must be specified for a run!")
	}

	environments, err := r.decodeEnvironments(request)
	if err != nil {
		return err
	}

	queue := NewMessageQueue()
	settings := builder.Settings{
		CacheDir:            r.opts.CacheDir,
		PythonBinary:        r.opts.PythonBinary,
		SerializationMethod: request.Function.Method,
		LogHook: func(l logs.Log) {
			logs.Mirror(r.log, l)
			queue.Put(&rpc.PartialRunResult{
				Logs: []*rpc.Log{logs.ToWire(l)},
			})
		},
	}
	for _, spec := range environments {
		spec.env.ApplySettings(settings)
	}

	environments = r.injectAgentRequirements(environments, settings)
	environments = r.injectLocalInheritance(environments, settings)

	executor := newSerialExecutor()
	defer executor.Close()

	paths, err := r.buildEnvironments(ctx, environments, executor, queue, emit)
	if err != nil {
		return err
	}
	primaryPath, inheritancePaths := paths[0], paths[1:]

	br := r.opts.BridgeFactory(primaryPath, inheritancePaths)
	agent, err := r.bridges.Establish(ctx, br)
	if err != nil {
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		return status.Errorf(codes.Unavailable, "failed to establish a bridge to the agent: %v", err)
	}
	defer func() {
		r.bridges.Release(br, agent, runErr != nil)
	}()
	task.setAgent(agent)

	call := &rpc.FunctionCall{
		Function:  request.Function,
		SetupFunc: request.SetupFunc,
	}
	pump := executor.Submit(func() (any, error) {
		return nil, r.pump(ctx, agent, call, queue)
	})
	if err := r.watchQueue(ctx, queue, pump.Done(), emit); err != nil {
		return err
	}

	if _, err := pump.Result(); err != nil {
		return r.classifyPumpError(err, emit)
	}
	return nil
}

// decodeEnvironments validates the request's environment list. The error
// messages surface verbatim as invalid-argument details.
func (r *Runner) decodeEnvironments(request *rpc.BoundFunction) ([]environmentSpec, error) {
	if len(request.Environments) == 0 {
		return nil, status.Error(codes.InvalidArgument, "At least one environment must be specified for a run!")
	}

	specs := make([]environmentSpec, 0, len(request.Environments))
	for _, def := range request.Environments {
		env, err := builder.FromDefinition(def)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		specs = append(specs, environmentSpec{force: def.Force, env: env})
	}
	return specs, nil
}

// injectAgentRequirements inserts the deployment's agent environment at
// index 1: the primary keeps its position (and its force semantics), the
// agent packages take precedence over the remaining inheritance.
func (r *Runner) injectAgentRequirements(environments []environmentSpec, settings builder.Settings) []environmentSpec {
	if len(r.opts.AgentRequirements) == 0 {
		return environments
	}

	cfg := builder.VirtualenvConfiguration{Requirements: r.opts.AgentRequirements}
	if versioned, ok := environments[0].env.(interface{ PythonVersion() string }); ok {
		cfg.PythonVersion = versioned.PythonVersion()
	}
	agentEnv := builder.NewVirtualenv(cfg)
	agentEnv.ApplySettings(settings)

	expanded := make([]environmentSpec, 0, len(environments)+1)
	expanded = append(expanded, environments[0])
	expanded = append(expanded, environmentSpec{env: agentEnv})
	expanded = append(expanded, environments[1:]...)
	return expanded
}

// injectLocalInheritance appends the host runtime after all declared
// inheritance environments.
func (r *Runner) injectLocalInheritance(environments []environmentSpec, settings builder.Settings) []environmentSpec {
	if !r.opts.InheritFromLocal {
		return environments
	}

	local := builder.NewLocal()
	local.ApplySettings(settings)
	return append(environments, environmentSpec{env: local})
}

// buildEnvironments materializes every environment sequentially on the
// task's serial executor while the handler drains builder logs to the
// caller. Paths come back in input order.
func (r *Runner) buildEnvironments(ctx context.Context, environments []environmentSpec, executor *serialExecutor, queue *MessageQueue, emit emitFunc) ([]string, error) {
	timer := r.metrics.StartBuildTimer()
	paths := make([]string, 0, len(environments))

	for _, spec := range environments {
		spec := spec
		future := executor.Submit(func() (any, error) {
			path, err := spec.env.Create(ctx, spec.force)
			return path, err
		})
		if err := r.watchQueue(ctx, queue, future.Done(), emit); err != nil {
			timer.Stop("cancelled")
			return nil, err
		}

		value, err := future.Result()
		if err != nil {
			var creationErr *builder.EnvironmentCreationError
			if errors.As(err, &creationErr) {
				timer.Stop("failed")
				return nil, status.Error(codes.InvalidArgument, creationErr.Error())
			}
			if ctx.Err() != nil {
				timer.Stop("cancelled")
				return nil, status.FromContextError(ctx.Err()).Err()
			}
			timer.Stop("failed")
			return nil, status.Errorf(codes.Unknown, "failed to build environment %q: %v", spec.env.Kind(), err)
		}
		paths = append(paths, value.(string))
	}

	timer.Stop("ok")
	return paths, nil
}

// pump forwards every element of the agent stream into the task queue.
// It is the only producer of terminal elements; an agent that closes the
// stream without delivering one is a structured agent failure.
func (r *Runner) pump(ctx context.Context, agent *RunnerAgent, call *rpc.FunctionCall, queue *MessageQueue) error {
	stream, err := agent.Stub().Run(ctx, call)
	if err != nil {
		return err
	}

	sawTerminal := false
	for {
		message, err := stream.Recv()
		if err == io.EOF {
			if !sawTerminal {
				return &AgentError{Detail: "The agent closed the stream without delivering a result."}
			}
			return nil
		}
		if err != nil {
			return err
		}
		if message.IsComplete {
			sawTerminal = true
		}
		queue.Put(message)
	}
}

// watchQueue drains the queue to emit until the producer behind done has
// completed and the queue is empty. While the queue stays idle past the
// configured interval, a synthetic empty element keeps intermediaries
// from pruning the stream.
func (r *Runner) watchQueue(ctx context.Context, queue *MessageQueue, done <-chan struct{}, emit emitFunc) error {
	idleSince := time.Now()
	for {
		select {
		case <-done:
			// Producer finished; clear what is left.
			for {
				message, ok := queue.TryGet()
				if !ok {
					return nil
				}
				if err := emit(message); err != nil {
					return r.emitFailed(err)
				}
			}
		default:
		}

		message, ok := queue.Get(queueWaitDelay)
		if ok {
			if err := emit(message); err != nil {
				return r.emitFailed(err)
			}
			idleSince = time.Now()
			continue
		}

		if err := ctx.Err(); err != nil {
			return status.FromContextError(err).Err()
		}

		if r.opts.EmptyMessageInterval > 0 && time.Since(idleSince) > r.opts.EmptyMessageInterval {
			idleSince = time.Now()
			keepAlive := &rpc.PartialRunResult{
				IsComplete: false,
				Logs:       []*rpc.Log{},
			}
			if err := emit(keepAlive); err != nil {
				return r.emitFailed(err)
			}
		}
	}
}

func (r *Runner) emitFailed(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return err
	}
	return status.Errorf(codes.Canceled, "the outbound stream went away: %v", err)
}

// classifyPumpError converts the pump's failure into the stream's
// terminal status. Transport errors keep their original code; structured
// agent failures abort; anything else is a server bug, surfaced with its
// text as error logs before the unknown status.
func (r *Runner) classifyPumpError(err error, emit emitFunc) error {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		r.emitErrorLogs(emit, agentErr.Detail)
		return status.Error(codes.Aborted, agentErr.Detail)
	}

	if s, ok := status.FromError(err); ok {
		return status.Error(s.Code(), s.Message())
	}

	r.emitErrorLogs(emit, err.Error())
	return status.Errorf(codes.Unknown, "An unexpected error occurred: %v.", err)
}

// emitErrorLogs pushes the failure text onto the stream as bridge-sourced
// error logs, one element per line.
func (r *Runner) emitErrorLogs(emit emitFunc, text string) {
	for _, line := range strings.Split(text, "\n") {
		element := &rpc.PartialRunResult{
			Logs: []*rpc.Log{{
				Message: line,
				Level:   rpc.LevelError,
				Source:  rpc.SourceBridge,
			}},
		}
		if emit(element) != nil {
			return
		}
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if s, ok := status.FromError(err); ok {
		return strings.ToLower(s.Code().String())
	}
	return "unknown"
}
