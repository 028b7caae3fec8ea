package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fal-ai/insulate/pkg/bridge"
	"github.com/fal-ai/insulate/pkg/builder"
	"github.com/fal-ai/insulate/pkg/rpc"
)

func init() {
	// A synthetic environment kind for tests: "materializes" instantly to
	// the configured path, optionally failing or logging on the way.
	builder.Register("static", func(configuration map[string]any) (builder.Environment, error) {
		env := &staticEnv{}
		env.path, _ = configuration["path"].(string)
		env.fail, _ = configuration["fail"].(string)
		return env, nil
	})
}

type staticEnv struct {
	path     string
	fail     string
	settings builder.Settings
}

func (e *staticEnv) Kind() string { return "static" }
func (e *staticEnv) Key() string  { return e.path }

func (e *staticEnv) ApplySettings(settings builder.Settings) {
	e.settings = settings
}

func (e *staticEnv) Create(ctx context.Context, force bool) (string, error) {
	if e.fail != "" {
		return "", &builder.EnvironmentCreationError{Reason: e.fail}
	}
	e.settings.Log(rpc.LevelInfo, "Materialized "+e.path)
	return e.path, nil
}

func staticEnvironment(path string) *rpc.EnvironmentDefinition {
	return &rpc.EnvironmentDefinition{
		Kind:          "static",
		Configuration: map[string]any{"path": path},
	}
}

// scriptedAgent lets each test declare the worker's behavior inline.
type scriptedAgent struct {
	rpc.UnimplementedAgentServer
	run func(*rpc.FunctionCall, rpc.Agent_RunServer) error
}

func (a *scriptedAgent) Run(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
	return a.run(call, stream)
}

// completingAgent immediately sends a log element and a terminal result.
func completingAgent() *scriptedAgent {
	return &scriptedAgent{run: func(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
		if err := stream.Send(&rpc.PartialRunResult{
			Logs: []*rpc.Log{{Message: "executing", Level: rpc.LevelTrace, Source: rpc.SourceBridge}},
		}); err != nil {
			return err
		}
		return stream.Send(&rpc.PartialRunResult{
			IsComplete: true,
			Result: &rpc.SerializedObject{
				Method:     call.Function.Method,
				Definition: []byte("42"),
			},
		})
	}}
}

// blockingAgent parks until the call is torn down.
func blockingAgent() *scriptedAgent {
	return &scriptedAgent{run: func(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
		<-stream.Context().Done()
		return stream.Context().Err()
	}}
}

// agentBackend serves a stub agent over bufconn and hands out bridges
// connected to it. Every bridge establishment is counted.
type agentBackend struct {
	listener *bufconn.Listener
	dials    atomic.Int32
}

func startAgentBackend(t *testing.T, impl rpc.AgentServer) *agentBackend {
	t.Helper()

	backend := &agentBackend{
		listener: bufconn.Listen(1 << 20),
	}
	srv := grpc.NewServer(rpc.DefaultServerOptions()...)
	rpc.RegisterAgentServer(srv, impl)
	go func() {
		_ = srv.Serve(backend.listener)
	}()
	t.Cleanup(srv.Stop)
	return backend
}

func (b *agentBackend) dial(ctx context.Context) (*grpc.ClientConn, func(), error) {
	b.dials.Add(1)

	opts := append(
		rpc.DefaultDialOptions(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return b.listener.DialContext(ctx)
		}),
		grpc.WithBlock(),
	)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, "bufnet", opts...)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { _ = conn.Close() }, nil
}

func (b *agentBackend) bridgeFactory() func(string, []string) bridge.Bridger {
	return func(primaryPath string, inheritancePaths []string) bridge.Bridger {
		key := append([]string{primaryPath}, inheritancePaths...)
		return &fakeBridge{key: key, backend: b}
	}
}

type fakeBridge struct {
	key     []string
	backend *agentBackend
}

func (f *fakeBridge) CacheKey() []string { return f.key }

func (f *fakeBridge) Establish(ctx context.Context, maxWait time.Duration) (*grpc.ClientConn, func(), error) {
	return f.backend.dial(ctx)
}

func testLogger(t *testing.T) *logrus.Entry {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(logger)
}

// newTestRunner wires a runner against the given backend with short
// intervals suitable for tests.
func newTestRunner(t *testing.T, backend *agentBackend, opts RunnerOptions) (*Runner, *BridgeManager) {
	t.Helper()

	log := testLogger(t)
	bridges := NewBridgeManager(5*time.Second, nil, log)
	t.Cleanup(bridges.Close)

	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	if opts.EmptyMessageInterval == 0 {
		opts.EmptyMessageInterval = time.Hour
	}
	opts.BridgeFactory = backend.bridgeFactory()

	return NewRunner(opts, bridges, nil, log), bridges
}

// collectStream runs the pipeline synchronously and gathers every
// emitted element.
func collectStream(t *testing.T, runner *Runner, request *rpc.BoundFunction) ([]*rpc.PartialRunResult, error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := NewTask(request)
	task.bind(cancel)

	var elements []*rpc.PartialRunResult
	err := runner.Run(ctx, task, func(m *rpc.PartialRunResult) error {
		elements = append(elements, m)
		return nil
	})
	task.finish(err)
	return elements, err
}

func execFunction() *rpc.SerializedObject {
	return &rpc.SerializedObject{
		Method:     "exec",
		Definition: []byte(`{"argv":["true"]}`),
	}
}
