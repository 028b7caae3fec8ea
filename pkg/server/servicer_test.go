package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// startIsolateServer serves a full servicer over bufconn and returns a
// connected client.
func startIsolateServer(t *testing.T, agentImpl rpc.AgentServer) rpc.IsolateClient {
	t.Helper()

	backend := startAgentBackend(t, agentImpl)
	runner, _ := newTestRunner(t, backend, RunnerOptions{})
	pool := NewRunnerPool(2)
	servicer := NewServicer(runner, pool, nil, testLogger(t))

	listener := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(rpc.DefaultServerOptions()...)
	rpc.RegisterIsolateServer(srv, servicer)
	go func() {
		_ = srv.Serve(listener)
	}()
	t.Cleanup(func() {
		servicer.CancelAll()
		srv.Stop()
	})

	opts := append(
		rpc.DefaultDialOptions(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	conn, err := grpc.DialContext(context.Background(), "bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return rpc.NewIsolateClient(conn)
}

func boundFunction() *rpc.BoundFunction {
	return &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}
}

func drainRun(t *testing.T, stream rpc.Isolate_RunClient) ([]*rpc.PartialRunResult, error) {
	t.Helper()

	var elements []*rpc.PartialRunResult
	for {
		element, err := stream.Recv()
		if err == io.EOF {
			return elements, nil
		}
		if err != nil {
			return elements, err
		}
		elements = append(elements, element)
	}
}

func TestServicer_RunStream(t *testing.T) {
	client := startIsolateServer(t, completingAgent())

	stream, err := client.Run(context.Background(), boundFunction())
	require.NoError(t, err)

	elements, err := drainRun(t, stream)
	require.NoError(t, err)
	require.NotEmpty(t, elements)

	last := elements[len(elements)-1]
	assert.True(t, last.IsComplete)
	require.NotNil(t, last.Result)
	assert.Equal(t, []byte("42"), last.Result.Definition)
}

func TestServicer_RunValidationError(t *testing.T) {
	client := startIsolateServer(t, completingAgent())

	stream, err := client.Run(context.Background(), &rpc.BoundFunction{
		Function: execFunction(),
	})
	require.NoError(t, err)

	elements, err := drainRun(t, stream)
	assert.Empty(t, elements)

	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, s.Code())
	assert.Equal(t, "At least one environment must be specified for a run!", s.Message())
}

func TestServicer_SubmitListCancel(t *testing.T) {
	client := startIsolateServer(t, blockingAgent())

	submitted, err := client.Submit(context.Background(), &rpc.SubmitRequest{
		Function: boundFunction(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, submitted.TaskID)

	listed, err := client.List(context.Background(), &rpc.ListRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Tasks, 1)
	assert.Equal(t, submitted.TaskID, listed.Tasks[0].TaskID)

	_, err = client.Cancel(context.Background(), &rpc.CancelRequest{TaskID: submitted.TaskID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		listed, err := client.List(context.Background(), &rpc.ListRequest{})
		return err == nil && len(listed.Tasks) == 0
	}, 5*time.Second, 50*time.Millisecond, "cancelled task must leave the registry")
}

func TestServicer_CancelUnknownTask(t *testing.T) {
	client := startIsolateServer(t, completingAgent())

	_, err := client.Cancel(context.Background(), &rpc.CancelRequest{TaskID: "not-a-task"})
	assert.NoError(t, err, "unknown ids are silently accepted")
}

func TestServicer_SubmitWithoutFunction(t *testing.T) {
	client := startIsolateServer(t, completingAgent())

	_, err := client.Submit(context.Background(), &rpc.SubmitRequest{})
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, s.Code())
}

func TestServicer_CompletedTaskLeavesRegistry(t *testing.T) {
	client := startIsolateServer(t, completingAgent())

	_, err := client.Submit(context.Background(), &rpc.SubmitRequest{
		Function: boundFunction(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		listed, err := client.List(context.Background(), &rpc.ListRequest{})
		return err == nil && len(listed.Tasks) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServicer_ClientCancellationStopsRun(t *testing.T) {
	client := startIsolateServer(t, blockingAgent())

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Run(ctx, boundFunction())
	require.NoError(t, err)

	// Let the pipeline reach the agent, then hang up.
	time.Sleep(200 * time.Millisecond)
	cancel()

	_, err = drainRun(t, stream)
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Canceled, s.Code())
}
