package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fal-ai/insulate/pkg/rpc"
)

func TestRunner_HappyPath(t *testing.T) {
	backend := startAgentBackend(t, completingAgent())
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}

	elements, err := collectStream(t, runner, request)
	require.NoError(t, err)
	require.NotEmpty(t, elements)

	// Exactly one terminal element, and it is the last.
	var terminals int
	for _, element := range elements {
		if element.IsComplete {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	last := elements[len(elements)-1]
	require.True(t, last.IsComplete)
	require.NotNil(t, last.Result)
	assert.Equal(t, []byte("42"), last.Result.Definition)
	assert.False(t, last.Result.WasItRaised)

	// The builder log arrived before the terminal element.
	var sawBuilderLog bool
	for _, element := range elements[:len(elements)-1] {
		for _, log := range element.Logs {
			if log.Source == rpc.SourceBuilder {
				sawBuilderLog = true
			}
		}
	}
	assert.True(t, sawBuilderLog, "builder logs must precede the terminal element")
}

func TestRunner_EmptyEnvironments(t *testing.T) {
	backend := startAgentBackend(t, completingAgent())
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: nil,
		Function:     execFunction(),
	}

	elements, err := collectStream(t, runner, request)
	assert.Empty(t, elements, "no stream elements may precede the validation failure")

	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, s.Code())
	assert.Equal(t, "At least one environment must be specified for a run!", s.Message())
}

func TestRunner_UnknownKind(t *testing.T) {
	backend := startAgentBackend(t, completingAgent())
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{{Kind: "does-not-exist"}},
		Function:     execFunction(),
	}

	elements, err := collectStream(t, runner, request)
	assert.Empty(t, elements)

	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, s.Code())
	assert.Contains(t, s.Message(), "Unknown environment kind: does-not-exist")
}

func TestRunner_BuildFailure(t *testing.T) {
	backend := startAgentBackend(t, completingAgent())
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{{
			Kind:          "static",
			Configuration: map[string]any{"fail": "no space left for the environment"},
		}},
		Function: execFunction(),
	}

	_, err := collectStream(t, runner, request)
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, s.Code())
	assert.Contains(t, s.Message(), "no space left for the environment")
}

func TestRunner_UserRaisedIsNotAnError(t *testing.T) {
	raising := &scriptedAgent{run: func(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
		return stream.Send(&rpc.PartialRunResult{
			IsComplete: true,
			Result: &rpc.SerializedObject{
				Method:              call.Function.Method,
				Definition:          []byte(`{"exit_code":1}`),
				WasItRaised:         true,
				StringizedTraceback: "ValueError: boom",
			},
		})
	}}
	backend := startAgentBackend(t, raising)
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}

	elements, err := collectStream(t, runner, request)
	require.NoError(t, err, "user exceptions end the stream with a success status")

	last := elements[len(elements)-1]
	require.True(t, last.IsComplete)
	assert.True(t, last.Result.WasItRaised)
	assert.Contains(t, last.Result.StringizedTraceback, "ValueError: boom")
}

func TestRunner_AgentStatusCodeIsPreserved(t *testing.T) {
	denying := &scriptedAgent{run: func(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
		return status.Error(codes.ResourceExhausted, "worker is out of memory")
	}}
	backend := startAgentBackend(t, denying)
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}

	_, err := collectStream(t, runner, request)
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, s.Code())
	assert.Contains(t, s.Message(), "worker is out of memory")
}

func TestRunner_SilentAgentDeathAborts(t *testing.T) {
	// An agent that ends the stream without ever delivering a terminal
	// element is a structured agent failure.
	silent := &scriptedAgent{run: func(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
		return stream.Send(&rpc.PartialRunResult{
			Logs: []*rpc.Log{{Message: "about to vanish"}},
		})
	}}
	backend := startAgentBackend(t, silent)
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}

	elements, err := collectStream(t, runner, request)
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Aborted, s.Code())

	// The failure detail was also emitted as error logs on the stream.
	var sawErrorLog bool
	for _, element := range elements {
		for _, log := range element.Logs {
			if log.Level == rpc.LevelError {
				sawErrorLog = true
			}
		}
	}
	assert.True(t, sawErrorLog)
}

func TestRunner_KeepAlive(t *testing.T) {
	slow := &scriptedAgent{run: func(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
		select {
		case <-time.After(400 * time.Millisecond):
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
		return stream.Send(&rpc.PartialRunResult{
			IsComplete: true,
			Result:     &rpc.SerializedObject{Method: "exec", Definition: []byte("{}")},
		})
	}}
	backend := startAgentBackend(t, slow)
	runner, _ := newTestRunner(t, backend, RunnerOptions{
		EmptyMessageInterval: 120 * time.Millisecond,
	})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}

	elements, err := collectStream(t, runner, request)
	require.NoError(t, err)

	var keepAlives int
	for _, element := range elements {
		if !element.IsComplete && len(element.Logs) == 0 && element.Result == nil {
			keepAlives++
		}
	}
	assert.GreaterOrEqual(t, keepAlives, 1, "idle streams must carry keep-alive elements")
	assert.LessOrEqual(t, keepAlives, 3, "keep-alives are one per idle interval, not per poll")
}

func TestRunner_BridgeReuseAcrossRuns(t *testing.T) {
	backend := startAgentBackend(t, completingAgent())
	runner, _ := newTestRunner(t, backend, RunnerOptions{})

	request := &rpc.BoundFunction{
		Environments: []*rpc.EnvironmentDefinition{staticEnvironment("/envs/primary")},
		Function:     execFunction(),
	}

	for i := 0; i < 2; i++ {
		_, err := collectStream(t, runner, request)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), backend.dials.Load(), "sequential identical runs share one bridge")
}
