// Package agent implements the worker side of insulate: a single-tenant
// gRPC servicer that receives a serialized function call, executes it
// inside the environment the process was launched in, and streams logs
// plus the serialized outcome back to the orchestration server.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// Servicer handles Agent.Run. One worker process serves one bridge, so a
// plain mutex around the setup cache is all the synchronization needed.
type Servicer struct {
	rpc.UnimplementedAgentServer

	mu         sync.Mutex
	setupCache map[string]string

	log *logrus.Entry
}

// NewServicer returns a worker servicer.
func NewServicer(log *logrus.Entry) *Servicer {
	return &Servicer{
		setupCache: make(map[string]string),
		log:        log.WithField("component", "agent"),
	}
}

// Run executes the call and streams the outcome. User-code failures are
// not RPC errors: they come back as a terminal result with WasItRaised
// set. Only undecodable or unexecutable inputs abort the stream.
func (s *Servicer) Run(call *rpc.FunctionCall, stream rpc.Agent_RunServer) error {
	if err := s.sendLog(stream, "A connection has been established."); err != nil {
		return err
	}

	if call.Function == nil {
		return status.Error(codes.InvalidArgument, "No function was provided to run.")
	}
	if call.Function.WasItRaised {
		return status.Error(codes.InvalidArgument, "The input function must be callable, not a raised exception.")
	}

	setupResult, err := s.runSetup(call, stream)
	if err != nil {
		return err
	}

	if err := s.sendLog(stream, "Starting the execution of the input function."); err != nil {
		return err
	}

	outcome, err := s.execute(stream.Context(), call.Function, setupResult, func(line string) {
		element := &rpc.PartialRunResult{
			Logs: []*rpc.Log{{Message: line, Level: rpc.LevelInfo, Source: rpc.SourceUser}},
		}
		_ = stream.Send(element)
	})
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.sendLog(stream, "Completed the execution of the input function. Sending the result."); err != nil {
		return err
	}

	return stream.Send(&rpc.PartialRunResult{
		IsComplete: true,
		Result: &rpc.SerializedObject{
			Method:              call.Function.Method,
			Definition:          outcome.definition,
			WasItRaised:         outcome.wasItRaised,
			StringizedTraceback: outcome.traceback,
		},
	})
}

// runSetup executes the optional setup function once per content digest.
// Its output is cached for the lifetime of the worker and handed to every
// subsequent function execution.
func (s *Servicer) runSetup(call *rpc.FunctionCall, stream rpc.Agent_RunServer) (string, error) {
	setup := call.SetupFunc
	if setup == nil {
		return "", nil
	}
	if setup.WasItRaised {
		return "", status.Error(codes.InvalidArgument, "The setup function must be callable, not a raised exception.")
	}

	cacheKey := digestOf(setup.Method, setup.Definition)

	s.mu.Lock()
	cached, ok := s.setupCache[cacheKey]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	if err := s.sendLog(stream, "Running the setup function."); err != nil {
		return "", err
	}

	outcome, err := s.execute(stream.Context(), setup, "", func(line string) {
		element := &rpc.PartialRunResult{
			Logs: []*rpc.Log{{Message: line, Level: rpc.LevelInfo, Source: rpc.SourceUser}},
		}
		_ = stream.Send(element)
	})
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}

	if outcome.wasItRaised {
		if err := s.sendLog(stream, "The setup function has thrown an error. Aborting the run."); err != nil {
			return "", err
		}
		// Ship the failure back before aborting so the caller can see it.
		_ = stream.Send(&rpc.PartialRunResult{
			Result: &rpc.SerializedObject{
				Method:              setup.Method,
				Definition:          outcome.definition,
				WasItRaised:         true,
				StringizedTraceback: outcome.traceback,
			},
		})
		return "", status.Error(codes.InvalidArgument, "The setup function has thrown an error.")
	}

	result := outcome.setupValue
	s.mu.Lock()
	s.setupCache[cacheKey] = result
	s.mu.Unlock()
	return result, nil
}

func (s *Servicer) execute(ctx context.Context, object *rpc.SerializedObject, setupResult string, userLog func(string)) (executionOutcome, error) {
	executor, ok := executors[object.Method]
	if !ok {
		return executionOutcome{}, fmt.Errorf("The method %q is not supported by this agent.", object.Method)
	}

	s.log.WithField("method", object.Method).Debug("Executing the input")
	return executor(ctx, object.Definition, setupResult, userLog)
}

func (s *Servicer) sendLog(stream rpc.Agent_RunServer, message string) error {
	s.log.Debug(message)
	return stream.Send(&rpc.PartialRunResult{
		Logs: []*rpc.Log{{
			Message: message,
			Level:   rpc.LevelTrace,
			Source:  rpc.SourceBridge,
		}},
	})
}

func digestOf(method string, definition []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(definition)
	return hex.EncodeToString(h.Sum(nil))
}
