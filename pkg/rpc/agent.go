package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Full method names of the Agent service.
const (
	Agent_Run_FullMethodName = "/Agent/Run"
)

// AgentClient is the client API for the per-worker Agent service. The
// server holds one of these per pooled bridge.
type AgentClient interface {
	// Run dispatches a function call to the worker and streams back logs
	// and the final serialized result.
	Run(ctx context.Context, in *FunctionCall, opts ...grpc.CallOption) (Agent_RunClient, error)
}

type agentClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentClient returns a client stub over the given connection.
func NewAgentClient(cc grpc.ClientConnInterface) AgentClient {
	return &agentClient{cc}
}

func (c *agentClient) Run(ctx context.Context, in *FunctionCall, opts ...grpc.CallOption) (Agent_RunClient, error) {
	stream, err := c.cc.NewStream(ctx, &Agent_ServiceDesc.Streams[0], Agent_Run_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &agentRunClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type Agent_RunClient interface {
	Recv() (*PartialRunResult, error)
	grpc.ClientStream
}

type agentRunClient struct {
	grpc.ClientStream
}

func (x *agentRunClient) Recv() (*PartialRunResult, error) {
	m := new(PartialRunResult)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentServer is the server API for the Agent service, implemented by the
// worker process.
type AgentServer interface {
	Run(*FunctionCall, Agent_RunServer) error
}

// UnimplementedAgentServer can be embedded for forward compatibility.
type UnimplementedAgentServer struct{}

func (UnimplementedAgentServer) Run(*FunctionCall, Agent_RunServer) error {
	return status.Errorf(codes.Unimplemented, "method Run not implemented")
}

// RegisterAgentServer registers the worker-side service implementation.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&Agent_ServiceDesc, srv)
}

type Agent_RunServer interface {
	Send(*PartialRunResult) error
	grpc.ServerStream
}

type agentRunServer struct {
	grpc.ServerStream
}

func (x *agentRunServer) Send(m *PartialRunResult) error {
	return x.ServerStream.SendMsg(m)
}

func _Agent_Run_Handler(srv any, stream grpc.ServerStream) error {
	m := new(FunctionCall)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AgentServer).Run(m, &agentRunServer{ServerStream: stream})
}

// Agent_ServiceDesc is the grpc.ServiceDesc for the Agent service.
var Agent_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "Agent",
	HandlerType: (*AgentServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Run",
			Handler:       _Agent_Run_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "definitions/agent.proto",
}
