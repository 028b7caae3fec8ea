package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Full method names of the Isolate service.
const (
	Isolate_Run_FullMethodName    = "/Isolate/Run"
	Isolate_Submit_FullMethodName = "/Isolate/Submit"
	Isolate_List_FullMethodName   = "/Isolate/List"
	Isolate_Cancel_FullMethodName = "/Isolate/Cancel"
)

// IsolateClient is the client API for the Isolate service.
type IsolateClient interface {
	// Run executes the bound function, streaming logs and the final result.
	Run(ctx context.Context, in *BoundFunction, opts ...grpc.CallOption) (Isolate_RunClient, error)
	// Submit schedules the bound function to run in the background.
	Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	// List returns the currently running background tasks.
	List(ctx context.Context, in *ListRequest, opts ...grpc.CallOption) (*ListResponse, error)
	// Cancel stops a background task.
	Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error)
}

type isolateClient struct {
	cc grpc.ClientConnInterface
}

// NewIsolateClient returns a client stub over the given connection. The
// connection must be dialed with DefaultDialOptions (or an explicit
// CallContentSubtype for the JSON codec).
func NewIsolateClient(cc grpc.ClientConnInterface) IsolateClient {
	return &isolateClient{cc}
}

func (c *isolateClient) Run(ctx context.Context, in *BoundFunction, opts ...grpc.CallOption) (Isolate_RunClient, error) {
	stream, err := c.cc.NewStream(ctx, &Isolate_ServiceDesc.Streams[0], Isolate_Run_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &isolateRunClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type Isolate_RunClient interface {
	Recv() (*PartialRunResult, error)
	grpc.ClientStream
}

type isolateRunClient struct {
	grpc.ClientStream
}

func (x *isolateRunClient) Recv() (*PartialRunResult, error) {
	m := new(PartialRunResult)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *isolateClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.cc.Invoke(ctx, Isolate_Submit_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *isolateClient) List(ctx context.Context, in *ListRequest, opts ...grpc.CallOption) (*ListResponse, error) {
	out := new(ListResponse)
	if err := c.cc.Invoke(ctx, Isolate_List_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *isolateClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, Isolate_Cancel_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// IsolateServer is the server API for the Isolate service.
type IsolateServer interface {
	Run(*BoundFunction, Isolate_RunServer) error
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Cancel(context.Context, *CancelRequest) (*CancelResponse, error)
}

// UnimplementedIsolateServer can be embedded for forward compatibility.
type UnimplementedIsolateServer struct{}

func (UnimplementedIsolateServer) Run(*BoundFunction, Isolate_RunServer) error {
	return status.Errorf(codes.Unimplemented, "method Run not implemented")
}

func (UnimplementedIsolateServer) Submit(context.Context, *SubmitRequest) (*SubmitResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Submit not implemented")
}

func (UnimplementedIsolateServer) List(context.Context, *ListRequest) (*ListResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method List not implemented")
}

func (UnimplementedIsolateServer) Cancel(context.Context, *CancelRequest) (*CancelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Cancel not implemented")
}

// RegisterIsolateServer registers the service implementation with the
// given gRPC server.
func RegisterIsolateServer(s grpc.ServiceRegistrar, srv IsolateServer) {
	s.RegisterService(&Isolate_ServiceDesc, srv)
}

type Isolate_RunServer interface {
	Send(*PartialRunResult) error
	grpc.ServerStream
}

type isolateRunServer struct {
	grpc.ServerStream
}

func (x *isolateRunServer) Send(m *PartialRunResult) error {
	return x.ServerStream.SendMsg(m)
}

func _Isolate_Run_Handler(srv any, stream grpc.ServerStream) error {
	m := new(BoundFunction)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(IsolateServer).Run(m, &isolateRunServer{ServerStream: stream})
}

func _Isolate_Submit_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IsolateServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Isolate_Submit_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IsolateServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Isolate_List_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IsolateServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Isolate_List_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IsolateServer).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Isolate_Cancel_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IsolateServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Isolate_Cancel_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IsolateServer).Cancel(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Isolate_ServiceDesc is the grpc.ServiceDesc for the Isolate service.
var Isolate_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "Isolate",
	HandlerType: (*IsolateServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler:    _Isolate_Submit_Handler,
		},
		{
			MethodName: "List",
			Handler:    _Isolate_List_Handler,
		},
		{
			MethodName: "Cancel",
			Handler:    _Isolate_Cancel_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Run",
			Handler:       _Isolate_Run_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "definitions/server.proto",
}
