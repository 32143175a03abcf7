package network

import (
	"context"

	"google.golang.org/grpc"
)

const (
	warpServiceName         = "Warp"
	registrationServiceName = "WarpRegistration"

	methodCheckDuplexConnection    = "/Warp/CheckDuplexConnection"
	methodWaitingForDuplex         = "/Warp/WaitingForDuplex"
	methodGetRemoteMachineInfo     = "/Warp/GetRemoteMachineInfo"
	methodGetRemoteMachineAvatar   = "/Warp/GetRemoteMachineAvatar"
	methodProcessTransferOpRequest = "/Warp/ProcessTransferOpRequest"
	methodPauseTransferOp          = "/Warp/PauseTransferOp"
	methodStartTransfer            = "/Warp/StartTransfer"
	methodCancelTransferOpRequest  = "/Warp/CancelTransferOpRequest"
	methodStopTransfer             = "/Warp/StopTransfer"
	methodPing                     = "/Warp/Ping"

	methodRequestCertificate = "/WarpRegistration/RequestCertificate"
	methodRegisterService    = "/WarpRegistration/RegisterService"
)

// WarpServer handles the authenticated peer service.
type WarpServer interface {
	CheckDuplexConnection(context.Context, *LookupName) (*HaveDuplex, error)
	WaitingForDuplex(context.Context, *LookupName) (*HaveDuplex, error)
	GetRemoteMachineInfo(context.Context, *LookupName) (*RemoteMachineInfo, error)
	GetRemoteMachineAvatar(*LookupName, grpc.ServerStreamingServer[RemoteMachineAvatar]) error
	ProcessTransferOpRequest(context.Context, *TransferOpRequest) (*VoidType, error)
	PauseTransferOp(context.Context, *OpInfo) (*VoidType, error)
	StartTransfer(*OpInfo, grpc.ServerStreamingServer[FileChunk]) error
	CancelTransferOpRequest(context.Context, *OpInfo) (*VoidType, error)
	StopTransfer(context.Context, *StopInfo) (*VoidType, error)
	Ping(context.Context, *LookupName) (*VoidType, error)
}

// RegistrationServer handles the plaintext pairing service.
type RegistrationServer interface {
	RequestCertificate(context.Context, *RegRequest) (*RegResponse, error)
	RegisterService(context.Context, *ServiceRegistration) (*ServiceRegistration, error)
}

func unaryHandler[T any, P interface {
	*T
	Message
}](fullMethod string, call func(srv any, ctx context.Context, req P) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := P(new(T))
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
			return call(srv, ctx, r.(P))
		})
	}
}

var warpServiceDesc = grpc.ServiceDesc{
	ServiceName: warpServiceName,
	HandlerType: (*WarpServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CheckDuplexConnection",
			Handler: unaryHandler(methodCheckDuplexConnection, func(srv any, ctx context.Context, req *LookupName) (any, error) {
				return srv.(WarpServer).CheckDuplexConnection(ctx, req)
			}),
		},
		{
			MethodName: "WaitingForDuplex",
			Handler: unaryHandler(methodWaitingForDuplex, func(srv any, ctx context.Context, req *LookupName) (any, error) {
				return srv.(WarpServer).WaitingForDuplex(ctx, req)
			}),
		},
		{
			MethodName: "GetRemoteMachineInfo",
			Handler: unaryHandler(methodGetRemoteMachineInfo, func(srv any, ctx context.Context, req *LookupName) (any, error) {
				return srv.(WarpServer).GetRemoteMachineInfo(ctx, req)
			}),
		},
		{
			MethodName: "ProcessTransferOpRequest",
			Handler: unaryHandler(methodProcessTransferOpRequest, func(srv any, ctx context.Context, req *TransferOpRequest) (any, error) {
				return srv.(WarpServer).ProcessTransferOpRequest(ctx, req)
			}),
		},
		{
			MethodName: "PauseTransferOp",
			Handler: unaryHandler(methodPauseTransferOp, func(srv any, ctx context.Context, req *OpInfo) (any, error) {
				return srv.(WarpServer).PauseTransferOp(ctx, req)
			}),
		},
		{
			MethodName: "CancelTransferOpRequest",
			Handler: unaryHandler(methodCancelTransferOpRequest, func(srv any, ctx context.Context, req *OpInfo) (any, error) {
				return srv.(WarpServer).CancelTransferOpRequest(ctx, req)
			}),
		},
		{
			MethodName: "StopTransfer",
			Handler: unaryHandler(methodStopTransfer, func(srv any, ctx context.Context, req *StopInfo) (any, error) {
				return srv.(WarpServer).StopTransfer(ctx, req)
			}),
		},
		{
			MethodName: "Ping",
			Handler: unaryHandler(methodPing, func(srv any, ctx context.Context, req *LookupName) (any, error) {
				return srv.(WarpServer).Ping(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "GetRemoteMachineAvatar",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(LookupName)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(WarpServer).GetRemoteMachineAvatar(req, &grpc.GenericServerStream[LookupName, RemoteMachineAvatar]{ServerStream: stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "StartTransfer",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(OpInfo)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(WarpServer).StartTransfer(req, &grpc.GenericServerStream[OpInfo, FileChunk]{ServerStream: stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "warp.proto",
}

var registrationServiceDesc = grpc.ServiceDesc{
	ServiceName: registrationServiceName,
	HandlerType: (*RegistrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestCertificate",
			Handler: unaryHandler(methodRequestCertificate, func(srv any, ctx context.Context, req *RegRequest) (any, error) {
				return srv.(RegistrationServer).RequestCertificate(ctx, req)
			}),
		},
		{
			MethodName: "RegisterService",
			Handler: unaryHandler(methodRegisterService, func(srv any, ctx context.Context, req *ServiceRegistration) (any, error) {
				return srv.(RegistrationServer).RegisterService(ctx, req)
			}),
		},
	},
	Metadata: "warp.proto",
}

// RegisterWarpServer attaches srv to s.
func RegisterWarpServer(s grpc.ServiceRegistrar, srv WarpServer) {
	s.RegisterService(&warpServiceDesc, srv)
}

// RegisterRegistrationServer attaches srv to s.
func RegisterRegistrationServer(s grpc.ServiceRegistrar, srv RegistrationServer) {
	s.RegisterService(&registrationServiceDesc, srv)
}

// WarpClient calls the Warp service of a remote.
type WarpClient struct {
	cc grpc.ClientConnInterface
}

// NewWarpClient wraps an established connection.
func NewWarpClient(cc grpc.ClientConnInterface) *WarpClient {
	return &WarpClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(wireCodec{})}, opts...)
}

func invoke[R any](ctx context.Context, cc grpc.ClientConnInterface, method string, in Message, out *R, opts []grpc.CallOption) (*R, error) {
	if err := cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WarpClient) CheckDuplexConnection(ctx context.Context, in *LookupName, opts ...grpc.CallOption) (*HaveDuplex, error) {
	return invoke(ctx, c.cc, methodCheckDuplexConnection, in, new(HaveDuplex), opts)
}

func (c *WarpClient) WaitingForDuplex(ctx context.Context, in *LookupName, opts ...grpc.CallOption) (*HaveDuplex, error) {
	return invoke(ctx, c.cc, methodWaitingForDuplex, in, new(HaveDuplex), opts)
}

func (c *WarpClient) GetRemoteMachineInfo(ctx context.Context, in *LookupName, opts ...grpc.CallOption) (*RemoteMachineInfo, error) {
	return invoke(ctx, c.cc, methodGetRemoteMachineInfo, in, new(RemoteMachineInfo), opts)
}

func (c *WarpClient) ProcessTransferOpRequest(ctx context.Context, in *TransferOpRequest, opts ...grpc.CallOption) (*VoidType, error) {
	return invoke(ctx, c.cc, methodProcessTransferOpRequest, in, new(VoidType), opts)
}

func (c *WarpClient) PauseTransferOp(ctx context.Context, in *OpInfo, opts ...grpc.CallOption) (*VoidType, error) {
	return invoke(ctx, c.cc, methodPauseTransferOp, in, new(VoidType), opts)
}

func (c *WarpClient) CancelTransferOpRequest(ctx context.Context, in *OpInfo, opts ...grpc.CallOption) (*VoidType, error) {
	return invoke(ctx, c.cc, methodCancelTransferOpRequest, in, new(VoidType), opts)
}

func (c *WarpClient) StopTransfer(ctx context.Context, in *StopInfo, opts ...grpc.CallOption) (*VoidType, error) {
	return invoke(ctx, c.cc, methodStopTransfer, in, new(VoidType), opts)
}

func (c *WarpClient) Ping(ctx context.Context, in *LookupName, opts ...grpc.CallOption) (*VoidType, error) {
	return invoke(ctx, c.cc, methodPing, in, new(VoidType), opts)
}

// GetRemoteMachineAvatar opens the avatar stream.
func (c *WarpClient) GetRemoteMachineAvatar(ctx context.Context, in *LookupName, opts ...grpc.CallOption) (grpc.ServerStreamingClient[RemoteMachineAvatar], error) {
	stream, err := c.cc.NewStream(ctx, &warpServiceDesc.Streams[0], methodGetRemoteMachineAvatar, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[LookupName, RemoteMachineAvatar]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// StartTransfer asks the sender to begin streaming chunks of an accepted transfer.
func (c *WarpClient) StartTransfer(ctx context.Context, in *OpInfo, opts ...grpc.CallOption) (grpc.ServerStreamingClient[FileChunk], error) {
	stream, err := c.cc.NewStream(ctx, &warpServiceDesc.Streams[1], methodStartTransfer, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[OpInfo, FileChunk]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// RegistrationClient calls the WarpRegistration service of a remote.
type RegistrationClient struct {
	cc grpc.ClientConnInterface
}

// NewRegistrationClient wraps an established plaintext connection.
func NewRegistrationClient(cc grpc.ClientConnInterface) *RegistrationClient {
	return &RegistrationClient{cc: cc}
}

func (c *RegistrationClient) RequestCertificate(ctx context.Context, in *RegRequest, opts ...grpc.CallOption) (*RegResponse, error) {
	return invoke(ctx, c.cc, methodRequestCertificate, in, new(RegResponse), opts)
}

func (c *RegistrationClient) RegisterService(ctx context.Context, in *ServiceRegistration, opts ...grpc.CallOption) (*ServiceRegistration, error) {
	return invoke(ctx, c.cc, methodRegisterService, in, new(ServiceRegistration), opts)
}
