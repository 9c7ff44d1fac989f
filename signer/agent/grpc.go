package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SigningAgentServer is the server API for the signing agent service.
//
// Requests and replies are protobuf well-known wrapper types, so no protoc
// step is needed:
//
//	service SigningAgent {
//	  rpc PublicKey(google.protobuf.Empty) returns (google.protobuf.StringValue);
//	  rpc Sign(google.protobuf.BytesValue) returns (google.protobuf.StringValue);
//	}
type SigningAgentServer interface {
	PublicKey(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Sign(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
}

// UnimplementedSigningAgentServer can be embedded to have forward compatible implementations.
type UnimplementedSigningAgentServer struct{}

func (UnimplementedSigningAgentServer) PublicKey(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method PublicKey not implemented")
}
func (UnimplementedSigningAgentServer) Sign(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Sign not implemented")
}

// RegisterSigningAgentServer registers the service on a gRPC server.
func RegisterSigningAgentServer(s grpc.ServiceRegistrar, srv SigningAgentServer) {
	s.RegisterService(&SigningAgent_ServiceDesc, srv)
}

// SigningAgentClient is the client API for the signing agent service.
type SigningAgentClient interface {
	PublicKey(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Sign(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type signingAgentClient struct{ cc grpc.ClientConnInterface }

func NewSigningAgentClient(cc grpc.ClientConnInterface) SigningAgentClient {
	return &signingAgentClient{cc: cc}
}

const (
	serviceName     = "npc.signer.agent.v1.SigningAgent"
	methodPublicKey = "/" + serviceName + "/PublicKey"
	methodSign      = "/" + serviceName + "/Sign"
)

func (c *signingAgentClient) PublicKey(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodPublicKey, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *signingAgentClient) Sign(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodSign, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _SigningAgent_PublicKey_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SigningAgentServer).PublicKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublicKey}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SigningAgentServer).PublicKey(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _SigningAgent_Sign_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SigningAgentServer).Sign(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSign}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SigningAgentServer).Sign(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// SigningAgent_ServiceDesc is the grpc.ServiceDesc for the signing agent service.
var SigningAgent_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SigningAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PublicKey", Handler: _SigningAgent_PublicKey_Handler},
		{MethodName: "Sign", Handler: _SigningAgent_Sign_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signing_agent.proto",
}
