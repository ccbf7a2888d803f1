package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ChannelServer is the server API for the channel gRPC service. Connect holds
// one bidirectional stream of wrapperspb.BytesValue frames.
//
// Proto definition:
//
//	service Channel {
//	  rpc Connect(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue);
//	}
type ChannelServer interface {
	Connect(grpc.ServerStream) error
}

const (
	channelServiceName   = "xprocbus.channel.v1.Channel"
	channelConnectMethod = "/xprocbus.channel.v1.Channel/Connect"
)

func RegisterChannelServer(s grpc.ServiceRegistrar, srv ChannelServer) {
	s.RegisterService(&Channel_ServiceDesc, srv)
}

func _Channel_Connect_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Connect(stream)
}

// Channel_ServiceDesc is the grpc.ServiceDesc for the Channel service.
var Channel_ServiceDesc = grpc.ServiceDesc{
	ServiceName: channelServiceName,
	HandlerType: (*ChannelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       _Channel_Connect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "channel.proto",
}

func newConnectStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &Channel_ServiceDesc.Streams[0], channelConnectMethod, opts...)
}
