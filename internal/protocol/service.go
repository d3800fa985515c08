// ABOUTME: Hand-declared gRPC service descriptor for the bidirectional agent stream.
// ABOUTME: Provides typed server/client stream wrappers over Frame.

package protocol

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "opsrelay.v1.AgentControl"

	// AgentStreamMethod is the full method path of the agent stream.
	AgentStreamMethod = "/" + ServiceName + "/AgentStream"

	// FingerprintHeader carries the agent's device fingerprint at connect time.
	FingerprintHeader = "x-device-fingerprint"

	// ConnectionHeader is sent back in the response headers once the
	// coordinator has accepted the stream.
	ConnectionHeader = "x-connection-id"
)

// AgentControlServer is implemented by the coordinator.
type AgentControlServer interface {
	AgentStream(AgentStreamServer) error
}

// AgentStreamServer is the coordinator's side of one agent connection.
type AgentStreamServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type agentStreamServer struct {
	grpc.ServerStream
}

func (s *agentStreamServer) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *agentStreamServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func agentStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentControlServer).AgentStream(&agentStreamServer{stream})
}

// AgentControlServiceDesc describes the AgentControl service to grpc.Server.
var AgentControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "AgentStream",
			Handler:       agentStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "opsrelay/v1/agent",
}

// RegisterAgentControlServer registers srv on s.
func RegisterAgentControlServer(s grpc.ServiceRegistrar, srv AgentControlServer) {
	s.RegisterService(&AgentControlServiceDesc, srv)
}

// AgentStreamClient is the agent's side of its connection.
type AgentStreamClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type agentStreamClient struct {
	grpc.ClientStream
}

func (c *agentStreamClient) Send(f *Frame) error {
	return c.ClientStream.SendMsg(f)
}

func (c *agentStreamClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// OpenAgentStream starts the bidirectional stream on cc using the frame codec.
func OpenAgentStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (AgentStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &AgentControlServiceDesc.Streams[0], AgentStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &agentStreamClient{stream}, nil
}
