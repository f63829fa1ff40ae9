package shardclient

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ShardServiceName is served by shard nodes.
	ShardServiceName = "gojotxn.Shard"
	// RouterServiceName is served by routers to clients.
	RouterServiceName = "gojotxn.Router"

	runCommandMethod = "RunCommand"
)

// CommandRequest is one command for database DB.
type CommandRequest struct {
	DB      string   `bson:"db"`
	Command bson.Raw `bson:"command"`
}

// CommandReply carries the command reply document, errors included.
type CommandReply struct {
	Reply bson.Raw `bson:"reply"`
}

// CommandServer runs commands received over gRPC.
type CommandServer interface {
	RunCommand(ctx context.Context, req *CommandRequest) (*CommandReply, error)
}

// FullMethod is the gRPC method name of RunCommand on service.
func FullMethod(service string) string {
	return "/" + service + "/" + runCommandMethod
}

// RegisterCommandServer registers srv as service on s.
func RegisterCommandServer(s grpc.ServiceRegistrar, service string, srv CommandServer) {
	s.RegisterService(serviceDesc(service), srv)
}

func serviceDesc(service string) *grpc.ServiceDesc {
	fullMethod := FullMethod(service)
	handler := func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(CommandRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(CommandServer).RunCommand(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(CommandServer).RunCommand(ctx, req.(*CommandRequest))
		})
	}
	return &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*CommandServer)(nil),
		Methods:     []grpc.MethodDesc{{MethodName: runCommandMethod, Handler: handler}},
		Streams:     []grpc.StreamDesc{},
		Metadata:    "gojotxn/command",
	}
}

// Invoke runs one command on service over conn.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, service, db string, cmd bson.Raw) (bson.Raw, error) {
	out := new(CommandReply)
	err := conn.Invoke(ctx, FullMethod(service), &CommandRequest{DB: db, Command: cmd}, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if len(out.Reply) == 0 {
		return nil, status.Error(codes.Internal, "empty command reply")
	}
	return out.Reply, nil
}

// CommandRunner is the in-process side of a shard: participant.Service.
type CommandRunner interface {
	RunCommand(ctx context.Context, db string, cmd bson.D) bson.Raw
}

// Server adapts a CommandRunner to CommandServer.
type Server struct {
	runner CommandRunner
}

// NewServer returns a CommandServer backed by runner.
func NewServer(runner CommandRunner) *Server {
	return &Server{runner: runner}
}

func (s *Server) RunCommand(ctx context.Context, req *CommandRequest) (*CommandReply, error) {
	if req.DB == "" {
		return nil, status.Error(codes.InvalidArgument, "missing database name")
	}
	var cmd bson.D
	if err := bson.Unmarshal(req.Command, &cmd); err != nil {
		return nil, status.Error(codes.InvalidArgument, errors.Wrap(err, "decoding command").Error())
	}
	if len(cmd) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	return &CommandReply{Reply: s.runner.RunCommand(ctx, req.DB, cmd)}, nil
}
