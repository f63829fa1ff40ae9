// Package routerservice is the client-facing front door of a router. It
// parses transaction statements, drives the session's transaction router
// and fans statements out to the shards they target.
package routerservice

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/router"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/txnerr"
	"github.com/sushant-115/gojotxn/pkg/shardclient"
)

const (
	endSessionsCmd = "endSessions"
	pingCmd        = "ping"

	// appNameMetadataKey is the gRPC metadata key clients name themselves with.
	appNameMetadataKey = "x-app-name"
)

// Config tunes the statement layer.
type Config struct {
	// MaxStatementRetries bounds how often one statement is re-run after
	// stale routing, view resolution or snapshot errors.
	MaxStatementRetries int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{MaxStatementRetries: 3}
}

// Service runs client commands against the cluster.
type Service struct {
	routers *router.Registry
	sender  shard.Sender
	cfg     Config
	tracer  trace.Tracer
	logger  *zap.Logger
}

var _ shardclient.CommandServer = (*Service)(nil)

// New returns a Service that sends statements through the routers' sender.
func New(routers *router.Registry, cfg Config, tracer trace.Tracer, logger *zap.Logger) *Service {
	if cfg.MaxStatementRetries < 0 {
		cfg.MaxStatementRetries = 0
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Service{
		routers: routers,
		sender:  routers.Sender(),
		cfg:     cfg,
		tracer:  tracer,
		logger:  logger.Named("router_service"),
	}
}

// RunCommand implements the gojotxn.Router gRPC method.
func (s *Service) RunCommand(ctx context.Context, req *shardclient.CommandRequest) (*shardclient.CommandReply, error) {
	if req.DB == "" {
		return nil, status.Error(codes.InvalidArgument, "missing database name")
	}
	var cmd bson.D
	if err := bson.Unmarshal(req.Command, &cmd); err != nil || len(cmd) == 0 {
		return nil, status.Error(codes.InvalidArgument, "command must be a non-empty document")
	}
	return &shardclient.CommandReply{Reply: s.Execute(ctx, req.DB, cmd, clientInfo(ctx))}, nil
}

// Execute runs one client command. Failures are reported in the reply.
func (s *Service) Execute(ctx context.Context, db string, cmd bson.D, client router.ClientInfo) bson.Raw {
	name := command.Name(cmd)
	ctx, span := s.tracer.Start(ctx, "router_service."+name)
	defer span.End()

	reply, err := s.execute(ctx, db, name, cmd, client)
	if err != nil {
		span.RecordError(err)
		s.logger.Debug("Command failed", zap.String("cmd", name), zap.Error(err))
		return command.ErrorReply(err)
	}
	return reply
}

func (s *Service) execute(ctx context.Context, db, name string, cmd bson.D, client router.ClientInfo) (bson.Raw, error) {
	switch name {
	case pingCmd:
		return command.OKReply(), nil
	case command.ReportTransactions:
		return s.reportTransactions()
	case endSessionsCmd:
		return s.endSessions(cmd)
	}

	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "encoding %s: %v", name, err)
	}
	args, err := parseStatementArgs(raw)
	if err != nil {
		return nil, err
	}
	if args.lsid == nil {
		return s.runUntransacted(ctx, db, name, cmd, args)
	}
	return s.runInTransaction(ctx, db, name, cmd, raw, args, client)
}

func (s *Service) reportTransactions() (bson.Raw, error) {
	inprog := bson.A{}
	for _, doc := range s.routers.Report() {
		inprog = append(inprog, doc)
	}
	return command.ToRaw(bson.D{{Key: "inprog", Value: inprog}, {Key: "ok", Value: 1}}), nil
}

// endSessions forgets the routers of the listed sessions. Their open
// transactions are left to time out on the shards.
func (s *Service) endSessions(cmd bson.D) (bson.Raw, error) {
	b, err := bson.Marshal(cmd)
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "%v", err)
	}
	arr, ok := bson.Raw(b).Lookup(endSessionsCmd).ArrayOK()
	if !ok {
		return nil, txnerr.New(txnerr.FailedToParse, "endSessions takes an array of session ids")
	}
	values, err := arr.Values()
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "%v", err)
	}
	for _, v := range values {
		id, err := parseSessionID(v)
		if err != nil {
			return nil, err
		}
		s.routers.Evict(id)
	}
	return command.OKReply(), nil
}

func clientInfo(ctx context.Context) router.ClientInfo {
	var info router.ClientInfo
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.Host = p.Addr.String()
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(appNameMetadataKey); len(v) > 0 {
			info.AppName = v[0]
		}
	}
	return info
}
