package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/node"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/internal/cluster"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/shardclient"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	shardID    = flag.String("shard-id", "", "Shard id, overrides node.shard_id")
	dataDir    = flag.String("data-dir", "", "Data directory, overrides node.data_dir")
	listenAddr = flag.String("listen", "", "Shard gRPC address, overrides node.listen_address")
	logLevel   = flag.String("log-level", "", "Log level, overrides logger.level")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			panic(err)
		}
	}
	if *shardID != "" {
		cfg.Node.ShardID = *shardID
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.Node.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	zlogger, err := logger.New(cfg.Logger, "gojotxn_node")
	if err != nil {
		panic(err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger.With(zap.String("shard", cfg.Node.ShardID))); err != nil {
		zlogger.Fatal("Node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zlogger *zap.Logger) error {
	if cfg.Node.ShardID == "" {
		return errors.New("node: shard_id is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gojotxn_node"
	}
	tel, shutdownTelemetry, err := telemetry.New(ctx, cfg.Telemetry, zlogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	applierMetrics, err := internaltelemetry.NewApplierMetrics(tel.Meter)
	if err != nil {
		return err
	}
	rpcMetrics, err := internaltelemetry.NewRPCServerMetrics(tel.Meter)
	if err != nil {
		return err
	}

	// Other shards are only needed to coordinate two-phase commits.
	var remote shard.Sender
	if cfg.ValidateCluster() == nil {
		shards, err := cluster.Connect(ctx, cfg.Cluster, zlogger)
		if err != nil {
			return err
		}
		defer shards.Close()
		remote = shards
	} else {
		zlogger.Warn("No shard map configured; this node cannot coordinate multi-shard commits")
	}

	n, err := node.Open(ctx, cfg.Node.Config, node.Deps{
		Remote:  remote,
		Metrics: applierMetrics,
		Tracer:  tel.Tracer,
		Wall:    clockwork.NewRealClock(),
		Logger:  zlogger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			zlogger.Error("Closing node stores failed", zap.Error(err))
		}
	}()

	opts, err := cluster.ServerOptions(cfg.Cluster.ServerTLS())
	if err != nil {
		return err
	}
	opts = append(opts, grpc.UnaryInterceptor(rpcMetrics.UnaryServerInterceptor()))
	grpcServer := grpc.NewServer(opts...)
	shardclient.RegisterCommandServer(grpcServer, shardclient.ShardServiceName, shardclient.NewServer(n.Service()))

	lis, err := net.Listen("tcp", cfg.Node.ListenAddress)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	g.Go(func() error {
		zlogger.Info("Node serving", zap.String("address", cfg.Node.ListenAddress), zap.Stringer("applied", n.Applied()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		zlogger.Info("Shutting down node")
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}
