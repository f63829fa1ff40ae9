package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	routerservice "github.com/sushant-115/gojotxn/api/router_service"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/clock"
	"github.com/sushant-115/gojotxn/core/router"
	"github.com/sushant-115/gojotxn/internal/cluster"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/shardclient"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	listenAddr = flag.String("listen", "", "Client gRPC address, overrides router.listen_address")
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
	if *listenAddr != "" {
		cfg.Router.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	zlogger, err := logger.New(cfg.Logger, "gojotxn_router")
	if err != nil {
		panic(err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("Router failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zlogger *zap.Logger) error {
	if err := cfg.ValidateCluster(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gojotxn_router"
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

	routerMetrics, err := internaltelemetry.NewRouterMetrics(tel.Meter)
	if err != nil {
		return err
	}
	rpcMetrics, err := internaltelemetry.NewRPCServerMetrics(tel.Meter)
	if err != nil {
		return err
	}

	shards, err := cluster.Connect(ctx, cfg.Cluster, zlogger)
	if err != nil {
		return err
	}
	defer shards.Close()

	routers := router.NewRegistry(router.Env{
		Sender:  shards,
		Clock:   clock.NewHybridClock(clockwork.NewRealClock()),
		Metrics: routerMetrics,
		Tracer:  tel.Tracer,
		Logger:  zlogger,
		Config:  cfg.Router.RouterConfig(),
	})
	svc := routerservice.New(routers, cfg.Router.ServiceConfig(), tel.Tracer, zlogger)

	opts, err := cluster.ServerOptions(cfg.Cluster.ServerTLS())
	if err != nil {
		return err
	}
	opts = append(opts, grpc.UnaryInterceptor(rpcMetrics.UnaryServerInterceptor()))
	grpcServer := grpc.NewServer(opts...)
	shardclient.RegisterCommandServer(grpcServer, shardclient.RouterServiceName, svc)

	lis, err := net.Listen("tcp", cfg.Router.ListenAddress)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		zlogger.Info("Shutting down router")
		grpcServer.GracefulStop()
	}()

	zlogger.Info("Router serving",
		zap.String("address", cfg.Router.ListenAddress),
		zap.Int("static_shards", len(cfg.Cluster.Shards)),
		zap.String("controller", cfg.Cluster.ControllerAddress))
	return grpcServer.Serve(lis)
}
