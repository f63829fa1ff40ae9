package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	fsm "github.com/sushant-115/gojotxn/core/replication/raft_consensus"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	raftID      = flag.String("raft-id", "", "Raft server id, overrides controller.raft_id")
	raftAddr    = flag.String("raft-addr", "", "Raft bind address, overrides controller.raft_address")
	httpAddr    = flag.String("http-addr", "", "HTTP API address, overrides controller.http_address")
	raftDir     = flag.String("raft-dir", "", "Raft data directory, overrides controller.data_dir")
	bootstrap   = flag.Bool("bootstrap", false, "Bootstrap a new controller cluster")
	joinAddress = flag.String("join", "", "HTTP address of a controller to join through")
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
	ctl := &cfg.Controller
	for flagValue, field := range map[*string]*string{raftID: &ctl.RaftID, raftAddr: &ctl.RaftAddress, httpAddr: &ctl.HTTPAddress, raftDir: &ctl.DataDir, joinAddress: &ctl.JoinAddress} {
		if *flagValue != "" {
			*field = *flagValue
		}
	}
	if *bootstrap {
		ctl.Bootstrap = true
	}

	zlogger, err := logger.New(cfg.Logger, "gojotxn_controller")
	if err != nil {
		panic(err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger.With(zap.String("raft_id", ctl.RaftID))); err != nil {
		zlogger.Fatal("Controller failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zlogger *zap.Logger) error {
	if err := cfg.ValidateController(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gojotxn_controller"
	}
	_, shutdownTelemetry, err := telemetry.New(ctx, cfg.Telemetry, zlogger)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	ctl := cfg.Controller
	registry, err := fsm.Open(fsm.Config{
		ID:          ctl.RaftID,
		BindAddress: ctl.RaftAddress,
		DataDir:     ctl.DataDir,
		Bootstrap:   ctl.Bootstrap,
	}, zlogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			zlogger.Error("Closing raft failed", zap.Error(err))
		}
	}()

	if ctl.JoinAddress != "" {
		if err := join(ctx, ctl, zlogger); err != nil {
			return err
		}
	}

	server := &http.Server{Addr: ctl.HTTPAddress, Handler: registry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		zlogger.Info("Shutting down controller")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	zlogger.Info("Controller serving", zap.String("http", ctl.HTTPAddress), zap.String("raft", ctl.RaftAddress))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// join asks an existing member to add this controller, retrying while
// that member elects a leader.
func join(ctx context.Context, ctl config.Controller, zlogger *zap.Logger) error {
	q := url.Values{"id": {ctl.RaftID}, "address": {ctl.RaftAddress}}
	target := fmt.Sprintf("http://%s/join?%s", ctl.JoinAddress, q.Encode())
	client := &http.Client{Timeout: 10 * time.Second}
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				zlogger.Info("Joined controller cluster", zap.String("via", ctl.JoinAddress))
				return nil
			}
			err = errors.Newf("join returned %s", resp.Status)
		}
		zlogger.Warn("Join attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "joining controller cluster")
		case <-time.After(time.Second):
		}
	}
}
