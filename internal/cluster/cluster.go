// Package cluster connects a process to the shards named by its
// configuration.
package cluster

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/security/internaltls"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/pkg/connection"
	"github.com/sushant-115/gojotxn/pkg/shardclient"
)

// Client is a shard sender with the connections it owns.
type Client struct {
	*shardclient.Client
	Registry shard.Registry
	pool     *connection.ConnectionPoolManager
}

// Connect builds a shard client from c. With a controller address the
// shard map is refreshed in the background until ctx is done.
func Connect(ctx context.Context, c config.Cluster, logger *zap.Logger) (*Client, error) {
	creds, err := ClientCredentials(c.ClientTLS())
	if err != nil {
		return nil, err
	}

	var registry shard.Registry
	if len(c.Shards) > 0 {
		registry = shard.NewStaticRegistry(c.Shards)
	} else {
		cr := shard.NewControllerRegistry(c.ControllerAddress, c.RefreshInterval, logger)
		if err := cr.Refresh(ctx); err != nil {
			logger.Warn("Initial shard map refresh failed", zap.String("controller", c.ControllerAddress), zap.Error(err))
		}
		go cr.Run(ctx)
		registry = cr
	}

	pool := connection.NewConnectionPoolManager(grpc.WithTransportCredentials(creds))
	return &Client{
		Client:   shardclient.NewClient(registry, pool, c.ShardRPC, logger),
		Registry: registry,
		pool:     pool,
	}, nil
}

// Close closes every shard connection.
func (c *Client) Close() error {
	return c.pool.Close()
}

// ClientCredentials returns mutual TLS credentials when files are
// configured, plaintext otherwise.
func ClientCredentials(f internaltls.Files) (credentials.TransportCredentials, error) {
	if !f.Enabled() {
		return insecure.NewCredentials(), nil
	}
	tlsCfg, err := internaltls.LoadClientTLSConfig(f)
	if err != nil {
		return nil, errors.Wrap(err, "loading client TLS config")
	}
	return credentials.NewTLS(tlsCfg), nil
}

// ServerOptions returns the gRPC server options for f.
func ServerOptions(f internaltls.Files) ([]grpc.ServerOption, error) {
	if !f.Enabled() {
		return nil, nil
	}
	tlsCfg, err := internaltls.LoadServerTLSConfig(f)
	if err != nil {
		return nil, errors.Wrap(err, "loading server TLS config")
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tlsCfg))}, nil
}
