package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  service_name: gojotxn_router
  prometheus_port: 9100
cluster:
  shards:
    shardA: localhost:27201
    shardB: localhost:27202
  shard_rpc:
    max_attempts: 5
    initial_backoff: 10ms
  tls_dir: certs
router:
  slow_transaction_threshold: 250ms
  max_statement_retries: 1
node:
  listen_address: localhost:27201
  shard_id: shardA
  data_dir: /var/lib/gojotxn/shardA
  startup_apply_mode: initialSync
controller:
  raft_id: c1
  bootstrap: true
`

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojotxn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "stdout", cfg.Logger.OutputFile)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9100, cfg.Telemetry.PrometheusPort)

	require.Equal(t, "localhost:27202", cfg.Cluster.Shards["shardB"])
	require.Equal(t, 5, cfg.Cluster.ShardRPC.MaxAttempts)
	require.Equal(t, 10*time.Millisecond, cfg.Cluster.ShardRPC.InitialBackoff)
	require.Equal(t, 500*time.Millisecond, cfg.Cluster.ShardRPC.MaxBackoff, "unset fields keep their defaults")
	require.Equal(t, "certs/server.crt", cfg.Cluster.ServerTLS().Cert)
	require.Equal(t, "certs/client.key", cfg.Cluster.ClientTLS().Key)
	require.False(t, Default().Cluster.ClientTLS().Enabled())

	rc := cfg.Router.RouterConfig()
	require.Equal(t, 250*time.Millisecond, rc.SlowTransactionThreshold)
	require.True(t, rc.EnableRetriesWithinTransaction)
	require.Equal(t, 1, cfg.Router.ServiceConfig().MaxStatementRetries)
	require.Equal(t, "localhost:27100", cfg.Router.ListenAddress)

	require.Equal(t, "shardA", cfg.Node.ShardID)
	require.Equal(t, "/var/lib/gojotxn/shardA", cfg.Node.DataDir)
	require.Equal(t, "initialSync", cfg.Node.StartupApplyMode)
	require.EqualValues(t, 1, cfg.Node.Term)

	require.NoError(t, cfg.ValidateCluster())
	require.NoError(t, cfg.ValidateController())
}

func TestValidation(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateCluster(), "no way to find shards")
	cfg.Cluster.ControllerAddress = "localhost:27301"
	require.NoError(t, cfg.ValidateCluster())
	cfg.Cluster.Shards = map[string]string{"shardA": "localhost:1"}
	require.Error(t, cfg.ValidateCluster())

	require.Error(t, cfg.ValidateController(), "raft id missing")
	cfg.Controller.RaftID = "c2"
	require.Error(t, cfg.ValidateController(), "neither bootstrap nor join")
	cfg.Controller.JoinAddress = "localhost:27301"
	require.NoError(t, cfg.ValidateController())
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("router: [unterminated"))
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
