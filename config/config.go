// Package config loads the YAML configuration shared by the gojotxn
// binaries. Each binary reads the sections it needs.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	routerservice "github.com/sushant-115/gojotxn/api/router_service"
	"github.com/sushant-115/gojotxn/core/node"
	"github.com/sushant-115/gojotxn/core/router"
	"github.com/sushant-115/gojotxn/core/security/internaltls"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/shardclient"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

// Config is the whole configuration file.
type Config struct {
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Cluster    Cluster          `yaml:"cluster"`
	Router     Router           `yaml:"router"`
	Node       Node             `yaml:"node"`
	Controller Controller       `yaml:"controller"`
}

// Cluster tells routers and nodes how to reach shards.
type Cluster struct {
	// Shards is a static shard id to address map. When empty, the map is
	// fetched from ControllerAddress.
	Shards            map[string]string  `yaml:"shards"`
	ControllerAddress string             `yaml:"controller_address"`
	RefreshInterval   time.Duration      `yaml:"refresh_interval"`
	DialTimeout       time.Duration      `yaml:"dial_timeout"`
	ShardRPC          shardclient.Config `yaml:"shard_rpc"`
	// TLSDir holds ca.crt plus server and client key pairs for mutual
	// TLS between routers and nodes. Empty means plaintext.
	TLSDir string `yaml:"tls_dir"`
}

// ServerTLS returns the files a gRPC server presents.
func (c Cluster) ServerTLS() internaltls.Files {
	if c.TLSDir == "" {
		return internaltls.Files{}
	}
	return internaltls.InDir(c.TLSDir, "server")
}

// ClientTLS returns the files a shard client presents.
func (c Cluster) ClientTLS() internaltls.Files {
	if c.TLSDir == "" {
		return internaltls.Files{}
	}
	return internaltls.InDir(c.TLSDir, "client")
}

// Router configures gojotxn_router.
type Router struct {
	ListenAddress                  string        `yaml:"listen_address"`
	HostName                       string        `yaml:"host_name"`
	SlowTransactionThreshold       time.Duration `yaml:"slow_transaction_threshold"`
	EnableRetriesWithinTransaction bool          `yaml:"enable_retries_within_transaction"`
	MaxInFlightShardRequests       int           `yaml:"max_in_flight_shard_requests"`
	MaxStatementRetries            int           `yaml:"max_statement_retries"`
}

// Node configures gojotxn_node.
type Node struct {
	ListenAddress string `yaml:"listen_address"`
	node.Config   `yaml:",inline"`
}

// Controller configures gojotxn_controller.
type Controller struct {
	RaftID      string `yaml:"raft_id"`
	RaftAddress string `yaml:"raft_address"`
	DataDir     string `yaml:"data_dir"`
	HTTPAddress string `yaml:"http_address"`
	// Bootstrap starts a new single-voter cluster; otherwise JoinAddress
	// names the HTTP address of a member to join through.
	Bootstrap   bool   `yaml:"bootstrap"`
	JoinAddress string `yaml:"join_address"`
}

// Default returns the configuration of a single-host development cluster.
func Default() *Config {
	rc := router.DefaultConfig()
	return &Config{
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.Config{TraceSampleRatio: 1},
		Cluster: Cluster{
			RefreshInterval: 5 * time.Second,
			DialTimeout:     5 * time.Second,
			ShardRPC:        shardclient.DefaultConfig(),
		},
		Router: Router{
			ListenAddress:                  "localhost:27100",
			SlowTransactionThreshold:       rc.SlowTransactionThreshold,
			EnableRetriesWithinTransaction: rc.EnableRetriesWithinTransaction,
			MaxStatementRetries:            routerservice.DefaultConfig().MaxStatementRetries,
		},
		Node: Node{
			ListenAddress: "localhost:27200",
			Config: node.Config{
				DataDir:          "data/node",
				StartupApplyMode: "recovering",
				Term:             1,
			},
		},
		Controller: Controller{
			RaftAddress: "localhost:27300",
			DataDir:     "data/controller",
			HTTPAddress: "localhost:27301",
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}

// ValidateCluster checks that shards can be located.
func (c *Config) ValidateCluster() error {
	if len(c.Cluster.Shards) == 0 && c.Cluster.ControllerAddress == "" {
		return errors.New("cluster: either shards or controller_address must be set")
	}
	if len(c.Cluster.Shards) > 0 && c.Cluster.ControllerAddress != "" {
		return errors.New("cluster: shards and controller_address are mutually exclusive")
	}
	if c.Cluster.ShardRPC.MaxAttempts < 1 {
		return errors.Newf("cluster: shard_rpc.max_attempts must be at least 1, got %d", c.Cluster.ShardRPC.MaxAttempts)
	}
	return nil
}

// ValidateController checks the controller section.
func (c *Config) ValidateController() error {
	ctl := c.Controller
	if ctl.RaftID == "" {
		return errors.New("controller: raft_id is required")
	}
	if ctl.Bootstrap == (ctl.JoinAddress != "") {
		return errors.New("controller: set exactly one of bootstrap and join_address")
	}
	return nil
}

// RouterConfig returns the transaction router settings.
func (r Router) RouterConfig() router.Config {
	return router.Config{
		SlowTransactionThreshold:       r.SlowTransactionThreshold,
		EnableRetriesWithinTransaction: r.EnableRetriesWithinTransaction,
		MaxInFlightShardRequests:       r.MaxInFlightShardRequests,
		HostName:                       r.HostName,
	}
}

// ServiceConfig returns the statement layer settings.
func (r Router) ServiceConfig() routerservice.Config {
	return routerservice.Config{MaxStatementRetries: r.MaxStatementRetries}
}
