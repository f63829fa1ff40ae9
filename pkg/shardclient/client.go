package shardclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
	"github.com/sushant-115/gojotxn/pkg/connection"
)

// Config is the shard RPC policy.
type Config struct {
	// MaxAttempts bounds attempts of an Idempotent command, the first included.
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// RetryRate is the number of retries per second shared by all commands.
	RetryRate  float64 `yaml:"retry_rate"`
	RetryBurst int     `yaml:"retry_burst"`
	// RequestTimeout bounds a single attempt; zero leaves it to the caller's context.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		RetryRate:      50,
		RetryBurst:     20,
		RequestTimeout: 30 * time.Second,
	}
}

// Client sends commands to shards over gRPC.
type Client struct {
	registry shard.Registry
	pool     *connection.ConnectionPoolManager
	cfg      Config
	budget   *rate.Limiter
	logger   *zap.Logger
}

var _ shard.Sender = (*Client)(nil)

// NewClient returns a Client resolving shards through registry and
// borrowing connections from pool.
func NewClient(registry shard.Registry, pool *connection.ConnectionPoolManager, cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.RetryRate <= 0 {
		cfg.RetryRate = def.RetryRate
	}
	if cfg.RetryBurst <= 0 {
		cfg.RetryBurst = def.RetryBurst
	}
	return &Client{
		registry: registry,
		pool:     pool,
		cfg:      cfg,
		budget:   rate.NewLimiter(rate.Limit(cfg.RetryRate), cfg.RetryBurst),
		logger:   logger.Named("shardclient"),
	}
}

// RunCommand implements shard.Sender. Shards run a single member, so every
// read preference is served by it. Only Idempotent commands are retried,
// after a retriable transport error or a retriable command error.
func (c *Client) RunCommand(ctx context.Context, shardID transaction.ShardID, db string, cmd bson.D, rp shard.ReadPreference, policy shard.RetryPolicy) (bson.Raw, error) {
	addr, err := c.registry.Address(shardID)
	if err != nil {
		return nil, err
	}
	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "encoding %s command for shard %s: %v", command.Name(cmd), shardID, err)
	}
	if policy != shard.Idempotent {
		return c.attempt(ctx, addr, db, raw)
	}

	var (
		reply   bson.Raw
		lastErr error
		tries   int
	)
	op := func() error {
		tries++
		if tries > 1 && !c.budget.Allow() {
			c.logger.Debug("Retry budget exhausted", zap.String("shard", string(shardID)), zap.Error(lastErr))
			return backoff.Permanent(lastErr)
		}
		r, err := c.attempt(ctx, addr, db, raw)
		if err != nil {
			reply, lastErr = nil, err
			if txnerr.IsRetriableError(txnerr.CodeOf(err)) {
				return err
			}
			return backoff.Permanent(err)
		}
		reply = r
		if st := command.StatusFromResult(r); st != nil && txnerr.IsRetriableError(txnerr.CodeOf(st)) {
			lastErr = st
			return st
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying shard command",
			zap.String("shard", string(shardID)), zap.String("command", command.Name(cmd)),
			zap.Stringer("readPreference", rp), zap.Int("attempt", tries), zap.Duration("backoff", wait), zap.Error(err))
	}
	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts-1)), ctx), notify)
	if reply != nil {
		return reply, nil
	}
	if err == nil {
		err = lastErr
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, txnerr.Newf(txnerr.ExceededTimeLimit, "sending %s to shard %s: %v", command.Name(cmd), shardID, err)
	}
	return nil, err
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) attempt(ctx context.Context, addr, db string, cmd bson.Raw) (bson.Raw, error) {
	conn, err := c.pool.Get(addr)
	if err != nil {
		return nil, txnerr.Newf(txnerr.HostUnreachable, "%v", err)
	}
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	reply, err := Invoke(ctx, conn, ShardServiceName, db, cmd)
	if err != nil {
		return nil, FromRPCError(addr, err)
	}
	return reply, nil
}

// FromRPCError converts a gRPC failure into a coded transport error.
func FromRPCError(addr string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return txnerr.Newf(txnerr.HostUnreachable, "%s: %v", addr, err)
	}
	var code txnerr.Code
	switch st.Code() {
	case codes.Unavailable:
		code = txnerr.HostUnreachable
	case codes.DeadlineExceeded:
		code = txnerr.NetworkInterfaceExceededTimeLimit
	case codes.Canceled:
		code = txnerr.ExceededTimeLimit
	case codes.InvalidArgument:
		code = txnerr.FailedToParse
	case codes.Unimplemented:
		code = txnerr.IllegalOperation
	default:
		code = txnerr.InternalError
	}
	return txnerr.Newf(code, "%s: %s", addr, st.Message())
}
