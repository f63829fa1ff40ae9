// Package shard defines how the routing tier talks to shards: the command
// transport contract, the shard registry and a parallel request sender.
package shard

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// ReadPreference selects which member of a shard's replica set serves a command.
type ReadPreference int

const (
	PrimaryOnly ReadPreference = iota
	PrimaryPreferred
	Nearest
)

func (rp ReadPreference) String() string {
	switch rp {
	case PrimaryOnly:
		return "primary"
	case PrimaryPreferred:
		return "primaryPreferred"
	case Nearest:
		return "nearest"
	}
	return "unknown"
}

// RetryPolicy tells the transport whether a command may be resent after a
// retriable failure.
type RetryPolicy int

const (
	NoRetry RetryPolicy = iota
	Idempotent
	NotIdempotent
)

func (p RetryPolicy) String() string {
	switch p {
	case NoRetry:
		return "noRetry"
	case Idempotent:
		return "idempotent"
	case NotIdempotent:
		return "notIdempotent"
	}
	return "unknown"
}

// Sender runs one command on one shard. A non-nil error means the command
// could not be delivered or no reply was received; command failures are
// reported inside the reply document.
type Sender interface {
	RunCommand(ctx context.Context, shardID transaction.ShardID, db string, cmd bson.D, rp ReadPreference, policy RetryPolicy) (bson.Raw, error)
}

// Request is a command addressed to a shard.
type Request struct {
	ShardID transaction.ShardID
	Cmd     bson.D
}

// Response is what came back from one shard.
type Response struct {
	ShardID transaction.ShardID
	Reply   bson.Raw
	Err     error
}

// Status is the transport error if there was one, otherwise the command status.
func (r Response) Status() error {
	if r.Err != nil {
		return r.Err
	}
	return command.StatusFromResult(r.Reply)
}

// WriteConcernStatus returns the write concern error of the reply, if any.
func (r Response) WriteConcernStatus() error {
	if r.Err != nil || r.Reply == nil {
		return nil
	}
	return command.WriteConcernStatusFromResult(r.Reply)
}
