package router

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sushant-115/gojotxn/core/clock"
	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// gossipSender advances the logical clock to the operation time shards
// report, so a snapshot chosen later is not older than writes already
// acknowledged.
type gossipSender struct {
	shard.Sender
	clock clock.LogicalClock
}

func (g *gossipSender) RunCommand(ctx context.Context, shardID transaction.ShardID, db string, cmd bson.D, rp shard.ReadPreference, policy shard.RetryPolicy) (bson.Raw, error) {
	reply, err := g.Sender.RunCommand(ctx, shardID, db, cmd, rp, policy)
	if err == nil && len(reply) > 0 {
		if t, i, ok := reply.Lookup(command.FieldOperationTime).TimestampOK(); ok {
			g.clock.Advance(primitive.Timestamp{T: t, I: i})
		}
	}
	return reply, err
}
