// Package shardclient carries BSON commands over gRPC: a codec, a command
// service that shard nodes and routers both serve, and a shard.Sender
// client for the routing tier.
package shardclient

import (
	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of BSON payloads.
const CodecName = "bson"

// Codec marshals RPC messages as BSON documents.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return bson.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return bson.Unmarshal(data, v)
}

func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
