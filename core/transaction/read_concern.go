package transaction

import (
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ReadConcernLevel is the isolation requested by a statement.
type ReadConcernLevel string

const (
	ReadConcernLocal        ReadConcernLevel = "local"
	ReadConcernMajority     ReadConcernLevel = "majority"
	ReadConcernSnapshot     ReadConcernLevel = "snapshot"
	ReadConcernAvailable    ReadConcernLevel = "available"
	ReadConcernLinearizable ReadConcernLevel = "linearizable"
)

// ReadConcernArgs is the parsed readConcern argument of a command.
type ReadConcernArgs struct {
	Level            ReadConcernLevel     `bson:"level,omitempty"`
	AfterClusterTime *primitive.Timestamp `bson:"afterClusterTime,omitempty"`
	AtClusterTime    *primitive.Timestamp `bson:"atClusterTime,omitempty"`
}

// IsEmpty reports whether no read concern was given.
func (r ReadConcernArgs) IsEmpty() bool {
	return r.Level == "" && r.AfterClusterTime == nil && r.AtClusterTime == nil
}

// HasLevel reports whether a level was given explicitly.
func (r ReadConcernArgs) HasLevel() bool {
	return r.Level != ""
}

// ToBSON renders the arguments as the value of a readConcern field.
func (r ReadConcernArgs) ToBSON() bson.D {
	d := bson.D{}
	if r.Level != "" {
		d = append(d, bson.E{Key: "level", Value: string(r.Level)})
	}
	if r.AfterClusterTime != nil {
		d = append(d, bson.E{Key: "afterClusterTime", Value: *r.AfterClusterTime})
	}
	if r.AtClusterTime != nil {
		d = append(d, bson.E{Key: "atClusterTime", Value: *r.AtClusterTime})
	}
	return d
}

// ParseReadConcern decodes a readConcern document.
func ParseReadConcern(raw bson.Raw) (ReadConcernArgs, error) {
	var args ReadConcernArgs
	if len(raw) == 0 {
		return args, nil
	}
	if err := bson.Unmarshal(raw, &args); err != nil {
		return args, errors.Wrap(err, "parsing readConcern")
	}
	switch args.Level {
	case "", ReadConcernLocal, ReadConcernMajority, ReadConcernSnapshot, ReadConcernAvailable, ReadConcernLinearizable:
	default:
		return args, errors.Newf("unknown read concern level %q", args.Level)
	}
	return args, nil
}
