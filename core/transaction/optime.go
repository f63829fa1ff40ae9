package transaction

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CompareTimestamps orders two logical timestamps, returning -1, 0 or 1.
func CompareTimestamps(a, b primitive.Timestamp) int {
	switch {
	case a.T < b.T:
		return -1
	case a.T > b.T:
		return 1
	case a.I < b.I:
		return -1
	case a.I > b.I:
		return 1
	}
	return 0
}

// IsNullTimestamp reports whether ts is the zero timestamp.
func IsNullTimestamp(ts primitive.Timestamp) bool {
	return ts.T == 0 && ts.I == 0
}

// OpTime addresses one oplog entry: its timestamp and the election term
// in which it was written.
type OpTime struct {
	TS   primitive.Timestamp `bson:"ts"`
	Term int64               `bson:"t"`
}

// IsNull reports whether the optime points at nothing.
func (o OpTime) IsNull() bool {
	return IsNullTimestamp(o.TS)
}

// Compare orders optimes by term, then timestamp.
func (o OpTime) Compare(other OpTime) int {
	switch {
	case o.Term < other.Term:
		return -1
	case o.Term > other.Term:
		return 1
	}
	return CompareTimestamps(o.TS, other.TS)
}

// Less reports whether o sorts before other.
func (o OpTime) Less(other OpTime) bool {
	return o.Compare(other) < 0
}

func (o OpTime) String() string {
	return fmt.Sprintf("{ ts: Timestamp(%d, %d), t: %d }", o.TS.T, o.TS.I, o.Term)
}
