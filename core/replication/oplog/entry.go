// Package oplog defines oplog entries, classifies the entries that make up
// a transaction and walks the backward chain linking them.
package oplog

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// OpType is the kind of write an entry records.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

// CommandType classifies command entries by the command in their object.
type CommandType int

const (
	CommandTypeNotCommand CommandType = iota
	CommandTypeApplyOps
	CommandTypeCommitTransaction
	CommandTypeAbortTransaction
	CommandTypeCreate
	CommandTypeDrop
	CommandTypeCreateIndexes
	CommandTypeUnknown
)

var commandTypes = map[string]CommandType{
	"applyOps":          CommandTypeApplyOps,
	"commitTransaction": CommandTypeCommitTransaction,
	"abortTransaction":  CommandTypeAbortTransaction,
	"create":            CommandTypeCreate,
	"drop":              CommandTypeDrop,
	"createIndexes":     CommandTypeCreateIndexes,
}

func (c CommandType) String() string {
	for name, t := range commandTypes {
		if t == c {
			return name
		}
	}
	if c == CommandTypeNotCommand {
		return "notCommand"
	}
	return "unknown"
}

// Entry is one oplog document.
type Entry struct {
	TS         primitive.Timestamp    `bson:"ts"`
	Term       int64                  `bson:"t"`
	Op         OpType                 `bson:"op"`
	NS         string                 `bson:"ns"`
	UUID       string                 `bson:"ui,omitempty"`
	Object     bson.Raw               `bson:"o"`
	Object2    bson.Raw               `bson:"o2,omitempty"`
	SessionID  *transaction.SessionID `bson:"lsid,omitempty"`
	TxnNumber  *transaction.TxnNumber `bson:"txnNumber,omitempty"`
	StmtID     *transaction.StmtID    `bson:"stmtId,omitempty"`
	PrevOpTime *transaction.OpTime    `bson:"prevOpTime,omitempty"`
	Wall       time.Time              `bson:"wall"`
}

// OpTime is the position of the entry in the oplog.
func (e *Entry) OpTime() transaction.OpTime {
	return transaction.OpTime{TS: e.TS, Term: e.Term}
}

// PrevWriteOpTimeInTransaction is the optime of the previous entry written
// by the same transaction, or the null optime for the first one.
func (e *Entry) PrevWriteOpTimeInTransaction() transaction.OpTime {
	if e.PrevOpTime == nil {
		return transaction.OpTime{}
	}
	return *e.PrevOpTime
}

// DB returns the database part of the namespace.
func (e *Entry) DB() string {
	if i := strings.IndexByte(e.NS, '.'); i >= 0 {
		return e.NS[:i]
	}
	return e.NS
}

// IsCrud reports whether the entry is a plain document write.
func (e *Entry) IsCrud() bool {
	return e.Op == OpInsert || e.Op == OpUpdate || e.Op == OpDelete
}

// CommandType returns the type of a command entry.
func (e *Entry) CommandType() CommandType {
	if e.Op != OpCommand {
		return CommandTypeNotCommand
	}
	elems, err := e.Object.Elements()
	if err != nil || len(elems) == 0 {
		return CommandTypeUnknown
	}
	if t, ok := commandTypes[elems[0].Key()]; ok {
		return t
	}
	return CommandTypeUnknown
}

func (e *Entry) objectBool(field string) bool {
	v, err := e.Object.LookupErr(field)
	if err != nil {
		return false
	}
	b, ok := v.BooleanOK()
	return ok && b
}

// IsPartialTransaction reports whether the entry is an applyOps holding some
// of the operations of a transaction that has not ended yet.
func (e *Entry) IsPartialTransaction() bool {
	return e.CommandType() == CommandTypeApplyOps && e.objectBool("partialTxn")
}

// IsPrepare reports whether the entry prepares a transaction.
func (e *Entry) IsPrepare() bool {
	return e.CommandType() == CommandTypeApplyOps && e.objectBool("prepare")
}

// IsPreparedCommit reports whether the entry commits a transaction that was
// prepared by an earlier entry. It carries no operations of its own.
func (e *Entry) IsPreparedCommit() bool {
	return e.CommandType() == CommandTypeCommitTransaction
}

// IsUnpreparedCommit reports whether the entry is the final applyOps of a
// transaction that commits without a prepare.
func (e *Entry) IsUnpreparedCommit() bool {
	return e.CommandType() == CommandTypeApplyOps && e.TxnNumber != nil &&
		!e.objectBool("partialTxn") && !e.objectBool("prepare")
}

// IsEndOfTransaction reports whether the entry ends a transaction.
func (e *Entry) IsEndOfTransaction() bool {
	switch e.CommandType() {
	case CommandTypeCommitTransaction, CommandTypeAbortTransaction:
		return true
	}
	return e.IsUnpreparedCommit()
}

// CommitTimestamp returns the commitTimestamp of a commitTransaction entry.
func (e *Entry) CommitTimestamp() (primitive.Timestamp, error) {
	v, err := e.Object.LookupErr("commitTimestamp")
	if err != nil {
		return primitive.Timestamp{}, errors.Newf("commitTransaction entry at %s has no commitTimestamp", e.OpTime())
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return primitive.Timestamp{}, errors.Newf("commitTimestamp of entry at %s is a %s", e.OpTime(), v.Type)
	}
	return primitive.Timestamp{T: t, I: i}, nil
}

func (e *Entry) String() string {
	return fmt.Sprintf("{op: %s, ns: %s, ts: %s, o: %s}", e.Op, e.NS, e.OpTime(), e.Object)
}

// TxnKind is the role an entry plays in a transaction.
type TxnKind int

const (
	TxnKindNone TxnKind = iota
	TxnKindPartial
	TxnKindPrepare
	TxnKindUnpreparedCommit
	TxnKindPreparedCommit
	TxnKindAbort
)

func (k TxnKind) String() string {
	switch k {
	case TxnKindPartial:
		return "partial"
	case TxnKindPrepare:
		return "prepare"
	case TxnKindUnpreparedCommit:
		return "unpreparedCommit"
	case TxnKindPreparedCommit:
		return "preparedCommit"
	case TxnKindAbort:
		return "abort"
	}
	return "none"
}

// TxnKey identifies one transaction of one session.
type TxnKey struct {
	SessionID transaction.SessionID
	TxnNumber transaction.TxnNumber
}

func (k TxnKey) String() string {
	return fmt.Sprintf("%s:%d", k.SessionID, k.TxnNumber)
}

// TxnMeta summarizes the transaction an entry belongs to.
type TxnMeta struct {
	Key  TxnKey
	Kind TxnKind
}

// Meta classifies the entry. ok is false for entries outside a transaction.
func (e *Entry) Meta() (TxnMeta, bool) {
	if e.SessionID == nil || e.TxnNumber == nil {
		return TxnMeta{}, false
	}
	var kind TxnKind
	switch {
	case e.IsPartialTransaction():
		kind = TxnKindPartial
	case e.IsPrepare():
		kind = TxnKindPrepare
	case e.IsUnpreparedCommit():
		kind = TxnKindUnpreparedCommit
	case e.IsPreparedCommit():
		kind = TxnKindPreparedCommit
	case e.CommandType() == CommandTypeAbortTransaction:
		kind = TxnKindAbort
	default:
		// A retryable write outside a transaction.
		return TxnMeta{}, false
	}
	return TxnMeta{Key: TxnKey{SessionID: *e.SessionID, TxnNumber: *e.TxnNumber}, Kind: kind}, true
}

type subOperation struct {
	Op      OpType   `bson:"op"`
	NS      string   `bson:"ns"`
	UUID    string   `bson:"ui,omitempty"`
	Object  bson.Raw `bson:"o"`
	Object2 bson.Raw `bson:"o2,omitempty"`
}

// ExtractOperations unpacks the operations of an applyOps entry. Each
// operation keeps its own op, ns, ui, o and o2 and inherits every other
// field from topLevel.
func ExtractOperations(entry, topLevel *Entry) ([]*Entry, error) {
	if entry.CommandType() != CommandTypeApplyOps {
		return nil, errors.Newf("entry at %s is not an applyOps", entry.OpTime())
	}
	v, err := entry.Object.LookupErr("applyOps")
	if err != nil {
		return nil, errors.Wrapf(err, "applyOps entry at %s", entry.OpTime())
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, errors.Newf("applyOps field of entry at %s is a %s", entry.OpTime(), v.Type)
	}
	values, err := arr.Values()
	if err != nil {
		return nil, errors.Wrapf(err, "applyOps entry at %s", entry.OpTime())
	}
	ops := make([]*Entry, 0, len(values))
	for i, sv := range values {
		doc, ok := sv.DocumentOK()
		if !ok {
			return nil, errors.Newf("applyOps element %d of entry at %s is a %s", i, entry.OpTime(), sv.Type)
		}
		var sub subOperation
		if err := bson.Unmarshal(doc, &sub); err != nil {
			return nil, errors.Wrapf(err, "applyOps element %d of entry at %s", i, entry.OpTime())
		}
		op := *topLevel
		op.Op = sub.Op
		op.NS = sub.NS
		op.UUID = sub.UUID
		op.Object = sub.Object
		op.Object2 = sub.Object2
		ops = append(ops, &op)
	}
	return ops, nil
}

// ApplyOpsObject builds the object of an applyOps entry holding ops.
func ApplyOpsObject(ops []*Entry, partial, prepare bool) (bson.Raw, error) {
	arr := make(bson.A, 0, len(ops))
	for _, op := range ops {
		arr = append(arr, subOperation{Op: op.Op, NS: op.NS, UUID: op.UUID, Object: op.Object, Object2: op.Object2})
	}
	doc := bson.D{{Key: "applyOps", Value: arr}}
	if partial {
		doc = append(doc, bson.E{Key: "partialTxn", Value: true})
	}
	if prepare {
		doc = append(doc, bson.E{Key: "prepare", Value: true})
	}
	return bson.Marshal(doc)
}

// CommitTransactionObject builds the object of a prepared-commit entry.
func CommitTransactionObject(commitTS primitive.Timestamp) bson.Raw {
	b, _ := bson.Marshal(bson.D{{Key: "commitTransaction", Value: 1}, {Key: "commitTimestamp", Value: commitTS}})
	return b
}

// AbortTransactionObject builds the object of an abort entry.
func AbortTransactionObject() bson.Raw {
	b, _ := bson.Marshal(bson.D{{Key: "abortTransaction", Value: 1}})
	return b
}

// OpTimeKey encodes an optime so that byte order matches optime order.
func OpTimeKey(ot transaction.OpTime) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:], uint64(ot.Term))
	binary.BigEndian.PutUint32(key[8:], ot.TS.T)
	binary.BigEndian.PutUint32(key[12:], ot.TS.I)
	return key
}
