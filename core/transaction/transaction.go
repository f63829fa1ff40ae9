// Package transaction holds the vocabulary shared by the router and the
// replica-side applier: session and statement identifiers, oplog times,
// read concern arguments and the durable transaction table record.
package transaction

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TxnNumber orders the transactions of one session.
type TxnNumber int64

// UninitializedTxnNumber is the txnNumber of a session that never started a transaction.
const UninitializedTxnNumber TxnNumber = -1

// StmtID numbers the statements of one transaction on one router.
type StmtID int32

// UninitializedStmtID marks a statement counter that has not been set.
const UninitializedStmtID StmtID = -1

// ShardID names a shard.
type ShardID string

// binarySubtypeUUID is the BSON binary subtype for RFC 4122 UUIDs.
const binarySubtypeUUID byte = 0x04

// SessionID identifies a logical session. On the wire it is the document
// {id: UUID}.
type SessionID uuid.UUID

// NewSessionID returns a random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID parses the canonical textual form of a session id.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, errors.Wrapf(err, "invalid session id %q", s)
	}
	return SessionID(id), nil
}

func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// IsZero reports whether s is the zero session id.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

// MarshalBSONValue encodes the session id as {id: UUID}.
func (s SessionID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(bson.D{{Key: "id", Value: primitive.Binary{Subtype: binarySubtypeUUID, Data: s[:]}}})
}

// UnmarshalBSONValue decodes a {id: UUID} document.
func (s *SessionID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t != bson.TypeEmbeddedDocument {
		return errors.Newf("lsid must be a document, got %s", t)
	}
	var doc struct {
		ID primitive.Binary `bson:"id"`
	}
	if err := bson.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "decoding lsid")
	}
	id, err := uuid.FromBytes(doc.ID.Data)
	if err != nil {
		return errors.Wrap(err, "decoding lsid.id")
	}
	*s = SessionID(id)
	return nil
}

// DurableState is the state of a transaction as recorded in the transaction table.
type DurableState string

const (
	StateInProgress DurableState = "inProgress"
	StatePrepared   DurableState = "prepared"
	StateCommitted  DurableState = "committed"
	StateAborted    DurableState = "aborted"
)

// TxnRecord is one row of the transaction table. A replica keeps one row per
// session, pointing at the latest oplog entry written for that session.
type TxnRecord struct {
	SessionID       SessionID    `bson:"_id"`
	TxnNumber       TxnNumber    `bson:"txnNum"`
	LastWriteOpTime OpTime       `bson:"lastWriteOpTime"`
	LastWriteDate   time.Time    `bson:"lastWriteDate"`
	State           DurableState `bson:"state,omitempty"`
}

// RecoveryToken lets a router that did not run a transaction's statements
// learn its commit decision. An empty token means no shard wrote.
type RecoveryToken struct {
	RecoveryShardID *ShardID `bson:"recoveryShardId,omitempty"`
}

// IsEmpty reports whether the token names no recovery shard.
func (t RecoveryToken) IsEmpty() bool {
	return t.RecoveryShardID == nil || *t.RecoveryShardID == ""
}
