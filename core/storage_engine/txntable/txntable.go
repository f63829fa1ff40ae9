// Package txntable is the durable transaction table of a node: one row per
// session naming its latest transaction, where that transaction's newest
// oplog entry is and what state it reached. A second bucket keeps the
// commit decisions of transactions this node coordinated.
package txntable

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

var (
	transactionsBucket = []byte("config.transactions")
	decisionsBucket    = []byte("config.transaction_coordinators")
)

// Outcome is a coordinator's decision.
type Outcome string

const (
	OutcomeCommit Outcome = "commit"
	OutcomeAbort  Outcome = "abort"
)

// Decision is the durable record of a two-phase commit decision.
type Decision struct {
	SessionID       transaction.SessionID `bson:"lsid"`
	TxnNumber       transaction.TxnNumber `bson:"txnNumber"`
	Outcome         Outcome               `bson:"decision"`
	CommitTimestamp primitive.Timestamp   `bson:"commitTimestamp,omitempty"`
	Participants    []transaction.ShardID `bson:"participants"`
}

// Table wraps the bolt file.
type Table struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the table at path.
func Open(path string, logger *zap.Logger) (*Table, error) {
	opts := *bolt.DefaultOptions
	opts.Timeout = time.Second
	db, err := bolt.Open(path, os.FileMode(0600), &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening transaction table at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{transactionsBucket, decisionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating transaction table buckets")
	}
	return &Table{db: db, logger: logger.Named("txntable")}, nil
}

func sessionKey(id transaction.SessionID) []byte {
	return append([]byte(nil), id[:]...)
}

func decisionKey(id transaction.SessionID, txnNumber transaction.TxnNumber) []byte {
	key := make([]byte, 0, len(id)+8)
	key = append(key, id[:]...)
	return binary.BigEndian.AppendUint64(key, uint64(txnNumber))
}

// Upsert writes rec as the row of its session. A row for a newer
// transaction of the same session is kept, so replaying old oplog history
// leaves the table alone.
func (t *Table) Upsert(ctx context.Context, rec transaction.TxnRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := bson.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding transaction record")
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		key := sessionKey(rec.SessionID)
		if cur := b.Get(key); cur != nil {
			var existing transaction.TxnRecord
			if err := bson.Unmarshal(cur, &existing); err != nil {
				return errors.Wrapf(err, "decoding transaction record of %s", rec.SessionID)
			}
			if existing.TxnNumber > rec.TxnNumber {
				t.logger.Debug("Skipping stale transaction record",
					zap.Stringer("lsid", rec.SessionID),
					zap.Int64("txn_number", int64(rec.TxnNumber)),
					zap.Int64("current_txn_number", int64(existing.TxnNumber)))
				return nil
			}
		}
		return b.Put(key, data)
	})
}

// Get returns the row of session id.
func (t *Table) Get(ctx context.Context, id transaction.SessionID) (transaction.TxnRecord, bool, error) {
	var (
		rec   transaction.TxnRecord
		found bool
	)
	if err := ctx.Err(); err != nil {
		return rec, false, err
	}
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transactionsBucket).Get(sessionKey(id))
		if v == nil {
			return nil
		}
		found = true
		return bson.Unmarshal(v, &rec)
	})
	if err != nil {
		return rec, false, errors.Wrapf(err, "reading transaction record of %s", id)
	}
	return rec, found, nil
}

// ForEachInState calls fn for every row in state. fn runs inside a read
// transaction and must not write to the table.
func (t *Table) ForEachInState(ctx context.Context, state transaction.DurableState, fn func(transaction.TxnRecord) error) error {
	return t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec transaction.TxnRecord
			if err := bson.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decoding transaction record %x", k)
			}
			if rec.State != state {
				return nil
			}
			return fn(rec)
		})
	})
}

// InState collects the rows in state.
func (t *Table) InState(ctx context.Context, state transaction.DurableState) ([]transaction.TxnRecord, error) {
	var out []transaction.TxnRecord
	err := t.ForEachInState(ctx, state, func(rec transaction.TxnRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// PutDecision records a coordinator decision.
func (t *Table) PutDecision(ctx context.Context, d Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := bson.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encoding coordinator decision")
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionsBucket).Put(decisionKey(d.SessionID, d.TxnNumber), data)
	})
}

// GetDecision returns the decision for a transaction, if one was made here.
func (t *Table) GetDecision(ctx context.Context, id transaction.SessionID, txnNumber transaction.TxnNumber) (Decision, bool, error) {
	var (
		d     Decision
		found bool
	)
	if err := ctx.Err(); err != nil {
		return d, false, err
	}
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(decisionsBucket).Get(decisionKey(id, txnNumber))
		if v == nil {
			return nil
		}
		found = true
		return bson.Unmarshal(v, &d)
	})
	if err != nil {
		return d, false, errors.Wrapf(err, "reading coordinator decision of %s:%d", id, txnNumber)
	}
	return d, found, nil
}

func (t *Table) Close() error {
	t.logger.Debug("Closing transaction table", zap.String("path", t.db.Path()))
	return t.db.Close()
}
