package memengine

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

type unitState int

const (
	unitActive unitState = iota
	unitPrepared
	unitCommitted
	unitAbandoned
)

type writeKey struct {
	ns  string
	key string
}

type write struct {
	writeKey
	id bson.RawValue
	// nil marks a delete.
	doc bson.Raw
}

type unitOfWork struct {
	e    *Engine
	opts recoveryunit.Options

	writes []write
	// latest maps a document to its last buffered write.
	latest map[writeKey]int
	state  unitState

	prepareTS primitive.Timestamp
	commitTS  primitive.Timestamp
	durableTS primitive.Timestamp
}

func (u *unitOfWork) Options() recoveryunit.Options {
	return u.opts
}

func (u *unitOfWork) NumWrites() int {
	return len(u.writes)
}

func (u *unitOfWork) checkWritable() error {
	switch u.state {
	case unitActive:
		return nil
	case unitPrepared:
		return txnerr.New(txnerr.PreparedTransactionInProgress, "cannot write to a prepared unit of work")
	}
	return errUnitFinished
}

// current returns the document as this unit sees it. Callers hold e.mu.
func (u *unitOfWork) currentLocked(c *collection, k writeKey) (bson.Raw, error) {
	if i, ok := u.latest[k]; ok {
		return u.writes[i].doc, nil
	}
	r := c.get(k.key)
	if r == nil {
		return nil, nil
	}
	if err := checkReadConflict(r, u, primitive.Timestamp{}, u.opts.PrepareConflictBehavior); err != nil {
		return nil, err
	}
	return r.visible(primitive.Timestamp{}), nil
}

func (u *unitOfWork) checkWriteConflictLocked(c *collection, key string) error {
	r := c.get(key)
	if r == nil || r.prepared == nil || r.prepared == u {
		return nil
	}
	if u.opts.PrepareConflictBehavior == recoveryunit.IgnoreConflictsAllowWrites {
		return nil
	}
	return txnerr.Newf(txnerr.WriteConflict, "document %s in %s is held by a prepared transaction", r.id, c.ns)
}

func (u *unitOfWork) buffer(w write) {
	u.latest[w.writeKey] = len(u.writes)
	u.writes = append(u.writes, w)
}

func (u *unitOfWork) Insert(ctx context.Context, ns string, doc bson.Raw) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.checkWritable(); err != nil {
		return err
	}
	id, err := documentID(doc)
	if err != nil {
		return err
	}
	u.e.mu.Lock()
	defer u.e.mu.Unlock()
	c := u.e.createCollectionLocked(ns)
	k := writeKey{ns: ns, key: idKey(id)}
	if err := u.checkWriteConflictLocked(c, k.key); err != nil {
		return err
	}
	cur, err := u.currentLocked(c, k)
	if err != nil {
		return err
	}
	if cur != nil {
		return txnerr.Newf(txnerr.DuplicateKey, "duplicate key in %s: _id %s", ns, id)
	}
	u.buffer(write{writeKey: k, id: id, doc: doc})
	return nil
}

func (u *unitOfWork) Update(ctx context.Context, ns string, id bson.RawValue, doc bson.Raw) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.checkWritable(); err != nil {
		return err
	}
	u.e.mu.Lock()
	defer u.e.mu.Unlock()
	c, err := u.e.collectionLocked(ns)
	if err != nil {
		return err
	}
	k := writeKey{ns: ns, key: idKey(id)}
	if err := u.checkWriteConflictLocked(c, k.key); err != nil {
		return err
	}
	u.buffer(write{writeKey: k, id: id, doc: doc})
	return nil
}

func (u *unitOfWork) Delete(ctx context.Context, ns string, id bson.RawValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.checkWritable(); err != nil {
		return err
	}
	u.e.mu.Lock()
	defer u.e.mu.Unlock()
	c, err := u.e.collectionLocked(ns)
	if err != nil {
		return err
	}
	k := writeKey{ns: ns, key: idKey(id)}
	if err := u.checkWriteConflictLocked(c, k.key); err != nil {
		return err
	}
	u.buffer(write{writeKey: k, id: id})
	return nil
}

func (u *unitOfWork) FindByID(ctx context.Context, ns string, id bson.RawValue) (bson.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u.e.mu.RLock()
	defer u.e.mu.RUnlock()
	c, ok := u.e.collections[ns]
	if !ok {
		return nil, nil
	}
	return u.currentLocked(c, writeKey{ns: ns, key: idKey(id)})
}

func (u *unitOfWork) SetPrepareTimestamp(ts primitive.Timestamp) error {
	if u.state != unitActive {
		return errors.AssertionFailedf("prepare timestamp set on a unit that is not active")
	}
	u.prepareTS = ts
	return nil
}

func (u *unitOfWork) PrepareTimestamp() primitive.Timestamp {
	return u.prepareTS
}

// roundUp applies the oldest-timestamp rule to ts. Callers hold e.mu.
func (u *unitOfWork) roundUpLocked(what string, ts primitive.Timestamp) (primitive.Timestamp, error) {
	if transaction.CompareTimestamps(ts, u.e.oldest) >= 0 {
		return ts, nil
	}
	if u.opts.RoundUpPreparedTimestamps {
		return u.e.oldest, nil
	}
	return ts, txnerr.Newf(txnerr.BadValue, "%s timestamp %v is older than the oldest timestamp %v", what, ts, u.e.oldest)
}

func (u *unitOfWork) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.state != unitActive {
		return errors.AssertionFailedf("prepare of a unit that is not active")
	}
	if transaction.IsNullTimestamp(u.prepareTS) {
		return txnerr.New(txnerr.InvalidOptions, "prepare requires a prepare timestamp")
	}
	u.e.mu.Lock()
	defer u.e.mu.Unlock()
	ts, err := u.roundUpLocked("prepare", u.prepareTS)
	if err != nil {
		return err
	}
	held := make([]*record, 0, len(u.latest))
	for k, i := range u.latest {
		c := u.e.createCollectionLocked(k.ns)
		r := c.get(k.key)
		if r == nil {
			r = &record{key: k.key, id: u.writes[i].id}
			c.docs.ReplaceOrInsert(r)
		}
		if r.prepared != nil && r.prepared != u && u.opts.PrepareConflictBehavior != recoveryunit.IgnoreConflictsAllowWrites {
			for _, h := range held {
				h.prepared = nil
			}
			return txnerr.Newf(txnerr.WriteConflict, "document %s in %s is held by another prepared transaction", r.id, k.ns)
		}
		r.prepared = u
		held = append(held, r)
	}
	u.prepareTS = ts
	u.state = unitPrepared
	u.e.logger.Debug("Prepared unit of work", zap.Int("writes", len(u.writes)), zap.Any("prepare_ts", ts))
	return nil
}

func (u *unitOfWork) SetCommitTimestamp(ts primitive.Timestamp) error {
	if u.state != unitActive && u.state != unitPrepared {
		return errUnitFinished
	}
	u.commitTS = ts
	return nil
}

func (u *unitOfWork) SetDurableTimestamp(ts primitive.Timestamp) error {
	if u.state != unitPrepared {
		return errors.AssertionFailedf("durable timestamp set on a unit that is not prepared")
	}
	u.durableTS = ts
	return nil
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.state != unitActive && u.state != unitPrepared {
		return errUnitFinished
	}
	u.e.mu.Lock()
	defer u.e.mu.Unlock()

	ts := u.commitTS
	if transaction.IsNullTimestamp(ts) {
		if u.state == unitPrepared {
			return txnerr.New(txnerr.InvalidOptions, "commit of a prepared transaction requires a commit timestamp")
		}
		ts = u.e.lastCommit
	} else {
		var err error
		if ts, err = u.roundUpLocked("commit", ts); err != nil {
			return err
		}
		if u.state == unitPrepared && transaction.CompareTimestamps(ts, u.prepareTS) < 0 {
			return txnerr.Newf(txnerr.InvalidOptions, "commit timestamp %v is older than prepare timestamp %v", ts, u.prepareTS)
		}
	}

	for _, w := range u.writes {
		c, ok := u.e.collections[w.ns]
		if !ok {
			if w.doc == nil {
				continue
			}
			c = u.e.createCollectionLocked(w.ns)
		}
		r := c.get(w.key)
		if r == nil {
			if w.doc == nil {
				continue
			}
			r = &record{key: w.key, id: w.id}
			c.docs.ReplaceOrInsert(r)
		}
		r.addVersion(version{ts: ts, doc: w.doc})
	}
	u.releaseLocked()
	u.e.lastCommit = maxTimestamp(u.e.lastCommit, ts)
	u.state = unitCommitted
	return nil
}

func (u *unitOfWork) Abandon() {
	if u.state == unitCommitted || u.state == unitAbandoned {
		return
	}
	u.e.mu.Lock()
	u.releaseLocked()
	u.e.mu.Unlock()
	u.state = unitAbandoned
}

// releaseLocked drops the prepare marks of u and records left empty.
func (u *unitOfWork) releaseLocked() {
	for k := range u.latest {
		c, ok := u.e.collections[k.ns]
		if !ok {
			continue
		}
		r := c.get(k.key)
		if r == nil || r.prepared != u {
			continue
		}
		r.prepared = nil
		if len(r.versions) == 0 {
			c.docs.Delete(r)
		}
	}
}
