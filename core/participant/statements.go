package participant

import (
	"bytes"
	"context"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/memengine"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// stmt is one CRUD statement. Inside a transaction its writes are buffered
// on the transaction; outside one each write goes straight to the oplog.
type stmt struct {
	s       *Service
	ns      string
	st      *txnState
	written []*oplog.Entry
}

func (x *stmt) readTS() primitive.Timestamp {
	if x.st == nil {
		return primitive.Timestamp{}
	}
	return x.st.readTS
}

func (x *stmt) overlay() []*oplog.Entry {
	if x.st != nil {
		return x.st.ops
	}
	return x.written
}

func (s *Service) runStatement(ctx context.Context, db, name string, raw bson.Raw, args txnArgs) (bson.Raw, error) {
	coll, err := lookupString(raw, name)
	if err != nil {
		return nil, err
	}
	if err := s.waitApplied(ctx); err != nil {
		return nil, err
	}
	x := &stmt{s: s, ns: db + "." + coll}

	s.mu.Lock()
	defer s.mu.Unlock()
	if args.inTransaction() {
		st, err := s.beginOrContinueLocked(ctx, args)
		if err != nil {
			return nil, err
		}
		x.st = st
	}

	reply, err := x.exec(ctx, name, raw)
	if err != nil {
		if x.st != nil {
			s.logger.Debug("Aborting transaction after failed statement",
				zap.Stringer("txn", x.st), zap.String("command", name), zap.Error(err))
			s.finishLocked(x.st, phaseAborted)
		}
		return nil, err
	}
	if x.st != nil {
		reply = append(reply, bson.E{Key: command.FieldReadOnly, Value: len(x.st.ops) == 0})
	}
	reply = append(reply, bson.E{Key: "ok", Value: 1.0})
	return command.ToRaw(reply), nil
}

func (x *stmt) exec(ctx context.Context, name string, raw bson.Raw) (bson.D, error) {
	switch name {
	case "insert":
		return x.insert(ctx, raw)
	case "update":
		return x.update(ctx, raw)
	case "delete":
		return x.delete(ctx, raw)
	default:
		return x.find(ctx, raw)
	}
}

func (x *stmt) insert(ctx context.Context, raw bson.Raw) (bson.D, error) {
	docs, err := lookupDocuments(raw, "documents")
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		id, err := doc.LookupErr("_id")
		if err != nil {
			oid := primitive.NewObjectID()
			doc = memengine.ReplacementWithID(doc, bson.RawValue{Type: bson.TypeObjectID, Value: oid[:]})
			id = doc.Lookup("_id")
		}
		cur, err := x.lookupForWrite(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur != nil {
			return nil, txnerr.Newf(txnerr.DuplicateKey, "E11000 duplicate key error collection: %s dup key: { _id: %s }", x.ns, id)
		}
		if err := x.write(ctx, &oplog.Entry{Op: oplog.OpInsert, NS: x.ns, Object: doc}, id); err != nil {
			return nil, err
		}
	}
	return bson.D{{Key: "n", Value: int32(len(docs))}}, nil
}

func (x *stmt) update(ctx context.Context, raw bson.Raw) (bson.D, error) {
	updates, err := lookupDocuments(raw, "updates")
	if err != nil {
		return nil, err
	}
	var matched, modified int32
	var upserted bson.A
	for i, u := range updates {
		id, err := targetID(u, "updates", i)
		if err != nil {
			return nil, err
		}
		v, err := u.LookupErr("u")
		if err != nil {
			return nil, txnerr.Newf(txnerr.FailedToParse, "updates.%d is missing u", i)
		}
		mods, ok := v.DocumentOK()
		if !ok {
			return nil, txnerr.Newf(txnerr.FailedToParse, "updates.%d.u must be a document, got %s", i, v.Type)
		}
		upsert, _ := command.BoolField(u, "upsert")

		cur, err := x.lookupForWrite(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			if !upsert {
				continue
			}
			doc, err := applyUpdate(nil, id, mods)
			if err != nil {
				return nil, err
			}
			if err := x.write(ctx, &oplog.Entry{Op: oplog.OpInsert, NS: x.ns, Object: doc}, id); err != nil {
				return nil, err
			}
			matched++
			upserted = append(upserted, bson.D{{Key: "index", Value: int32(i)}, {Key: "_id", Value: id}})
			continue
		}
		matched++
		next, err := applyUpdate(cur, id, mods)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(next, cur) {
			continue
		}
		op := &oplog.Entry{Op: oplog.OpUpdate, NS: x.ns, Object: mods, Object2: idDocument(id)}
		if err := x.write(ctx, op, id); err != nil {
			return nil, err
		}
		modified++
	}
	reply := bson.D{{Key: "n", Value: matched}, {Key: "nModified", Value: modified}}
	if len(upserted) > 0 {
		reply = append(reply, bson.E{Key: "upserted", Value: upserted})
	}
	return reply, nil
}

func (x *stmt) delete(ctx context.Context, raw bson.Raw) (bson.D, error) {
	deletes, err := lookupDocuments(raw, "deletes")
	if err != nil {
		return nil, err
	}
	var n int32
	for i, d := range deletes {
		id, err := targetID(d, "deletes", i)
		if err != nil {
			return nil, err
		}
		cur, err := x.lookupForWrite(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			continue
		}
		if err := x.write(ctx, &oplog.Entry{Op: oplog.OpDelete, NS: x.ns, Object: idDocument(id)}, id); err != nil {
			return nil, err
		}
		n++
	}
	return bson.D{{Key: "n", Value: n}}, nil
}

func (x *stmt) find(ctx context.Context, raw bson.Raw) (bson.D, error) {
	var filter bson.Raw
	if v, err := raw.LookupErr("filter"); err == nil {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, txnerr.Newf(txnerr.FailedToParse, "filter must be a document, got %s", v.Type)
		}
		filter = doc
	}

	var docs []bson.Raw
	if id, ok := filterID(filter); ok {
		doc, err := x.lookup(ctx, id, x.readTS())
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	} else {
		all, err := x.scan(ctx)
		if err != nil {
			return nil, err
		}
		docs = all
	}

	batch := bson.A{}
	for _, doc := range docs {
		if matches(doc, filter) {
			batch = append(batch, doc)
		}
	}
	return bson.D{{Key: "cursor", Value: bson.D{
		{Key: "firstBatch", Value: batch},
		{Key: "id", Value: int64(0)},
		{Key: "ns", Value: x.ns},
	}}}, nil
}

// lookup reads one document as this statement sees it: committed data at
// readTS with the statement's own writes applied on top.
func (x *stmt) lookup(ctx context.Context, id bson.RawValue, readTS primitive.Timestamp) (bson.Raw, error) {
	doc, err := x.s.cfg.Reader.FindByID(ctx, x.ns, id, readTS, recoveryunit.EnforcePrepareConflicts)
	if err != nil {
		return nil, err
	}
	key := docKey(id)
	for _, op := range x.overlay() {
		if op.NS != x.ns || docKey(opID(op)) != key {
			continue
		}
		if doc, err = replay(doc, op); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// lookupForWrite is lookup for a document about to be written. A snapshot
// transaction may not overwrite a document changed after its snapshot.
func (x *stmt) lookupForWrite(ctx context.Context, id bson.RawValue) (bson.Raw, error) {
	readTS := x.readTS()
	if !transaction.IsNullTimestamp(readTS) {
		atSnapshot, err := x.s.cfg.Reader.FindByID(ctx, x.ns, id, readTS, recoveryunit.EnforcePrepareConflicts)
		if err != nil {
			return nil, err
		}
		latest, err := x.s.cfg.Reader.FindByID(ctx, x.ns, id, primitive.Timestamp{}, recoveryunit.EnforcePrepareConflicts)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(atSnapshot, latest) {
			return nil, txnerr.Newf(txnerr.WriteConflict,
				"document %s in %s changed after the transaction's snapshot", id, x.ns)
		}
	}
	return x.lookup(ctx, id, readTS)
}

func (x *stmt) scan(ctx context.Context) ([]bson.Raw, error) {
	committed, err := x.s.cfg.Reader.Find(ctx, x.ns, x.readTS(), recoveryunit.EnforcePrepareConflicts)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]bson.Raw, len(committed))
	for _, doc := range committed {
		byKey[docKey(doc.Lookup("_id"))] = doc
	}
	for _, op := range x.overlay() {
		if op.NS != x.ns {
			continue
		}
		key := docKey(opID(op))
		next, err := replay(byKey[key], op)
		if err != nil {
			return nil, err
		}
		if next == nil {
			delete(byKey, key)
		} else {
			byKey[key] = next
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]bson.Raw, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out, nil
}

// write records op on document id.
func (x *stmt) write(ctx context.Context, op *oplog.Entry, id bson.RawValue) error {
	s := x.s
	lock := x.ns + "\x00" + docKey(id)
	if owner, held := s.locks[lock]; held && (x.st == nil || owner != x.st.lsid) {
		return txnerr.Newf(txnerr.WriteConflict, "document %s in %s is being written by another transaction", id, x.ns)
	}
	if x.st != nil {
		if _, held := s.locks[lock]; !held {
			s.locks[lock] = x.st.lsid
			x.st.locks = append(x.st.locks, lock)
		}
		x.st.ops = append(x.st.ops, op)
		return nil
	}
	if _, err := s.appendEntry(ctx, func(transaction.OpTime) *oplog.Entry { return op }); err != nil {
		return err
	}
	x.written = append(x.written, op)
	return nil
}

func replay(cur bson.Raw, op *oplog.Entry) (bson.Raw, error) {
	switch op.Op {
	case oplog.OpInsert:
		return op.Object, nil
	case oplog.OpDelete:
		return nil, nil
	case oplog.OpUpdate:
		return applyUpdate(cur, opID(op), op.Object)
	}
	return cur, nil
}

func applyUpdate(cur bson.Raw, id bson.RawValue, mods bson.Raw) (bson.Raw, error) {
	if memengine.IsModifierDocument(mods) {
		return memengine.ApplyModifiers(cur, id, mods)
	}
	if v, err := mods.LookupErr("_id"); err == nil && docKey(v) != docKey(id) {
		return nil, txnerr.Newf(txnerr.IllegalOperation, "the _id field cannot be changed from %s to %s", id, v)
	}
	return memengine.ReplacementWithID(mods, id), nil
}

func targetID(stmt bson.Raw, field string, i int) (bson.RawValue, error) {
	v, err := stmt.LookupErr("q")
	if err != nil {
		return bson.RawValue{}, txnerr.Newf(txnerr.FailedToParse, "%s.%d is missing q", field, i)
	}
	q, ok := v.DocumentOK()
	if !ok {
		return bson.RawValue{}, txnerr.Newf(txnerr.FailedToParse, "%s.%d.q must be a document, got %s", field, i, v.Type)
	}
	id, err := q.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, txnerr.Newf(txnerr.BadValue, "%s.%d must target a single document by _id", field, i)
	}
	return id, nil
}

func filterID(filter bson.Raw) (bson.RawValue, bool) {
	if len(filter) == 0 {
		return bson.RawValue{}, false
	}
	id, err := filter.LookupErr("_id")
	return id, err == nil
}

func opID(op *oplog.Entry) bson.RawValue {
	if op.Op == oplog.OpUpdate {
		return op.Object2.Lookup("_id")
	}
	return op.Object.Lookup("_id")
}

func idDocument(id bson.RawValue) bson.Raw {
	return command.ToRaw(bson.D{{Key: "_id", Value: id}})
}

func docKey(id bson.RawValue) string {
	return string([]byte{byte(id.Type)}) + string(id.Value)
}

// matches reports whether doc equals filter on every top-level field.
func matches(doc, filter bson.Raw) bool {
	if len(filter) == 0 {
		return true
	}
	elems, err := filter.Elements()
	if err != nil {
		return false
	}
	for _, el := range elems {
		v, err := doc.LookupErr(el.Key())
		if err != nil || v.Type != el.Value().Type || !bytes.Equal(v.Value, el.Value().Value) {
			return false
		}
	}
	return true
}
