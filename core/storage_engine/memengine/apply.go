package memengine

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// ApplyOperation applies one CRUD or command oplog operation. CRUD writes
// go through uow; commands take effect immediately. Inserts of an existing
// _id replace the document so that replaying history twice is harmless.
func (e *Engine) ApplyOperation(ctx context.Context, uow recoveryunit.UnitOfWork, op *oplog.Entry) error {
	switch op.Op {
	case oplog.OpInsert:
		err := uow.Insert(ctx, op.NS, op.Object)
		if txnerr.HasCode(err, txnerr.DuplicateKey) {
			id, idErr := documentID(op.Object)
			if idErr != nil {
				return idErr
			}
			return uow.Update(ctx, op.NS, id, op.Object)
		}
		return err
	case oplog.OpUpdate:
		return e.applyUpdate(ctx, uow, op)
	case oplog.OpDelete:
		id, err := documentID(op.Object)
		if err != nil {
			return err
		}
		return uow.Delete(ctx, op.NS, id)
	case oplog.OpCommand:
		return e.ApplyCommand(ctx, op)
	case oplog.OpNoop:
		return nil
	}
	return txnerr.Newf(txnerr.BadValue, "unknown oplog op type %q", op.Op)
}

func (e *Engine) applyUpdate(ctx context.Context, uow recoveryunit.UnitOfWork, op *oplog.Entry) error {
	if len(op.Object2) == 0 {
		return txnerr.Newf(txnerr.BadValue, "update on %s has no o2", op.NS)
	}
	id, err := documentID(op.Object2)
	if err != nil {
		return err
	}
	if !IsModifierDocument(op.Object) {
		return uow.Update(ctx, op.NS, id, ReplacementWithID(op.Object, id))
	}
	cur, err := uow.FindByID(ctx, op.NS, id)
	if err != nil {
		return err
	}
	next, err := ApplyModifiers(cur, id, op.Object)
	if err != nil {
		return errors.Wrapf(err, "applying update to %s", op.NS)
	}
	return uow.Update(ctx, op.NS, id, next)
}

// IsModifierDocument reports whether an update document uses $ operators.
func IsModifierDocument(doc bson.Raw) bool {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}
	return strings.HasPrefix(elems[0].Key(), "$")
}

// ReplacementWithID returns doc with _id set to id if it has none.
func ReplacementWithID(doc bson.Raw, id bson.RawValue) bson.Raw {
	if _, err := doc.LookupErr("_id"); err == nil {
		return doc
	}
	out := bson.D{{Key: "_id", Value: id}}
	elems, _ := doc.Elements()
	for _, el := range elems {
		out = append(out, bson.E{Key: el.Key(), Value: el.Value()})
	}
	b, _ := bson.Marshal(out)
	return b
}

// ApplyModifiers handles $set and $unset on top-level fields. A missing
// document is treated as {_id: id}.
func ApplyModifiers(cur bson.Raw, id bson.RawValue, mods bson.Raw) (bson.Raw, error) {
	var fields bson.D
	if cur == nil {
		fields = bson.D{{Key: "_id", Value: id}}
	} else {
		elems, err := cur.Elements()
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			fields = append(fields, bson.E{Key: el.Key(), Value: el.Value()})
		}
	}
	modElems, err := mods.Elements()
	if err != nil {
		return nil, err
	}
	for _, m := range modElems {
		arg, ok := m.Value().DocumentOK()
		if !ok {
			return nil, txnerr.Newf(txnerr.FailedToParse, "%s takes a document", m.Key())
		}
		args, err := arg.Elements()
		if err != nil {
			return nil, err
		}
		switch m.Key() {
		case "$set":
			for _, a := range args {
				fields = setField(fields, a.Key(), a.Value())
			}
		case "$unset":
			for _, a := range args {
				fields = unsetField(fields, a.Key())
			}
		default:
			return nil, txnerr.Newf(txnerr.FailedToParse, "unsupported update operator %s", m.Key())
		}
	}
	return bson.Marshal(fields)
}

func setField(d bson.D, key string, v bson.RawValue) bson.D {
	if key == "_id" {
		return d
	}
	for i := range d {
		if d[i].Key == key {
			d[i].Value = v
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: v})
}

func unsetField(d bson.D, key string) bson.D {
	if key == "_id" {
		return d
	}
	for i := range d {
		if d[i].Key == key {
			return append(d[:i], d[i+1:]...)
		}
	}
	return d
}

// ApplyCommand applies a DDL command entry.
func (e *Engine) ApplyCommand(ctx context.Context, op *oplog.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	elems, err := op.Object.Elements()
	if err != nil || len(elems) == 0 {
		return txnerr.Newf(txnerr.BadValue, "malformed command entry at %s", op.OpTime())
	}
	name, _ := elems[0].Value().StringValueOK()
	ns := op.DB() + "." + name
	switch op.CommandType() {
	case oplog.CommandTypeCreate:
		e.CreateCollection(ns)
		return nil
	case oplog.CommandTypeDrop:
		return e.DropCollection(ns)
	case oplog.CommandTypeCreateIndexes:
		return e.startIndexBuild(ns, op.Object)
	}
	return txnerr.Newf(txnerr.IllegalOperation, "command %s cannot be applied as a single operation", elems[0].Key())
}

// startIndexBuild records the index specs of a createIndexes command in the
// background. Transactions that touch ns wait for it via WaitForIndexBuilds.
func (e *Engine) startIndexBuild(ns string, cmd bson.Raw) error {
	v, err := cmd.LookupErr("indexes")
	if err != nil {
		return txnerr.Newf(txnerr.BadValue, "createIndexes on %s has no indexes", ns)
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return txnerr.Newf(txnerr.BadValue, "createIndexes indexes on %s is a %s", ns, v.Type)
	}
	values, err := arr.Values()
	if err != nil {
		return err
	}
	specs := make([]bson.Raw, 0, len(values))
	for _, sv := range values {
		if spec, ok := sv.DocumentOK(); ok {
			specs = append(specs, spec)
		}
	}
	e.CreateCollection(ns)
	done := e.builds.Start(ns)
	go func() {
		defer done()
		e.mu.Lock()
		defer e.mu.Unlock()
		c, ok := e.collections[ns]
		if !ok {
			e.logger.Warn("Index build target dropped", zap.String("ns", ns))
			return
		}
		c.indexes = append(c.indexes, specs...)
		e.logger.Info("Index build finished", zap.String("ns", ns), zap.Int("indexes", len(specs)), zap.Int("documents", c.docs.Len()))
	}()
	return nil
}
