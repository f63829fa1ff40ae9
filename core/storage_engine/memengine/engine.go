// Package memengine is an in-memory, multi-version document store. Each
// collection is a btree of records keyed by _id, and each record keeps its
// committed versions ordered by commit timestamp.
package memengine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

const btreeDegree = 32

type version struct {
	ts primitive.Timestamp
	// nil marks a delete.
	doc bson.Raw
}

type record struct {
	key      string
	id       bson.RawValue
	versions []version
	// prepared is the prepared unit of work holding this record, if any.
	prepared *unitOfWork
}

func (r *record) visible(readTS primitive.Timestamp) bson.Raw {
	if transaction.IsNullTimestamp(readTS) {
		if len(r.versions) == 0 {
			return nil
		}
		return r.versions[len(r.versions)-1].doc
	}
	i := sort.Search(len(r.versions), func(i int) bool {
		return transaction.CompareTimestamps(r.versions[i].ts, readTS) > 0
	})
	if i == 0 {
		return nil
	}
	return r.versions[i-1].doc
}

func (r *record) addVersion(v version) {
	i := sort.Search(len(r.versions), func(i int) bool {
		return transaction.CompareTimestamps(r.versions[i].ts, v.ts) > 0
	})
	if i > 0 && transaction.CompareTimestamps(r.versions[i-1].ts, v.ts) == 0 {
		r.versions[i-1] = v
		return
	}
	r.versions = append(r.versions, version{})
	copy(r.versions[i+1:], r.versions[i:])
	r.versions[i] = v
}

type collection struct {
	ns      string
	uuid    string
	docs    *btree.BTreeG[*record]
	indexes []bson.Raw
}

func newCollection(ns string) *collection {
	return &collection{
		ns:   ns,
		uuid: uuid.NewString(),
		docs: btree.NewG[*record](btreeDegree, func(a, b *record) bool { return a.key < b.key }),
	}
}

func (c *collection) get(key string) *record {
	r, ok := c.docs.Get(&record{key: key})
	if !ok {
		return nil
	}
	return r
}

// Engine is the in-memory storage engine.
type Engine struct {
	logger *zap.Logger
	builds *IndexBuildTracker

	mu          sync.RWMutex
	collections map[string]*collection
	oldest      primitive.Timestamp
	lastCommit  primitive.Timestamp
}

var _ recoveryunit.Engine = (*Engine)(nil)

// New returns an empty engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger:      logger.Named("memengine"),
		builds:      NewIndexBuildTracker(),
		collections: make(map[string]*collection),
	}
}

// Begin starts a unit of work.
func (e *Engine) Begin(ctx context.Context, opts recoveryunit.Options) (recoveryunit.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &unitOfWork{e: e, opts: opts, latest: make(map[writeKey]int)}, nil
}

// SetOldestTimestamp moves the oldest timestamp forward. Prepares and
// commits below it fail unless the unit rounds up.
func (e *Engine) SetOldestTimestamp(ts primitive.Timestamp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if transaction.CompareTimestamps(ts, e.oldest) > 0 {
		e.oldest = ts
	}
}

func (e *Engine) OldestTimestamp() primitive.Timestamp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oldest
}

// LastCommitTimestamp is the newest timestamp any commit wrote at.
func (e *Engine) LastCommitTimestamp() primitive.Timestamp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCommit
}

// CreateCollection creates ns. It is a no-op if ns exists.
func (e *Engine) CreateCollection(ns string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createCollectionLocked(ns)
}

func (e *Engine) createCollectionLocked(ns string) *collection {
	c, ok := e.collections[ns]
	if !ok {
		c = newCollection(ns)
		e.collections[ns] = c
		e.logger.Debug("Created collection", zap.String("ns", ns), zap.String("uuid", c.uuid))
	}
	return c
}

// DropCollection removes ns.
func (e *Engine) DropCollection(ns string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.collections[ns]
	if !ok {
		return txnerr.Newf(txnerr.NamespaceNotFound, "ns %s does not exist", ns)
	}
	var held bool
	c.docs.Ascend(func(r *record) bool {
		held = r.prepared != nil
		return !held
	})
	if held {
		return txnerr.Newf(txnerr.PreparedTransactionInProgress, "cannot drop %s while a prepared transaction holds its documents", ns)
	}
	delete(e.collections, ns)
	e.logger.Debug("Dropped collection", zap.String("ns", ns))
	return nil
}

// Collections lists the namespaces in sorted order.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.collections))
	for ns := range e.collections {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// CollectionsInDB lists the namespaces of db.
func (e *Engine) CollectionsInDB(db string) []string {
	var out []string
	for _, ns := range e.Collections() {
		if strings.HasPrefix(ns, db+".") {
			out = append(out, ns)
		}
	}
	return out
}

// Indexes returns the index specs built on ns.
func (e *Engine) Indexes(ns string) []bson.Raw {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[ns]
	if !ok {
		return nil
	}
	return append([]bson.Raw(nil), c.indexes...)
}

// Find returns the documents of ns visible at readTS, ordered by _id. A
// null readTS reads the latest committed data.
func (e *Engine) Find(ctx context.Context, ns string, readTS primitive.Timestamp, behavior recoveryunit.PrepareConflictBehavior) ([]bson.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[ns]
	if !ok {
		return nil, nil
	}
	var (
		out []bson.Raw
		err error
	)
	c.docs.Ascend(func(r *record) bool {
		if err = checkReadConflict(r, nil, readTS, behavior); err != nil {
			return false
		}
		if doc := r.visible(readTS); doc != nil {
			out = append(out, doc)
		}
		return true
	})
	return out, err
}

// FindByID returns the document with the given _id, or nil.
func (e *Engine) FindByID(ctx context.Context, ns string, id bson.RawValue, readTS primitive.Timestamp, behavior recoveryunit.PrepareConflictBehavior) (bson.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[ns]
	if !ok {
		return nil, nil
	}
	r := c.get(idKey(id))
	if r == nil {
		return nil, nil
	}
	if err := checkReadConflict(r, nil, readTS, behavior); err != nil {
		return nil, err
	}
	return r.visible(readTS), nil
}

func checkReadConflict(r *record, self *unitOfWork, readTS primitive.Timestamp, behavior recoveryunit.PrepareConflictBehavior) error {
	if r.prepared == nil || r.prepared == self || behavior != recoveryunit.EnforcePrepareConflicts {
		return nil
	}
	// Readers below the prepare timestamp cannot see the prepared writes.
	if !transaction.IsNullTimestamp(readTS) && transaction.CompareTimestamps(readTS, r.prepared.prepareTS) < 0 {
		return nil
	}
	return txnerr.Newf(txnerr.PrepareConflict, "document %s is held by a prepared transaction", r.id)
}

func idKey(id bson.RawValue) string {
	return string([]byte{byte(id.Type)}) + string(id.Value)
}

func documentID(doc bson.Raw) (bson.RawValue, error) {
	id, err := doc.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, txnerr.Newf(txnerr.BadValue, "document has no _id: %s", doc)
	}
	return id, nil
}

func (e *Engine) collectionLocked(ns string) (*collection, error) {
	c, ok := e.collections[ns]
	if !ok {
		return nil, txnerr.Newf(txnerr.NamespaceNotFound, "ns %s does not exist", ns)
	}
	return c, nil
}

func maxTimestamp(a, b primitive.Timestamp) primitive.Timestamp {
	if transaction.CompareTimestamps(a, b) >= 0 {
		return a
	}
	return b
}

var errUnitFinished = errors.New("unit of work already committed or abandoned")
