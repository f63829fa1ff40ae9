package txnapply

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// PreparedTxn is a prepared transaction waiting for its commit or abort.
type PreparedTxn struct {
	Key           oplog.TxnKey
	Unit          recoveryunit.UnitOfWork
	PrepareOpTime transaction.OpTime
	Namespaces    []string
}

// PreparedCatalog stashes prepared units of work by transaction.
type PreparedCatalog struct {
	mu  sync.Mutex
	txn map[oplog.TxnKey]*PreparedTxn
}

func NewPreparedCatalog() *PreparedCatalog {
	return &PreparedCatalog{txn: make(map[oplog.TxnKey]*PreparedTxn)}
}

// Stash records p. A transaction can be stashed once.
func (c *PreparedCatalog) Stash(p *PreparedTxn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txn[p.Key]; ok {
		return errors.AssertionFailedf("transaction %s is already prepared", p.Key)
	}
	c.txn[p.Key] = p
	return nil
}

// Unstash removes and returns the prepared transaction for key.
func (c *PreparedCatalog) Unstash(key oplog.TxnKey) (*PreparedTxn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.txn[key]
	if ok {
		delete(c.txn, key)
	}
	return p, ok
}

// Get returns the prepared transaction for key without removing it.
func (c *PreparedCatalog) Get(key oplog.TxnKey) (*PreparedTxn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.txn[key]
	return p, ok
}

func (c *PreparedCatalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txn)
}

// List returns the prepared transactions ordered by prepare optime.
func (c *PreparedCatalog) List() []*PreparedTxn {
	c.mu.Lock()
	out := make([]*PreparedTxn, 0, len(c.txn))
	for _, p := range c.txn {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PrepareOpTime.Less(out[j].PrepareOpTime) })
	return out
}
