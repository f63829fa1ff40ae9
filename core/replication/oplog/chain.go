package oplog

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// ErrEntryNotFound is returned when no entry exists at an optime.
var ErrEntryNotFound = errors.New("oplog entry not found")

// Reader looks up oplog entries by optime.
type Reader interface {
	FindByOpTime(ctx context.Context, ot transaction.OpTime) (*Entry, error)
}

// ChainIterator walks a transaction's entries newest first by following
// prevOpTime links.
type ChainIterator struct {
	reader Reader
	next   transaction.OpTime
}

// NewChainIterator starts a walk at start. A null start yields nothing.
func NewChainIterator(reader Reader, start transaction.OpTime) *ChainIterator {
	return &ChainIterator{reader: reader, next: start}
}

// HasNext reports whether another entry remains in the chain.
func (it *ChainIterator) HasNext() bool {
	return !it.next.IsNull()
}

// Next reads the next entry and advances to its predecessor.
func (it *ChainIterator) Next(ctx context.Context) (*Entry, error) {
	if !it.HasNext() {
		return nil, errors.AssertionFailedf("chain iterator read past the first entry")
	}
	entry, err := it.reader.FindByOpTime(ctx, it.next)
	if err != nil {
		return nil, errors.Wrapf(err, "reading transaction chain entry at %s", it.next)
	}
	prev := entry.PrevWriteOpTimeInTransaction()
	if !prev.IsNull() && !prev.Less(it.next) {
		return nil, errors.AssertionFailedf("chain entry at %s links forward to %s", it.next, prev)
	}
	it.next = prev
	return entry, nil
}
