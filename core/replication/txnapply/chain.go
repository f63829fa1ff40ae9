// Package txnapply replays transactions recorded in the oplog: it rebuilds
// a transaction's operations from its entry chain and applies prepare,
// commit and abort entries according to the application mode.
package txnapply

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// ReadTransactionOperationsFromOplogChain returns every operation of the
// transaction ending at last, oldest first.
//
// cached holds the partial transaction entries of the transaction that
// belong to the current batch, in oplog order; the walk over the stored
// chain starts just before the first of them. A prepared commit carries no
// operations: the walk continues from its prepare entry, and cached must be
// empty. Every returned operation takes its top-level fields from last.
func ReadTransactionOperationsFromOplogChain(ctx context.Context, reader oplog.Reader, last *oplog.Entry, cached []*oplog.Entry) ([]*oplog.Entry, error) {
	ops, _, err := readChain(ctx, reader, last, cached)
	return ops, err
}

// readChain also reports how many stored entries it read.
func readChain(ctx context.Context, reader oplog.Reader, last *oplog.Entry, cached []*oplog.Entry) ([]*oplog.Entry, int, error) {
	if last.IsPreparedCommit() && len(cached) > 0 {
		return nil, 0, txnerr.Newf(txnerr.PreparedCommitWithCachedOps,
			"prepared commit at %s shares its batch with %d partial transaction entries", last.OpTime(), len(cached))
	}
	oldestInBatch := last
	if len(cached) > 0 {
		oldestInBatch = cached[0]
	}
	lastWritten := oldestInBatch.PrevWriteOpTimeInTransaction()
	if !lastWritten.Less(last.OpTime()) {
		return nil, 0, errors.AssertionFailedf("chain of %s starts at %s, not before it", last.OpTime(), lastWritten)
	}
	it := oplog.NewChainIterator(reader, lastWritten)
	read := 0

	head := last
	if last.IsPreparedCommit() {
		if !it.HasNext() {
			return nil, 0, errors.AssertionFailedf("prepared commit at %s has no prepare entry", last.OpTime())
		}
		var err error
		if head, err = it.Next(ctx); err != nil {
			return nil, 0, err
		}
		read++
	}
	if head.CommandType() != oplog.CommandTypeApplyOps {
		return nil, read, errors.AssertionFailedf("transaction entry at %s is a %s, not an applyOps", head.OpTime(), head.CommandType())
	}

	// Stored entries come newest first. Each entry's operations are reversed
	// as they are appended, then the whole list is reversed once.
	var ops []*oplog.Entry
	for it.HasNext() {
		entry, err := it.Next(ctx)
		if err != nil {
			return nil, read, err
		}
		read++
		if !entry.IsPartialTransaction() {
			return nil, read, errors.AssertionFailedf("entry at %s inside the chain of %s is not a partial transaction", entry.OpTime(), last.OpTime())
		}
		start := len(ops)
		extracted, err := oplog.ExtractOperations(entry, last)
		if err != nil {
			return nil, read, err
		}
		ops = append(ops, extracted...)
		reverse(ops[start:])
	}
	reverse(ops)

	for _, entry := range cached {
		if !entry.IsPartialTransaction() {
			return nil, read, errors.AssertionFailedf("cached entry at %s is not a partial transaction", entry.OpTime())
		}
		extracted, err := oplog.ExtractOperations(entry, last)
		if err != nil {
			return nil, read, err
		}
		ops = append(ops, extracted...)
	}

	extracted, err := oplog.ExtractOperations(head, last)
	if err != nil {
		return nil, read, err
	}
	return append(ops, extracted...), read, nil
}

func reverse(ops []*oplog.Entry) {
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
}
