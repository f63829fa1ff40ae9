// Package recoveryunit is the storage contract transaction replay is
// written against: a unit of work that buffers writes and commits them,
// optionally after a prepare, at explicit timestamps.
package recoveryunit

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PrepareConflictBehavior says what a unit of work does when it touches a
// document held by another prepared transaction.
type PrepareConflictBehavior int

const (
	// EnforcePrepareConflicts fails reads and writes of prepared documents.
	EnforcePrepareConflicts PrepareConflictBehavior = iota
	// IgnorePrepareConflicts lets reads see the last committed version.
	// Writes still conflict.
	IgnorePrepareConflicts
	// IgnoreConflictsAllowWrites also lets writes through. Only replay of
	// already-validated oplog history may use it.
	IgnoreConflictsAllowWrites
)

func (b PrepareConflictBehavior) String() string {
	switch b {
	case EnforcePrepareConflicts:
		return "enforce"
	case IgnorePrepareConflicts:
		return "ignoreConflicts"
	case IgnoreConflictsAllowWrites:
		return "ignoreConflictsAllowWrites"
	}
	return "unknown"
}

// Options are fixed for the lifetime of a unit of work.
type Options struct {
	// RoundUpPreparedTimestamps moves a prepare or commit timestamp that is
	// older than the engine's oldest timestamp up to the oldest timestamp
	// instead of failing.
	RoundUpPreparedTimestamps bool
	PrepareConflictBehavior   PrepareConflictBehavior
}

// Engine starts units of work.
type Engine interface {
	Begin(ctx context.Context, opts Options) (UnitOfWork, error)
}

// UnitOfWork buffers writes until Commit. Abandon discards anything not
// committed and may be called any number of times, so callers defer it
// right after Begin.
type UnitOfWork interface {
	Options() Options

	Insert(ctx context.Context, ns string, doc bson.Raw) error
	// Update replaces the document whose _id is id.
	Update(ctx context.Context, ns string, id bson.RawValue, doc bson.Raw) error
	Delete(ctx context.Context, ns string, id bson.RawValue) error
	// FindByID reads through the unit's own writes.
	FindByID(ctx context.Context, ns string, id bson.RawValue) (bson.Raw, error)

	SetPrepareTimestamp(ts primitive.Timestamp) error
	Prepare(ctx context.Context) error
	// PrepareTimestamp is the timestamp the unit was prepared at, after any
	// rounding.
	PrepareTimestamp() primitive.Timestamp
	SetCommitTimestamp(ts primitive.Timestamp) error
	SetDurableTimestamp(ts primitive.Timestamp) error
	Commit(ctx context.Context) error
	Abandon()

	// NumWrites is the number of buffered writes.
	NumWrites() int
}
