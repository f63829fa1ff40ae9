package txnapply

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
)

// EntrySource yields oplog entries in order. Next blocks; TryNext returns a
// nil entry once the source has caught up.
type EntrySource interface {
	Next(ctx context.Context) (*oplog.Entry, wal.LSN, error)
	TryNext() (*oplog.Entry, wal.LSN, error)
}

// DefaultTailBatchSize bounds how many entries one ApplyBatch call receives.
const DefaultTailBatchSize = 64

// Tailer feeds an entry source into an Applier and publishes how far it got.
type Tailer struct {
	applier   *Applier
	source    EntrySource
	mode      Mode
	batchSize int
	logger    *zap.Logger

	mu      sync.Mutex
	applied transaction.OpTime
	lastLSN wal.LSN
	changed chan struct{}
	err     error
}

// NewTailer returns a tailer applying source in mode. batchSize <= 0 uses
// DefaultTailBatchSize.
func NewTailer(applier *Applier, source EntrySource, mode Mode, batchSize int, logger *zap.Logger) *Tailer {
	if batchSize <= 0 {
		batchSize = DefaultTailBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{
		applier:   applier,
		source:    source,
		mode:      mode,
		batchSize: batchSize,
		logger:    logger.Named("tailer"),
		changed:   make(chan struct{}),
	}
}

// Start sets the optime the tailer reports before it applies anything,
// normally the last optime applied by startup recovery.
func (t *Tailer) Start(applied transaction.OpTime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = applied
}

// CatchUp applies entries until the source is drained and returns.
func (t *Tailer) CatchUp(ctx context.Context) error {
	for {
		batch, lsn, err := t.drain(nil)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := t.apply(ctx, batch, lsn); err != nil {
			return err
		}
	}
}

// Run tails the source until ctx is done or an entry fails to apply. An
// apply failure is returned and also reported to every waiter.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		first, lsn, err := t.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return t.fail(errors.Wrap(err, "reading oplog"))
		}
		batch, last, err := t.drain([]*oplog.Entry{first})
		if err != nil {
			return t.fail(err)
		}
		if last == wal.InvalidLSN {
			last = lsn
		}
		if err := t.apply(ctx, batch, last); err != nil {
			return t.fail(err)
		}
	}
}

func (t *Tailer) drain(batch []*oplog.Entry) ([]*oplog.Entry, wal.LSN, error) {
	last := wal.InvalidLSN
	for len(batch) < t.batchSize {
		e, lsn, err := t.source.TryNext()
		if err != nil {
			return nil, wal.InvalidLSN, errors.Wrap(err, "reading oplog")
		}
		if e == nil {
			break
		}
		batch = append(batch, e)
		last = lsn
	}
	return batch, last, nil
}

func (t *Tailer) apply(ctx context.Context, batch []*oplog.Entry, lsn wal.LSN) error {
	if err := t.applier.ApplyBatch(ctx, batch, t.mode); err != nil {
		return err
	}
	t.mu.Lock()
	t.applied = batch[len(batch)-1].OpTime()
	if lsn != wal.InvalidLSN {
		t.lastLSN = lsn
	}
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
	t.logger.Debug("Applied oplog batch", zap.Int("entries", len(batch)), zap.Stringer("appliedThrough", t.Applied()))
	return nil
}

func (t *Tailer) fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	close(t.changed)
	t.changed = make(chan struct{})
	t.logger.Error("Oplog application stopped", zap.Error(err))
	return err
}

// Applied is the optime of the last applied entry.
func (t *Tailer) Applied() transaction.OpTime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied
}

// LastLSN is the log position of the last applied entry.
func (t *Tailer) LastLSN() wal.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

// WaitApplied blocks until every entry up to ot has been applied.
func (t *Tailer) WaitApplied(ctx context.Context, ot transaction.OpTime) error {
	for {
		t.mu.Lock()
		if t.err != nil {
			err := t.err
			t.mu.Unlock()
			return errors.Wrap(err, "oplog application stopped")
		}
		if ot.Compare(t.applied) <= 0 {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
