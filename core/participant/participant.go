// Package participant serves transaction commands on a shard. Statements
// are buffered per session and written to the oplog when the transaction
// prepares or commits; the node's oplog applier materializes them. A shard
// picked as coordinator also drives two-phase commit across the other
// participants.
package participant

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/clock"
	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/storage_engine/txntable"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
)

// DefaultMaxOpsPerOplogEntry caps the operations packed in one applyOps entry.
const DefaultMaxOpsPerOplogEntry = 100

// OplogWriter appends entries to the shard's oplog.
type OplogWriter interface {
	Append(ctx context.Context, e *oplog.Entry) (wal.LSN, error)
	LastOpTime() transaction.OpTime
}

// DocumentReader reads committed documents.
type DocumentReader interface {
	Find(ctx context.Context, ns string, readTS primitive.Timestamp, behavior recoveryunit.PrepareConflictBehavior) ([]bson.Raw, error)
	FindByID(ctx context.Context, ns string, id bson.RawValue, readTS primitive.Timestamp, behavior recoveryunit.PrepareConflictBehavior) (bson.Raw, error)
}

// TxnTable is the durable transaction table and coordinator decision log.
type TxnTable interface {
	Get(ctx context.Context, id transaction.SessionID) (transaction.TxnRecord, bool, error)
	InState(ctx context.Context, state transaction.DurableState) ([]transaction.TxnRecord, error)
	PutDecision(ctx context.Context, d txntable.Decision) error
	GetDecision(ctx context.Context, id transaction.SessionID, txnNumber transaction.TxnNumber) (txntable.Decision, bool, error)
}

// ApplyWaiter blocks until the oplog has been applied through an optime.
type ApplyWaiter interface {
	WaitApplied(ctx context.Context, ot transaction.OpTime) error
}

// Config wires a Service. Applied, Remote, Wall, Tracer and Logger may be nil.
type Config struct {
	ShardID             transaction.ShardID
	Term                int64
	MaxOpsPerOplogEntry int
	Oplog               OplogWriter
	Reader              DocumentReader
	TxnTable            TxnTable
	Applied             ApplyWaiter
	Remote              shard.Sender
	Clock               *clock.HybridClock
	Wall                clockwork.Clock
	Tracer              trace.Tracer
	Logger              *zap.Logger
}

type phase int

const (
	phaseInProgress phase = iota
	phasePrepared
	phaseCommitted
	phaseAborted
)

func (p phase) String() string {
	switch p {
	case phaseInProgress:
		return "inProgress"
	case phasePrepared:
		return "prepared"
	case phaseCommitted:
		return "committed"
	case phaseAborted:
		return "aborted"
	}
	return "unknown"
}

// txnState is the shard-side state of the latest transaction of a session.
type txnState struct {
	lsid          transaction.SessionID
	txnNumber     transaction.TxnNumber
	phase         phase
	readConcern   transaction.ReadConcernArgs
	readTS        primitive.Timestamp
	ops           []*oplog.Entry
	locks         []string
	lastWrite     transaction.OpTime
	prepareOpTime transaction.OpTime
	started       time.Time
}

func (st *txnState) String() string {
	return oplog.TxnKey{SessionID: st.lsid, TxnNumber: st.txnNumber}.String()
}

// Service is the transaction participant of one shard.
type Service struct {
	cfg    Config
	sender shard.Sender
	tracer trace.Tracer
	logger *zap.Logger

	// writeMu orders optime allocation with oplog appends.
	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[transaction.SessionID]*txnState
	// locks maps a document to the session whose open transaction wrote it.
	locks   map[string]transaction.SessionID
	changed chan struct{}
}

// New returns a participant. Call Recover before serving commands.
func New(cfg Config) (*Service, error) {
	if cfg.ShardID == "" {
		return nil, errors.New("participant: shard id is required")
	}
	if cfg.Oplog == nil || cfg.Reader == nil || cfg.TxnTable == nil {
		return nil, errors.New("participant: oplog, reader and transaction table are required")
	}
	if cfg.MaxOpsPerOplogEntry <= 0 {
		cfg.MaxOpsPerOplogEntry = DefaultMaxOpsPerOplogEntry
	}
	if cfg.Wall == nil {
		cfg.Wall = clockwork.NewRealClock()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewHybridClock(cfg.Wall)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("participant")
	}
	s := &Service{
		cfg:      cfg,
		tracer:   tracer,
		logger:   cfg.Logger.Named("participant").With(zap.String("shard", string(cfg.ShardID))),
		sessions: make(map[transaction.SessionID]*txnState),
		locks:    make(map[string]transaction.SessionID),
		changed:  make(chan struct{}),
	}
	s.sender = &loopbackSender{self: s, remote: cfg.Remote}
	return s, nil
}

// Recover moves the clock past the oplog and reloads the transactions left
// prepared by the previous run. The applier must have reconstructed them.
func (s *Service) Recover(ctx context.Context) error {
	s.cfg.Clock.Advance(s.cfg.Oplog.LastOpTime().TS)
	prepared, err := s.cfg.TxnTable.InState(ctx, transaction.StatePrepared)
	if err != nil {
		return errors.Wrap(err, "loading prepared transactions")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range prepared {
		s.sessions[rec.SessionID] = &txnState{
			lsid:          rec.SessionID,
			txnNumber:     rec.TxnNumber,
			phase:         phasePrepared,
			lastWrite:     rec.LastWriteOpTime,
			prepareOpTime: rec.LastWriteOpTime,
			started:       rec.LastWriteDate,
		}
		s.logger.Info("Recovered prepared transaction",
			zap.String("lsid", rec.SessionID.String()),
			zap.Int64("txnNumber", int64(rec.TxnNumber)),
			zap.Stringer("prepareOpTime", rec.LastWriteOpTime))
	}
	return nil
}

// ShardID names the shard this participant serves.
func (s *Service) ShardID() transaction.ShardID {
	return s.cfg.ShardID
}

// RunCommand executes cmd against db. Failures are rendered into the reply.
func (s *Service) RunCommand(ctx context.Context, db string, cmd bson.D) bson.Raw {
	name := command.Name(cmd)
	ctx, span := s.tracer.Start(ctx, "participant."+name)
	defer span.End()

	reply, err := s.runCommand(ctx, db, name, cmd)
	if err != nil {
		span.RecordError(err)
		s.logger.Debug("Command failed", zap.String("command", name), zap.Error(err))
		reply = command.ErrorReply(err)
	}
	// Routers advance their clocks from the operation time so later
	// snapshot reads see this shard's writes.
	withTime, err := command.AppendFields(reply, bson.E{Key: command.FieldOperationTime, Value: s.cfg.Oplog.LastOpTime().TS})
	if err != nil {
		return reply
	}
	return withTime
}

func (s *Service) runCommand(ctx context.Context, db, name string, cmd bson.D) (bson.Raw, error) {
	b, err := bson.Marshal(cmd)
	if err != nil {
		return nil, txnerr.Newf(txnerr.FailedToParse, "encoding %s: %v", name, err)
	}
	raw := bson.Raw(b)
	args, err := parseTxnArgs(raw)
	if err != nil {
		return nil, err
	}

	switch name {
	case "insert", "update", "delete", "find":
		return s.runStatement(ctx, db, name, raw, args)
	case command.PrepareTransaction:
		return s.prepareTransaction(ctx, args)
	case command.CommitTransaction:
		return s.commitTransaction(ctx, raw, args)
	case command.AbortTransaction:
		return s.abortTransaction(ctx, args)
	case command.CoordinateCommitTransaction:
		return s.coordinateCommitTransaction(ctx, raw, args)
	case command.ReportTransactions:
		inprog := bson.A{}
		for _, doc := range s.Report() {
			inprog = append(inprog, doc)
		}
		return command.ToRaw(bson.D{{Key: "inprog", Value: inprog}, {Key: "ok", Value: 1}}), nil
	case "ping":
		return command.OKReply(), nil
	}
	return nil, txnerr.Newf(txnerr.IllegalOperation, "no such command: '%s'", name)
}

// waitApplied makes the oplog written so far visible to reads.
func (s *Service) waitApplied(ctx context.Context) error {
	if s.cfg.Applied == nil {
		return nil
	}
	return s.cfg.Applied.WaitApplied(ctx, s.cfg.Oplog.LastOpTime())
}

// appendEntry allocates the next optime and writes the entry build returns.
func (s *Service) appendEntry(ctx context.Context, build func(at transaction.OpTime) *oplog.Entry) (transaction.OpTime, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	at := transaction.OpTime{TS: s.cfg.Clock.Tick(), Term: s.cfg.Term}
	e := build(at)
	e.TS, e.Term = at.TS, at.Term
	e.Wall = s.cfg.Wall.Now().UTC()
	if _, err := s.cfg.Oplog.Append(ctx, e); err != nil {
		return transaction.OpTime{}, errors.Wrapf(err, "writing oplog entry at %s", at)
	}
	return at, nil
}

// notifyLocked wakes goroutines waiting for a transaction to change phase.
func (s *Service) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Service) releaseLocked(st *txnState) {
	for _, k := range st.locks {
		if owner, ok := s.locks[k]; ok && owner == st.lsid {
			delete(s.locks, k)
		}
	}
	st.locks = nil
}

// finishLocked ends st in p, dropping its buffered writes and document locks.
func (s *Service) finishLocked(st *txnState, p phase) {
	st.phase = p
	st.ops = nil
	s.releaseLocked(st)
	s.notifyLocked()
	s.logger.Debug("Transaction finished",
		zap.Stringer("txn", st), zap.Stringer("state", p),
		zap.Duration("duration", s.cfg.Wall.Since(st.started)))
}

// Report lists the sessions with an open transaction, for diagnostics.
func (s *Service) Report() []bson.D {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bson.D
	for _, st := range s.sessions {
		if st.phase != phaseInProgress && st.phase != phasePrepared {
			continue
		}
		entry := bson.D{
			{Key: "lsid", Value: st.lsid},
			{Key: "txnNumber", Value: int64(st.txnNumber)},
			{Key: "state", Value: st.phase.String()},
			{Key: "numOps", Value: int32(len(st.ops))},
		}
		if st.phase == phasePrepared {
			entry = append(entry, bson.E{Key: "prepareTimestamp", Value: st.prepareOpTime.TS})
		}
		out = append(out, entry)
	}
	return out
}
