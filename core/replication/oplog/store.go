package oplog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
)

// Store keeps the oplog in a write-ahead log. Entries must be appended in
// increasing optime order.
type Store struct {
	log    *wal.LogManager
	logger *zap.Logger

	mu   sync.Mutex
	last transaction.OpTime
}

// NewStore wraps log and recovers the last written optime.
func NewStore(log *wal.LogManager, logger *zap.Logger) (*Store, error) {
	s := &Store{log: log, logger: logger.Named("oplog")}
	if lsn := log.LastLSN(); lsn != wal.InvalidLSN {
		rec, err := log.ReadRecord(lsn)
		if err != nil {
			return nil, errors.Wrap(err, "reading last oplog record")
		}
		e, err := decodeEntry(rec)
		if err != nil {
			return nil, err
		}
		s.last = e.OpTime()
	}
	return s, nil
}

// Append writes e to the log.
func (s *Store) Append(ctx context.Context, e *Entry) (wal.LSN, error) {
	if err := ctx.Err(); err != nil {
		return wal.InvalidLSN, err
	}
	data, err := bson.Marshal(e)
	if err != nil {
		return wal.InvalidLSN, errors.Wrap(err, "encoding oplog entry")
	}
	ot := e.OpTime()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.Less(ot) {
		return wal.InvalidLSN, errors.AssertionFailedf("oplog entry at %s does not follow %s", ot, s.last)
	}
	lsn, err := s.log.AppendRecord(&wal.LogRecord{
		Type:      wal.LogTypeOplog,
		Timestamp: e.Wall.UnixNano(),
		Key:       OpTimeKey(ot),
		Data:      data,
	})
	if err != nil {
		return wal.InvalidLSN, errors.Wrapf(err, "appending oplog entry at %s", ot)
	}
	s.last = ot
	s.logger.Debug("Appended oplog entry", zap.Stringer("optime", ot), zap.Uint64("lsn", uint64(lsn)))
	return lsn, nil
}

// LastOpTime is the optime of the newest entry.
func (s *Store) LastOpTime() transaction.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// FindByOpTime implements Reader.
func (s *Store) FindByOpTime(ctx context.Context, ot transaction.OpTime) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.log.FindByKey(OpTimeKey(ot))
	if errors.Is(err, wal.ErrNotFound) {
		return nil, errors.Wrapf(ErrEntryNotFound, "optime %s", ot)
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(rec)
}

// Sync flushes appended entries to disk.
func (s *Store) Sync() error {
	return s.log.Sync()
}

// Stream reads entries in oplog order starting at fromLSN.
type Stream struct {
	r *wal.WALReader
}

// Stream opens a cursor named slot at fromLSN.
func (s *Store) Stream(fromLSN wal.LSN, slot string) (*Stream, error) {
	r, err := s.log.GetWALReaderForStreaming(fromLSN, slot)
	if err != nil {
		return nil, err
	}
	return &Stream{r: r}, nil
}

// Next blocks until an entry is available.
func (st *Stream) Next(ctx context.Context) (*Entry, wal.LSN, error) {
	for {
		rec, err := st.r.Next(ctx)
		if err != nil {
			return nil, wal.InvalidLSN, err
		}
		if rec.Type != wal.LogTypeOplog {
			continue
		}
		e, err := decodeEntry(rec)
		return e, rec.LSN, err
	}
}

// TryNext returns nil once the stream has caught up with the log.
func (st *Stream) TryNext() (*Entry, wal.LSN, error) {
	for {
		rec, err := st.r.TryNext()
		if err != nil || rec == nil {
			return nil, wal.InvalidLSN, err
		}
		if rec.Type != wal.LogTypeOplog {
			continue
		}
		e, err := decodeEntry(rec)
		return e, rec.LSN, err
	}
}

func (st *Stream) Close() error {
	return st.r.Close()
}

func decodeEntry(rec *wal.LogRecord) (*Entry, error) {
	var e Entry
	if err := bson.Unmarshal(rec.Data, &e); err != nil {
		return nil, errors.Wrapf(err, "decoding oplog entry at lsn %d", rec.LSN)
	}
	return &e, nil
}
