// Package wal stores the node's oplog as a segmented, checksummed
// write-ahead log and streams it to the apply loop.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// LSN numbers log records. The first record has LSN 1.
type LSN uint64

const InvalidLSN LSN = 0

// LogType tags what a record carries.
type LogType byte

const (
	LogTypeOplog LogType = iota + 1
	LogTypeNoop
)

func (t LogType) String() string {
	switch t {
	case LogTypeOplog:
		return "oplog"
	case LogTypeNoop:
		return "noop"
	}
	return "unknown"
}

// LogRecord is one entry of the log. Key identifies the record for point
// lookups; for oplog records it is the encoded OpTime.
type LogRecord struct {
	LSN       LSN
	Type      LogType
	Timestamp int64
	Key       []byte
	Data      []byte
}

var (
	// ErrClosed is returned by operations on a closed LogManager.
	ErrClosed = errors.New("wal: log manager is closed")
	// ErrNotFound is returned when no record has the requested key or LSN.
	ErrNotFound = errors.New("wal: record not found")
	// ErrCorrupt is returned when a record fails its checksum.
	ErrCorrupt = errors.New("wal: corrupt record")
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
	// length(4) + crc(4)
	frameHeaderSize = 8
	// lsn(8) + type(1) + timestamp(8) + keyLen(2) + dataLen(4)
	recordHeaderSize = 23

	defaultSegmentSize int64 = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type location struct {
	segment LSN
	offset  int64
	size    int64
}

type segment struct {
	startLSN LSN
	path     string
	file     *os.File
	size     int64
}

// Option configures a LogManager.
type Option func(*LogManager)

// WithSegmentSize sets the size after which a new segment is started.
func WithSegmentSize(n int64) Option {
	return func(lm *LogManager) {
		if n > 0 {
			lm.segmentSizeLimit = n
		}
	}
}

// WithSyncOnAppend makes every append fsync before returning.
func WithSyncOnAppend(enabled bool) Option {
	return func(lm *LogManager) {
		lm.syncOnAppend = enabled
	}
}

// LogManager owns the segment files of one log directory. Appends are
// serialized; readers may run concurrently with appends.
type LogManager struct {
	dir              string
	logger           *zap.Logger
	segmentSizeLimit int64
	syncOnAppend     bool

	mu       sync.Mutex
	segments []*segment
	active   *segment
	locs     []location
	keys     map[string]LSN
	lastLSN  LSN
	notify   chan struct{}
	closed   bool
}

// NewLogManager opens the log in dir, creating it if needed, and rebuilds
// the in-memory index. A torn record at the tail of the last segment is
// truncated.
func NewLogManager(dir string, logger *zap.Logger, opts ...Option) (*LogManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating wal directory %s", dir)
	}
	lm := &LogManager{
		dir:              dir,
		logger:           logger.Named("wal"),
		segmentSizeLimit: defaultSegmentSize,
		keys:             make(map[string]LSN),
		notify:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lm)
	}
	if err := lm.recover(); err != nil {
		lm.closeFiles()
		return nil, err
	}
	lm.logger.Info("Log manager opened",
		zap.String("dir", dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("last_lsn", uint64(lm.lastLSN)))
	return lm, nil
}

func segmentPath(dir string, startLSN LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(startLSN), segmentSuffix))
}

func (lm *LogManager) listSegments() ([]LSN, error) {
	entries, err := os.ReadDir(lm.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading wal directory %s", lm.dir)
	}
	var starts []LSN
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			lm.logger.Warn("Ignoring file with malformed segment name", zap.String("file", name))
			continue
		}
		starts = append(starts, LSN(n))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

func (lm *LogManager) recover() error {
	starts, err := lm.listSegments()
	if err != nil {
		return err
	}
	if len(starts) == 0 {
		return lm.openSegment(1)
	}
	for i, start := range starts {
		last := i == len(starts)-1
		if start != lm.lastLSN+1 {
			return errors.Newf("wal: segment starting at %d does not follow lsn %d", start, lm.lastLSN)
		}
		if err := lm.scanSegment(start, last); err != nil {
			return err
		}
	}
	return nil
}

// scanSegment indexes every record of a segment. Only the last segment may
// end in a partially written record.
func (lm *LogManager) scanSegment(start LSN, last bool) error {
	path := segmentPath(lm.dir, start)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening segment %s", path)
	}
	seg := &segment{startLSN: start, path: path, file: f}
	lm.segments = append(lm.segments, seg)
	lm.active = seg

	r := bufio.NewReader(io.NewSectionReader(f, 0, 1<<62))
	var offset int64
	for {
		frame, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			if !last {
				return errors.Wrapf(err, "segment %s at offset %d", path, offset)
			}
			lm.logger.Warn("Truncating torn tail of last segment",
				zap.String("segment", path), zap.Int64("offset", offset), zap.Error(err))
			if terr := f.Truncate(offset); terr != nil {
				return errors.Wrapf(terr, "truncating segment %s", path)
			}
			break
		}
		rec, err := DecodeLogRecord(frame[frameHeaderSize:])
		if err != nil {
			return errors.Wrapf(err, "segment %s at offset %d", path, offset)
		}
		if rec.LSN != lm.lastLSN+1 {
			return errors.Newf("wal: segment %s holds lsn %d after lsn %d", path, rec.LSN, lm.lastLSN)
		}
		lm.indexRecord(rec, location{segment: start, offset: offset, size: int64(len(frame))})
		offset += int64(len(frame))
	}
	seg.size = offset
	return nil
}

func (lm *LogManager) indexRecord(rec *LogRecord, loc location) {
	lm.locs = append(lm.locs, loc)
	lm.lastLSN = rec.LSN
	if len(rec.Key) > 0 {
		lm.keys[string(rec.Key)] = rec.LSN
	}
}

func (lm *LogManager) openSegment(start LSN) error {
	path := segmentPath(lm.dir, start)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating segment %s", path)
	}
	seg := &segment{startLSN: start, path: path, file: f}
	lm.segments = append(lm.segments, seg)
	lm.active = seg
	return nil
}

// rollSegmentLocked seals the active segment and starts a new one.
func (lm *LogManager) rollSegmentLocked() error {
	if err := lm.active.file.Sync(); err != nil {
		return errors.Wrapf(err, "syncing segment %s", lm.active.path)
	}
	lm.logger.Info("Rolling wal segment",
		zap.String("sealed", filepath.Base(lm.active.path)),
		zap.Int64("size", lm.active.size))
	return lm.openSegment(lm.lastLSN + 1)
}

// AppendRecord assigns the next LSN to record and writes it.
func (lm *LogManager) AppendRecord(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrClosed
	}
	if len(record.Key) > 0 {
		if _, dup := lm.keys[string(record.Key)]; dup {
			return InvalidLSN, errors.Newf("wal: duplicate record key %x", record.Key)
		}
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixNano()
	}
	record.LSN = lm.lastLSN + 1

	frame, err := encodeFrame(record)
	if err != nil {
		return InvalidLSN, err
	}
	if lm.active.size > 0 && lm.active.size+int64(len(frame)) > lm.segmentSizeLimit {
		if err := lm.rollSegmentLocked(); err != nil {
			return InvalidLSN, err
		}
	}
	n, err := lm.active.file.Write(frame)
	if err != nil {
		// A partial frame is cut off on the next open.
		return InvalidLSN, errors.Wrapf(err, "writing lsn %d", record.LSN)
	}
	if lm.syncOnAppend {
		if err := lm.active.file.Sync(); err != nil {
			return InvalidLSN, errors.Wrapf(err, "syncing lsn %d", record.LSN)
		}
	}
	lm.indexRecord(record, location{segment: lm.active.startLSN, offset: lm.active.size, size: int64(n)})
	lm.active.size += int64(n)

	close(lm.notify)
	lm.notify = make(chan struct{})
	return record.LSN, nil
}

// Sync flushes the active segment to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrClosed
	}
	return lm.active.file.Sync()
}

// LastLSN returns the LSN of the newest record, or InvalidLSN.
func (lm *LogManager) LastLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastLSN
}

// ReadRecord returns the record with the given LSN.
func (lm *LogManager) ReadRecord(lsn LSN) (*LogRecord, error) {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil, ErrClosed
	}
	if lsn == InvalidLSN || lsn > lm.lastLSN {
		lm.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "lsn %d", lsn)
	}
	loc := lm.locs[lsn-1]
	f := lm.segmentFileLocked(loc.segment)
	lm.mu.Unlock()

	buf := make([]byte, loc.size)
	if _, err := f.ReadAt(buf, loc.offset); err != nil {
		return nil, errors.Wrapf(err, "reading lsn %d", lsn)
	}
	if err := checkFrame(buf); err != nil {
		return nil, errors.Wrapf(err, "lsn %d", lsn)
	}
	return DecodeLogRecord(buf[frameHeaderSize:])
}

// FindByKey returns the record appended with key.
func (lm *LogManager) FindByKey(key []byte) (*LogRecord, error) {
	lm.mu.Lock()
	lsn, ok := lm.keys[string(key)]
	lm.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "key %x", key)
	}
	return lm.ReadRecord(lsn)
}

func (lm *LogManager) segmentFileLocked(start LSN) *os.File {
	i := sort.Search(len(lm.segments), func(i int) bool { return lm.segments[i].startLSN > start }) - 1
	return lm.segments[i].file
}

// Close syncs and closes every segment. Blocked readers return ErrClosed.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	close(lm.notify)
	var err error
	if lm.active != nil {
		err = lm.active.file.Sync()
	}
	if cerr := lm.closeFiles(); err == nil {
		err = cerr
	}
	lm.logger.Info("Log manager closed", zap.Uint64("last_lsn", uint64(lm.lastLSN)))
	return err
}

func (lm *LogManager) closeFiles() error {
	var first error
	for _, s := range lm.segments {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WALReader streams records in LSN order, blocking at the end of the log.
type WALReader struct {
	lm      *LogManager
	slot    string
	nextLSN LSN
}

// GetWALReaderForStreaming returns a reader positioned at fromLSN. slot
// names the consumer in logs.
func (lm *LogManager) GetWALReaderForStreaming(fromLSN LSN, slot string) (*WALReader, error) {
	if fromLSN == InvalidLSN {
		fromLSN = 1
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil, ErrClosed
	}
	if fromLSN > lm.lastLSN+1 {
		return nil, errors.Newf("wal: cannot stream from lsn %d past end %d", fromLSN, lm.lastLSN)
	}
	lm.logger.Debug("Opened wal reader", zap.String("slot", slot), zap.Uint64("from_lsn", uint64(fromLSN)))
	return &WALReader{lm: lm, slot: slot, nextLSN: fromLSN}, nil
}

// Next returns the next record, waiting for one to be appended if needed.
func (r *WALReader) Next(ctx context.Context) (*LogRecord, error) {
	for {
		r.lm.mu.Lock()
		if r.lm.closed {
			r.lm.mu.Unlock()
			return nil, ErrClosed
		}
		if r.nextLSN <= r.lm.lastLSN {
			r.lm.mu.Unlock()
			rec, err := r.lm.ReadRecord(r.nextLSN)
			if err != nil {
				return nil, err
			}
			r.nextLSN++
			return rec, nil
		}
		wait := r.lm.notify
		r.lm.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the next record, or nil if the reader is at the end.
func (r *WALReader) TryNext() (*LogRecord, error) {
	if r.nextLSN > r.lm.LastLSN() {
		return nil, nil
	}
	rec, err := r.lm.ReadRecord(r.nextLSN)
	if err != nil {
		return nil, err
	}
	r.nextLSN++
	return rec, nil
}

// Position is the LSN the next call to Next returns.
func (r *WALReader) Position() LSN {
	return r.nextLSN
}

// Close releases the reader.
func (r *WALReader) Close() error {
	r.lm.logger.Debug("Closed wal reader", zap.String("slot", r.slot), zap.Uint64("position", uint64(r.nextLSN)))
	return nil
}

func encodeFrame(rec *LogRecord) ([]byte, error) {
	if len(rec.Key) > 0xFFFF {
		return nil, errors.Newf("wal: key of %d bytes is too long", len(rec.Key))
	}
	payloadLen := recordHeaderSize + len(rec.Key) + len(rec.Data)
	buf := make([]byte, frameHeaderSize+payloadLen)
	p := buf[frameHeaderSize:]
	binary.LittleEndian.PutUint64(p[0:], uint64(rec.LSN))
	p[8] = byte(rec.Type)
	binary.LittleEndian.PutUint64(p[9:], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint16(p[17:], uint16(len(rec.Key)))
	binary.LittleEndian.PutUint32(p[19:], uint32(len(rec.Data)))
	copy(p[recordHeaderSize:], rec.Key)
	copy(p[recordHeaderSize+len(rec.Key):], rec.Data)

	binary.LittleEndian.PutUint32(buf[0:], uint32(payloadLen))
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(p, crcTable))
	return buf, nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading frame header")
	}
	n := binary.LittleEndian.Uint32(header[0:])
	if n < recordHeaderSize {
		return nil, errors.Wrapf(ErrCorrupt, "frame length %d", n)
	}
	frame := make([]byte, frameHeaderSize+int(n))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[frameHeaderSize:]); err != nil {
		return nil, errors.Wrap(err, "reading frame payload")
	}
	if err := checkFrame(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func checkFrame(frame []byte) error {
	want := binary.LittleEndian.Uint32(frame[4:])
	if got := crc32.Checksum(frame[frameHeaderSize:], crcTable); got != want {
		return errors.Wrapf(ErrCorrupt, "checksum %08x, expected %08x", got, want)
	}
	return nil
}

// DecodeLogRecord parses the payload of a frame.
func DecodeLogRecord(p []byte) (*LogRecord, error) {
	if len(p) < recordHeaderSize {
		return nil, errors.Wrapf(ErrCorrupt, "record of %d bytes", len(p))
	}
	keyLen := int(binary.LittleEndian.Uint16(p[17:]))
	dataLen := int(binary.LittleEndian.Uint32(p[19:]))
	if len(p) != recordHeaderSize+keyLen+dataLen {
		return nil, errors.Wrapf(ErrCorrupt, "record length %d, expected %d", len(p), recordHeaderSize+keyLen+dataLen)
	}
	rec := &LogRecord{
		LSN:       LSN(binary.LittleEndian.Uint64(p[0:])),
		Type:      LogType(p[8]),
		Timestamp: int64(binary.LittleEndian.Uint64(p[9:])),
	}
	if keyLen > 0 {
		rec.Key = append([]byte(nil), p[recordHeaderSize:recordHeaderSize+keyLen]...)
	}
	rec.Data = append([]byte(nil), p[recordHeaderSize+keyLen:]...)
	return rec, nil
}
