// Package engine is the append/compaction collaborator behind the
// persistence processor: it spools ingested bundles through a write-ahead
// log, finalizes them into immutable segment files on size or age
// thresholds, and tracks durable per-subscriber delivery progress.
//
// An Engine instance is owned by a single goroutine; the processor that
// created it is the only caller of its disk-touching operations. Claim
// resolution is the one exception and is safe from any goroutine.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/segment"
)

const (
	segmentExt       = ".seg"
	progressFileName = "progress.db"
	walFileName      = "ingest.wal"

	defaultMaxSegmentBytes = 8 * 1024 * 1024
	defaultMaxSegmentAge   = 5 * time.Second
	defaultBytesCap        = 1 << 30
)

var (
	metaBucket    = []byte("meta")
	keyInstanceID = []byte("instance_id")
	keyNextSeq    = []byte("next_seq")
)

var (
	ErrEngineClosed = errors.New("engine is closed")
)

type pendingEntry struct {
	payload []byte
}

type segmentState struct {
	seq     uint64
	path    string
	reader  *segment.Reader
	bundles uint64
	bytes   int64
}

// Engine spools bundles durably and replays them to subscribers.
type Engine struct {
	dir string
	log *slog.Logger
	mem memory.Allocator

	wal *ingestWAL
	db  *bolt.DB

	instanceID string

	maxSegmentBytes int64
	maxSegmentAge   time.Duration
	walSize         int64
	bytesCap        int64

	pending       []pendingEntry
	pendingBytes  int64
	batchOpenedAt time.Time

	nextSeq  uint64
	segments map[uint64]*segmentState
	seqs     []uint64

	subscribers map[string]*Subscriber

	bytesUsed       int64
	droppedSegments uint64
	droppedBundles  uint64

	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSegmentBytes sets the buffered-bytes threshold that finalizes the
// open segment.
func WithMaxSegmentBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSegmentBytes = n
		}
	}
}

// WithMaxSegmentAge sets the elapsed-time threshold that finalizes the open
// segment. Zero finalizes on every Flush.
func WithMaxSegmentAge(d time.Duration) Option {
	return func(e *Engine) {
		e.maxSegmentAge = d
	}
}

// WithWALSize sets the pre-allocated size of the ingest WAL.
func WithWALSize(n int64) Option {
	return func(e *Engine) {
		if n > walHeaderSize {
			e.walSize = n
		}
	}
}

// WithBytesCap caps the bytes held in finalized segments. When exceeded, the
// oldest segments are force-dropped.
func WithBytesCap(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bytesCap = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithAllocator sets the allocator used to decode WAL envelopes and segment
// metadata.
func WithAllocator(mem memory.Allocator) Option {
	return func(e *Engine) {
		e.mem = mem
	}
}

// Open creates or recovers the engine rooted at dir.
func Open(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:             dir,
		log:             slog.Default(),
		mem:             memory.DefaultAllocator,
		maxSegmentBytes: defaultMaxSegmentBytes,
		maxSegmentAge:   defaultMaxSegmentAge,
		walSize:         walDefaultSize,
		bytesCap:        defaultBytesCap,
		segments:        make(map[uint64]*segmentState),
		subscribers:     make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating engine directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, progressFileName), 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening progress store: %w", err)
	}
	e.db = db

	if err := e.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	if err := e.recoverSegments(); err != nil {
		db.Close()
		return nil, err
	}

	wal, err := openWAL(filepath.Join(dir, walFileName), e.walSize, e.log)
	if err != nil {
		e.closeReaders()
		db.Close()
		return nil, err
	}
	e.wal = wal

	if err := e.recoverPending(); err != nil {
		wal.close()
		e.closeReaders()
		db.Close()
		return nil, err
	}

	e.log.Info("engine opened",
		slog.String("dir", dir),
		slog.String("instance_id", e.instanceID),
		slog.Int("segments", len(e.segments)),
		slog.Int("recovered_bundles", len(e.pending)),
	)
	return e, nil
}

func (e *Engine) loadMeta() error {
	return e.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if id := meta.Get(keyInstanceID); id != nil {
			e.instanceID = string(id)
		} else {
			e.instanceID = uuid.NewString()
			if err := meta.Put(keyInstanceID, []byte(e.instanceID)); err != nil {
				return err
			}
		}
		if raw := meta.Get(keyNextSeq); raw != nil && len(raw) == 8 {
			e.nextSeq = binary.BigEndian.Uint64(raw)
		} else {
			e.nextSeq = 1
		}
		return nil
	})
}

// recoverSegments opens every finalized segment in the directory. A corrupt
// file is fatal for that file only: it is quarantined and skipped.
func (e *Engine) recoverSegments() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != segmentExt {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(entry.Name(), segmentExt), 10, 64)
		if err != nil {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())

		reader, err := segment.OpenZeroCopy(path, segment.WithReaderAllocator(e.mem))
		if err != nil {
			e.log.Error("quarantining corrupt segment",
				slog.String("path", path),
				slog.Any("err", err),
			)
			e.droppedSegments++
			_ = os.Rename(path, path+".corrupt")
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			reader.Close()
			return err
		}
		e.segments[seq] = &segmentState{
			seq:     seq,
			path:    path,
			reader:  reader,
			bundles: reader.BundleCount(),
			bytes:   info.Size(),
		}
		e.seqs = append(e.seqs, seq)
		e.bytesUsed += info.Size()
		if seq >= e.nextSeq {
			e.nextSeq = seq + 1
		}
	}
	sort.Slice(e.seqs, func(i, j int) bool { return e.seqs[i] < e.seqs[j] })
	return nil
}

func (e *Engine) recoverPending() error {
	return e.wal.replay(func(payload []byte) error {
		owned := make([]byte, len(payload))
		copy(owned, payload)
		e.pending = append(e.pending, pendingEntry{payload: owned})
		e.pendingBytes += int64(len(owned))
		return nil
	})
}

// Register creates or resumes the named subscriber, loading its durable
// progress.
func (e *Engine) Register(name string) (*Subscriber, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	if sub, ok := e.subscribers[name]; ok {
		return sub, nil
	}

	sub := &Subscriber{
		name:     name,
		acked:    make(map[uint64]map[uint64]struct{}),
		inflight: make(map[BundleRef]uint64),
		dirty:    make(map[uint64]struct{}),
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(subBucketName(name))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return nil
			}
			seq := binary.BigEndian.Uint64(k)
			set := make(map[uint64]struct{}, len(v)/8)
			for off := 0; off+8 <= len(v); off += 8 {
				set[binary.LittleEndian.Uint64(v[off:off+8])] = struct{}{}
			}
			sub.acked[seq] = set
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading subscriber %q: %w", name, err)
	}

	e.subscribers[name] = sub
	return sub, nil
}

// Ingest writes one bundle to the WAL and buffers it for the open segment.
// The bundle is durable when Ingest returns; it becomes visible to pollers
// once the segment finalizes.
func (e *Engine) Ingest(b bundle.Bundle) error {
	if e.closed {
		return ErrEngineClosed
	}

	payload, err := encodeBundle(b)
	if err != nil {
		return err
	}
	if err := e.wal.append(payload); err != nil {
		return err
	}

	if len(e.pending) == 0 {
		e.batchOpenedAt = time.Now()
	}
	e.pending = append(e.pending, pendingEntry{payload: payload})
	e.pendingBytes += int64(len(payload))

	if e.pendingBytes >= e.maxSegmentBytes || time.Since(e.batchOpenedAt) >= e.maxSegmentAge {
		return e.finalize()
	}
	return nil
}

// Flush finalizes the open segment if it has outlived the age threshold, so
// data becomes visible even without further ingests.
func (e *Engine) Flush() error {
	if e.closed {
		return ErrEngineClosed
	}
	if len(e.pending) == 0 || time.Since(e.batchOpenedAt) < e.maxSegmentAge {
		return nil
	}
	return e.finalize()
}

// FlushAll finalizes the open segment regardless of thresholds.
func (e *Engine) FlushAll() error {
	if e.closed {
		return ErrEngineClosed
	}
	if len(e.pending) == 0 {
		return nil
	}
	return e.finalize()
}

func (e *Engine) finalize() error {
	seq := e.nextSeq
	path := filepath.Join(e.dir, fmt.Sprintf("%09d%s", seq, segmentExt))

	w := segment.NewWriter(path, segment.WithWriterAllocator(e.mem))
	appended := uint64(0)
	for _, entry := range e.pending {
		wb, err := decodeBundle(entry.payload, e.mem)
		if err != nil {
			// the envelope round-tripped through our own WAL; treat a decode
			// failure as a lost bundle, not a lost segment
			e.log.Error("dropping undecodable wal bundle", slog.Any("err", err))
			e.droppedBundles++
			continue
		}
		if _, err := w.Append(wb); err != nil {
			wb.Release()
			return fmt.Errorf("appending bundle to segment %d: %w", seq, err)
		}
		wb.Release()
		appended++
	}
	if appended == 0 {
		e.pending = nil
		e.pendingBytes = 0
		return e.wal.reset()
	}
	if err := w.Finalize(); err != nil {
		return fmt.Errorf("finalizing segment %d: %w", seq, err)
	}

	reader, err := segment.OpenZeroCopy(path, segment.WithReaderAllocator(e.mem))
	if err != nil {
		return fmt.Errorf("reopening segment %d: %w", seq, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		reader.Close()
		return err
	}

	e.segments[seq] = &segmentState{
		seq:     seq,
		path:    path,
		reader:  reader,
		bundles: reader.BundleCount(),
		bytes:   info.Size(),
	}
	e.seqs = append(e.seqs, seq)
	e.bytesUsed += info.Size()
	e.nextSeq = seq + 1

	if err := e.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], e.nextSeq)
		return tx.Bucket(metaBucket).Put(keyNextSeq, buf[:])
	}); err != nil {
		return err
	}

	e.pending = nil
	e.pendingBytes = 0
	if err := e.wal.reset(); err != nil {
		return err
	}

	e.log.Debug("segment finalized",
		slog.Uint64("seq", seq),
		slog.Uint64("bundles", appended),
		slog.Int64("bytes", info.Size()),
	)
	return e.enforceBudget()
}

func (e *Engine) enforceBudget() error {
	for e.bytesUsed > e.bytesCap && len(e.seqs) > 1 {
		seq := e.seqs[0]
		st := e.segments[seq]
		unconsumed := st.bundles
		for _, sub := range e.subscribers {
			if n := st.bundles - sub.ackedCount(seq); n < unconsumed {
				unconsumed = n
			}
		}
		e.droppedSegments++
		e.droppedBundles += unconsumed
		e.log.Warn("force-dropping segment over byte budget",
			slog.Uint64("seq", seq),
			slog.Uint64("unconsumed_bundles", unconsumed),
		)
		if err := e.removeSegment(st); err != nil {
			return err
		}
	}
	return nil
}

// PollNextBundle returns a claim on the next deliverable bundle for the
// subscriber, or nil when nothing is deliverable. An identity already
// claimed or consumed is never handed out again.
func (e *Engine) PollNextBundle(sub *Subscriber) (*Claim, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	for _, seq := range e.seqs {
		st := e.segments[seq]
		if sub.ackedCount(seq) == st.bundles {
			continue
		}
		for idx := uint64(0); idx < st.bundles; idx++ {
			ref := BundleRef{Seq: seq, Index: idx}
			id, ok := sub.claim(ref)
			if !ok {
				continue
			}
			return newClaim(sub, st, ref, id), nil
		}
	}
	return nil, nil
}

// Maintain persists subscriber progress and reclaims segments every
// subscriber has fully consumed.
func (e *Engine) Maintain() error {
	if e.closed {
		return ErrEngineClosed
	}

	err := e.db.Update(func(tx *bolt.Tx) error {
		for name, sub := range e.subscribers {
			dirty := sub.takeDirty()
			if len(dirty) == 0 {
				continue
			}
			b := tx.Bucket(subBucketName(name))
			if b == nil {
				continue
			}
			for seq, indices := range dirty {
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], seq)
				value := make([]byte, 0, len(indices)*8)
				for _, idx := range indices {
					var buf [8]byte
					binary.LittleEndian.PutUint64(buf[:], idx)
					value = append(value, buf[:]...)
				}
				if err := b.Put(key[:], value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting progress: %w", err)
	}

	if len(e.subscribers) == 0 {
		return nil
	}

	for _, seq := range append([]uint64(nil), e.seqs...) {
		st := e.segments[seq]
		consumed := true
		for _, sub := range e.subscribers {
			if sub.ackedCount(seq) != st.bundles {
				consumed = false
				break
			}
		}
		if !consumed {
			continue
		}
		e.log.Debug("reclaiming consumed segment", slog.Uint64("seq", seq))
		if err := e.removeSegment(st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeSegment(st *segmentState) error {
	if err := st.reader.Close(); err != nil {
		return err
	}
	if err := os.Remove(st.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	err := e.db.Update(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], st.seq)
		for name := range e.subscribers {
			if b := tx.Bucket(subBucketName(name)); b != nil {
				if err := b.Delete(key[:]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, sub := range e.subscribers {
		sub.forget(st.seq)
	}

	e.bytesUsed -= st.bytes
	delete(e.segments, st.seq)
	for i, seq := range e.seqs {
		if seq == st.seq {
			e.seqs = append(e.seqs[:i], e.seqs[i+1:]...)
			break
		}
	}
	return nil
}

// BytesUsed returns the bytes held in finalized segments.
func (e *Engine) BytesUsed() int64 {
	return e.bytesUsed
}

// BytesCap returns the configured byte budget.
func (e *Engine) BytesCap() int64 {
	return e.bytesCap
}

// DroppedSegments returns the number of segments force-dropped or
// quarantined.
func (e *Engine) DroppedSegments() uint64 {
	return e.droppedSegments
}

// DroppedBundles returns the number of bundles lost to force-drops.
func (e *Engine) DroppedBundles() uint64 {
	return e.droppedBundles
}

// SegmentCount returns the number of finalized segments currently held.
func (e *Engine) SegmentCount() int {
	return len(e.segments)
}

// Shutdown finalizes buffered bundles, persists progress and closes every
// resource.
func (e *Engine) Shutdown() error {
	if e.closed {
		return nil
	}

	var firstErr error
	if err := e.FlushAll(); err != nil {
		firstErr = err
	}
	if err := e.Maintain(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.closed = true
	e.closeReaders()
	if err := e.wal.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) closeReaders() {
	for _, st := range e.segments {
		_ = st.reader.Close()
	}
}

func subBucketName(name string) []byte {
	return []byte("sub:" + name)
}
