package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/edsrzf/mmap-go"

	"github.com/unijord/spool/pkg/slot"
)

// mapRef is the shared-ownership handle on a memory mapping. The mapping is
// released only when the reader and every bundle reconstructed from it are
// gone.
type mapRef struct {
	m    mmap.MMap
	refs atomic.Int64
}

func (r *mapRef) retain() {
	r.refs.Add(1)
}

func (r *mapRef) release() {
	if r.refs.Add(-1) == 0 {
		_ = r.m.Unmap()
	}
}

// Reader validates and opens one segment file, exposing its stream directory
// and manifest and reconstructing bundles from it.
type Reader struct {
	path    string
	data    []byte
	backing *mapRef // nil when the file was loaded onto the heap
	mem     memory.Allocator

	footer      footer
	streams     []StreamMetadata
	streamIndex map[uint32]int
	manifest    []ManifestEntry

	closed atomic.Bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderAllocator overrides the allocator used to decode chunks.
func WithReaderAllocator(mem memory.Allocator) ReaderOption {
	return func(r *Reader) {
		r.mem = mem
	}
}

// Open loads the segment file fully into memory and validates it.
func Open(path string, opts ...ReaderOption) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return newReader(path, data, nil, opts...)
}

// OpenZeroCopy memory-maps the segment file read-only. Every reconstructed
// bundle aliases the mapping; it is unmapped only once the reader and the
// last such bundle are released.
func OpenZeroCopy(path string, opts ...ReaderOption) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < trailerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTruncated, path, info.Size())
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	backing := &mapRef{m: m}
	backing.retain() // the reader's own reference

	r, err := newReader(path, m, backing, opts...)
	if err != nil {
		backing.release()
		return nil, err
	}
	return r, nil
}

func newReader(path string, data []byte, backing *mapRef, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		path:    path,
		data:    data,
		backing: backing,
		mem:     memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	if err := r.parseDirectory(); err != nil {
		return nil, err
	}
	if err := r.parseManifest(); err != nil {
		return nil, err
	}
	return r, nil
}

// validate checks trailer presence and magic, compares the CRC before
// trusting anything else, then rejects unsupported versions and undersized
// footers.
func (r *Reader) validate() error {
	n := len(r.data)
	if n < trailerSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTruncated, r.path, n)
	}

	// the CRC covers the magic too, so any corruption surfaces as a
	// checksum mismatch before anything else is trusted
	stored := binary.LittleEndian.Uint32(r.data[n-4:])
	computed := crc32.Checksum(r.data[:n-4], crcTable)
	if stored != computed {
		return fmt.Errorf("%w: stored %08x, computed %08x", ErrChecksumMismatch, stored, computed)
	}

	if !bytes.Equal(r.data[n-12:n-4], segmentMagic) {
		return fmt.Errorf("%w: %s", ErrBadMagic, r.path)
	}

	footerSize := int(binary.LittleEndian.Uint32(r.data[n-16 : n-12]))
	footerEnd := n - trailerSize
	footerStart := footerEnd - footerSize
	if footerSize < 2 || footerStart < 0 {
		return fmt.Errorf("%w: footer size %d", ErrMalformedSegment, footerSize)
	}

	version := binary.LittleEndian.Uint16(r.data[footerStart : footerStart+2])
	if version != formatVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}
	if footerSize < footerSizeV1 {
		return fmt.Errorf("%w: undersized v1 footer (%d bytes)", ErrMalformedSegment, footerSize)
	}

	ftr := r.data[footerStart:footerEnd]
	r.footer = footer{
		version:         version,
		streamCount:     binary.LittleEndian.Uint32(ftr[2:6]),
		bundleCount:     binary.LittleEndian.Uint32(ftr[6:10]),
		directoryOffset: binary.LittleEndian.Uint64(ftr[10:18]),
		directoryLength: binary.LittleEndian.Uint32(ftr[18:22]),
		manifestOffset:  binary.LittleEndian.Uint64(ftr[22:30]),
		manifestLength:  binary.LittleEndian.Uint32(ftr[30:34]),
	}

	// each term checked separately so a crafted offset cannot wrap the sum
	if r.footer.directoryOffset > uint64(footerStart) ||
		uint64(r.footer.directoryLength) > uint64(footerStart)-r.footer.directoryOffset {
		return fmt.Errorf("%w: stream directory out of bounds", ErrMalformedSegment)
	}
	if r.footer.manifestOffset > uint64(footerStart) ||
		uint64(r.footer.manifestLength) > uint64(footerStart)-r.footer.manifestOffset {
		return fmt.Errorf("%w: manifest out of bounds", ErrMalformedSegment)
	}
	return nil
}

func (r *Reader) parseDirectory() error {
	raw := r.data[r.footer.directoryOffset : r.footer.directoryOffset+uint64(r.footer.directoryLength)]
	rec, release, err := decodeEmbeddedBatch(r.mem, raw, "stream directory")
	if err != nil {
		return err
	}
	defer release()

	streamIDs, ok0 := rec.Column(0).(*array.Uint32)
	slotIDs, ok1 := rec.Column(1).(*array.Uint32)
	fingerprints, ok2 := rec.Column(2).(*array.FixedSizeBinary)
	offsets, ok3 := rec.Column(3).(*array.Uint64)
	lengths, ok4 := rec.Column(4).(*array.Uint64)
	rows, ok5 := rec.Column(5).(*array.Uint64)
	chunks, ok6 := rec.Column(6).(*array.Uint32)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return fmt.Errorf("%w: stream directory schema mismatch", ErrMalformedSegment)
	}

	count := int(rec.NumRows())
	if uint32(count) != r.footer.streamCount {
		return fmt.Errorf("%w: footer names %d streams, directory has %d",
			ErrMalformedSegment, r.footer.streamCount, count)
	}

	r.streams = make([]StreamMetadata, count)
	r.streamIndex = make(map[uint32]int, count)
	for i := 0; i < count; i++ {
		meta := StreamMetadata{
			StreamID: streamIDs.Value(i),
			Slot:     slot.ID(slotIDs.Value(i)),
			Offset:   offsets.Value(i),
			Length:   lengths.Value(i),
			Rows:     rows.Value(i),
			Chunks:   chunks.Value(i),
		}
		copy(meta.Fingerprint[:], fingerprints.Value(i))
		if meta.Offset+meta.Length > uint64(len(r.data)) {
			return fmt.Errorf("%w: stream %d byte range out of bounds", ErrMalformedSegment, meta.StreamID)
		}
		r.streams[i] = meta
		r.streamIndex[meta.StreamID] = i
	}
	return nil
}

func (r *Reader) parseManifest() error {
	raw := r.data[r.footer.manifestOffset : r.footer.manifestOffset+uint64(r.footer.manifestLength)]
	rec, release, err := decodeEmbeddedBatch(r.mem, raw, "manifest")
	if err != nil {
		return err
	}
	defer release()

	indices, ok0 := rec.Column(0).(*array.Uint64)
	refs, ok1 := rec.Column(1).(*array.String)
	if !(ok0 && ok1) {
		return fmt.Errorf("%w: manifest schema mismatch", ErrMalformedSegment)
	}

	count := int(rec.NumRows())
	if uint32(count) != r.footer.bundleCount {
		return fmt.Errorf("%w: footer names %d bundles, manifest has %d",
			ErrMalformedSegment, r.footer.bundleCount, count)
	}

	r.manifest = make([]ManifestEntry, count)
	for i := 0; i < count; i++ {
		decoded, err := decodeSlotRefs(refs.Value(i))
		if err != nil {
			return err
		}
		r.manifest[i] = ManifestEntry{Index: indices.Value(i), Refs: decoded}
	}
	return nil
}

func decodeEmbeddedBatch(mem memory.Allocator, raw []byte, what string) (arrow.Record, func(), error) {
	rd, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(mem))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedSegment, what, err)
	}
	if !rd.Next() {
		rd.Release()
		return nil, nil, fmt.Errorf("%w: %s holds no batch", ErrMalformedSegment, what)
	}
	return rd.Record(), rd.Release, nil
}

// Streams returns the parsed stream directory.
func (r *Reader) Streams() []StreamMetadata {
	return r.streams
}

// Manifest returns the parsed bundle manifest.
func (r *Reader) Manifest() []ManifestEntry {
	return r.manifest
}

// Version returns the format version the file declared.
func (r *Reader) Version() uint16 {
	return r.footer.version
}

// BundleCount returns the number of bundles the segment holds.
func (r *Reader) BundleCount() uint64 {
	return uint64(r.footer.bundleCount)
}

// Path returns the file path the reader was opened from.
func (r *Reader) Path() string {
	return r.path
}

// ReadChunk decodes exactly one chunk of one stream.
func (r *Reader) ReadChunk(streamID, chunk uint32) (arrow.Record, error) {
	if r.closed.Load() {
		return nil, ErrReaderClosed
	}
	idx, ok := r.streamIndex[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: stream %d", ErrStreamNotFound, streamID)
	}
	meta := r.streams[idx]
	if chunk >= meta.Chunks {
		return nil, fmt.Errorf("%w: chunk %d of stream %d (have %d)",
			ErrChunkOutOfRange, chunk, streamID, meta.Chunks)
	}

	raw := r.data[meta.Offset : meta.Offset+meta.Length]
	fr, err := ipc.NewFileReader(bytes.NewReader(raw), ipc.WithAllocator(r.mem))
	if err != nil {
		return nil, fmt.Errorf("%w: stream %d: %v", ErrMalformedSegment, streamID, err)
	}
	defer fr.Close()

	if int(chunk) >= fr.NumRecords() {
		return nil, fmt.Errorf("%w: chunk %d of stream %d (stream has %d)",
			ErrChunkOutOfRange, chunk, streamID, fr.NumRecords())
	}
	rec, err := fr.RecordAt(int(chunk))
	if err != nil {
		return nil, fmt.Errorf("%w: stream %d chunk %d: %v", ErrMalformedSegment, streamID, chunk, err)
	}
	return rec, nil
}

// ReadBundle resolves every slot ref of a manifest entry and assembles the
// slot-to-table map for that bundle.
func (r *Reader) ReadBundle(entry ManifestEntry) (*ReconstructedBundle, error) {
	if r.closed.Load() {
		return nil, ErrReaderClosed
	}

	tables := make(map[slot.ID]arrow.Record, len(entry.Refs))
	for _, ref := range entry.Refs {
		rec, err := r.ReadChunk(ref.Stream, ref.Chunk)
		if err != nil {
			for _, partial := range tables {
				partial.Release()
			}
			return nil, fmt.Errorf("bundle %d slot %d: %w", entry.Index, ref.Slot, err)
		}
		tables[ref.Slot] = rec
	}

	rb := &ReconstructedBundle{
		Index:   entry.Index,
		tables:  tables,
		backing: r.backing,
	}
	if r.backing != nil {
		r.backing.retain()
	}
	return rb, nil
}

// Close releases the reader's own reference on the backing memory. Bundles
// already reconstructed stay valid until they are released themselves.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.backing != nil {
		r.backing.release()
	}
	return nil
}

// ReconstructedBundle is one bundle read back from a segment: its index, the
// slot-to-table map, and a retained reference on the backing memory that
// stays alive as long as any derived table is alive.
type ReconstructedBundle struct {
	Index uint64

	tables   map[slot.ID]arrow.Record
	backing  *mapRef
	released atomic.Bool
}

// Table returns the table stored at the given slot.
func (b *ReconstructedBundle) Table(id slot.ID) (arrow.Record, bool) {
	rec, ok := b.tables[id]
	return rec, ok
}

// Slots returns the populated slot ids in ascending order.
func (b *ReconstructedBundle) Slots() []slot.ID {
	ids := make([]slot.ID, 0, len(b.tables))
	for id := range b.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Release drops every table and the bundle's reference on the backing
// memory. The release path runs exactly once.
func (b *ReconstructedBundle) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	for _, rec := range b.tables {
		rec.Release()
	}
	if b.backing != nil {
		b.backing.release()
	}
}
