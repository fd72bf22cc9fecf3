package segment

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/slot"
)

var logsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
	{Name: "body", Type: arrow.BinaryTypes.String},
}, nil)

var attrsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.BinaryTypes.String},
}, nil)

func logsRecord(t *testing.T, mem memory.Allocator, rows int, base int64) arrow.Record {
	t.Helper()
	builder := array.NewRecordBuilder(mem, logsSchema)
	defer builder.Release()
	for i := 0; i < rows; i++ {
		builder.Field(0).(*array.Int64Builder).Append(base + int64(i))
		builder.Field(1).(*array.StringBuilder).Append("body")
	}
	return builder.NewRecord()
}

func attrsRecord(t *testing.T, mem memory.Allocator, rows int) arrow.Record {
	t.Helper()
	builder := array.NewRecordBuilder(mem, attrsSchema)
	defer builder.Release()
	for i := 0; i < rows; i++ {
		builder.Field(0).(*array.StringBuilder).Append("k")
		builder.Field(1).(*array.StringBuilder).Append("v")
	}
	return builder.NewRecord()
}

func logsBatch(t *testing.T, mem memory.Allocator, tables map[slot.Kind]arrow.Record) *bundle.Batch {
	t.Helper()
	b, err := bundle.NewBatch(slot.SignalLogs, time.Now(), tables)
	require.NoError(t, err)
	return b
}

// writeSegment produces a small segment with two streams and two bundles:
// bundle 0 populates only the records slot (2 rows, chunk 0); bundle 1
// populates records (3 rows, chunk 1) and record attrs (3 rows, chunk 0).
func writeSegment(t *testing.T, path string) {
	t.Helper()
	mem := memory.NewGoAllocator()

	rec0 := logsRecord(t, mem, 2, 0)
	defer rec0.Release()
	rec1 := logsRecord(t, mem, 3, 100)
	defer rec1.Release()
	attrs := attrsRecord(t, mem, 3)
	defer attrs.Release()

	w := NewWriter(path, WithWriterAllocator(mem))

	idx, err := w.Append(logsBatch(t, mem, map[slot.Kind]arrow.Record{
		slot.KindRecords: rec0,
	}))
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	idx, err = w.Append(logsBatch(t, mem, map[slot.Kind]arrow.Record{
		slot.KindRecords:     rec1,
		slot.KindRecordAttrs: attrs,
	}))
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	require.NoError(t, w.Finalize())
}

func recordsSlot(t *testing.T) slot.ID {
	t.Helper()
	id, ok := slot.ToSlot(slot.SignalLogs, slot.KindRecords)
	require.True(t, ok)
	return id
}

func recordAttrsSlot(t *testing.T) slot.ID {
	t.Helper()
	id, ok := slot.ToSlot(slot.SignalLogs, slot.KindRecordAttrs)
	require.True(t, ok)
	return id
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000001.seg")
	writeSegment(t, path)

	open := map[string]func(string, ...ReaderOption) (*Reader, error){
		"buffered": Open,
		"zerocopy": OpenZeroCopy,
	}

	for name, openFn := range open {
		t.Run(name, func(t *testing.T) {
			r, err := openFn(path)
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, uint16(1), r.Version())
			require.Len(t, r.Streams(), 2)
			require.Len(t, r.Manifest(), 2)
			assert.Equal(t, uint64(2), r.BundleCount())

			// streams carry per-stream totals
			byID := map[uint32]StreamMetadata{}
			for _, meta := range r.Streams() {
				byID[meta.StreamID] = meta
			}
			assert.Equal(t, uint64(5), byID[0].Rows)
			assert.Equal(t, uint32(2), byID[0].Chunks)
			assert.Equal(t, uint64(3), byID[1].Rows)
			assert.Equal(t, uint32(1), byID[1].Chunks)

			// byte ranges never overlap
			assert.Equal(t, byID[0].Offset+byID[0].Length, byID[1].Offset)

			b0, err := r.ReadBundle(r.Manifest()[0])
			require.NoError(t, err)
			defer b0.Release()
			require.Len(t, b0.Slots(), 1)
			rec, ok := b0.Table(recordsSlot(t))
			require.True(t, ok)
			assert.Equal(t, int64(2), rec.NumRows())
			assert.Equal(t, []int64{0, 1}, rec.Column(0).(*array.Int64).Int64Values())
			assert.Equal(t, "body", rec.Column(1).(*array.String).Value(0))

			b1, err := r.ReadBundle(r.Manifest()[1])
			require.NoError(t, err)
			defer b1.Release()
			require.Len(t, b1.Slots(), 2)
			rec, ok = b1.Table(recordsSlot(t))
			require.True(t, ok)
			assert.Equal(t, int64(3), rec.NumRows())
			assert.Equal(t, []int64{100, 101, 102}, rec.Column(0).(*array.Int64).Int64Values())
			attrs, ok := b1.Table(recordAttrsSlot(t))
			require.True(t, ok)
			assert.Equal(t, int64(3), attrs.NumRows())
		})
	}
}

func TestSchemaDriftSplitsStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000001.seg")
	mem := memory.NewGoAllocator()

	rec := logsRecord(t, mem, 1, 0)
	defer rec.Release()

	driftedSchema := arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "body", Type: arrow.BinaryTypes.Binary},
	}, nil)
	builder := array.NewRecordBuilder(mem, driftedSchema)
	builder.Field(0).(*array.Int64Builder).Append(7)
	builder.Field(1).(*array.BinaryBuilder).Append([]byte("b"))
	drifted := builder.NewRecord()
	builder.Release()
	defer drifted.Release()

	w := NewWriter(path, WithWriterAllocator(mem))
	_, err := w.Append(logsBatch(t, mem, map[slot.Kind]arrow.Record{slot.KindRecords: rec}))
	require.NoError(t, err)
	_, err = w.Append(logsBatch(t, mem, map[slot.Kind]arrow.Record{slot.KindRecords: drifted}))
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	// same slot, different fingerprints: two distinct streams
	require.Len(t, r.Streams(), 2)
	assert.Equal(t, r.Streams()[0].Slot, r.Streams()[1].Slot)
	assert.NotEqual(t, r.Streams()[0].Fingerprint, r.Streams()[1].Fingerprint)
}

func patchCRC(data []byte) {
	crc := crc32.Checksum(data[:len(data)-4], crcTable)
	binary.LittleEndian.PutUint32(data[len(data)-4:], crc)
}

func TestChecksumSensitivity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000000001.seg")
	writeSegment(t, path)

	pristine, err := os.ReadFile(path)
	require.NoError(t, err)

	corruptPath := filepath.Join(dir, "corrupt.seg")
	for i := range pristine {
		mutated := make([]byte, len(pristine))
		copy(mutated, pristine)
		mutated[i] ^= 0xFF
		require.NoError(t, os.WriteFile(corruptPath, mutated, 0644))

		_, err := Open(corruptPath)
		require.ErrorIs(t, err, ErrChecksumMismatch, "flipped byte at offset %d", i)
	}
}

func TestTruncation(t *testing.T) {
	dir := t.TempDir()
	for _, size := range []int{0, 1, trailerSize - 1} {
		path := filepath.Join(dir, "short.seg")
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))

		_, err := Open(path)
		assert.ErrorIs(t, err, ErrTruncated, "size %d", size)

		_, err = OpenZeroCopy(path)
		assert.ErrorIs(t, err, ErrTruncated, "size %d", size)
	}
}

func TestBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000000001.seg")
	writeSegment(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-12] = 'X'
	patchCRC(data)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000000001.seg")
	writeSegment(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	footerStart := len(data) - trailerSize - footerSizeV1
	binary.LittleEndian.PutUint16(data[footerStart:], 99)
	patchCRC(data)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestUndersizedFooter(t *testing.T) {
	// hand-rolled file: a 10-byte footer that only holds a valid version
	footer := make([]byte, 10)
	binary.LittleEndian.PutUint16(footer[0:2], formatVersion)

	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(footer)))
	copy(trailer[4:12], segmentMagic)

	data := append(footer, trailer...)
	patchCRC(data)

	path := filepath.Join(t.TempDir(), "undersized.seg")
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrMalformedSegment)
}

func TestMetadataRangeOverflow(t *testing.T) {
	// offsets so large that offset+length wraps uint64 must fail the bounds
	// check, not escape it and panic at the slice
	fields := map[string]int{
		"directory": 10,
		"manifest":  22,
	}
	for name, fieldOffset := range fields {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "000000001.seg")
			writeSegment(t, path)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			footerStart := len(data) - trailerSize - footerSizeV1
			binary.LittleEndian.PutUint64(data[footerStart+fieldOffset:], ^uint64(0))
			patchCRC(data)
			require.NoError(t, os.WriteFile(path, data, 0644))

			_, err = Open(path)
			assert.ErrorIs(t, err, ErrMalformedSegment)
		})
	}
}

func TestDanglingStreamRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000001.seg")
	writeSegment(t, path)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadChunk(99, 0)
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = r.ReadBundle(ManifestEntry{Index: 7, Refs: []SlotRef{
		{Slot: recordsSlot(t), Stream: 99, Chunk: 0},
	}})
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestChunkOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000001.seg")
	writeSegment(t, path)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadChunk(1, 5)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestZeroCopyBundleOutlivesReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000001.seg")
	writeSegment(t, path)

	r, err := OpenZeroCopy(path)
	require.NoError(t, err)

	b, err := r.ReadBundle(r.Manifest()[1])
	require.NoError(t, err)

	// closing the reader must not invalidate the bundle: the mapping is
	// released only when the last holder drops it
	require.NoError(t, r.Close())

	rec, ok := b.Table(recordsSlot(t))
	require.True(t, ok)
	assert.Equal(t, []int64{100, 101, 102}, rec.Column(0).(*array.Int64).Int64Values())

	b.Release()
	b.Release() // release path runs exactly once

	_, err = r.ReadChunk(0, 0)
	assert.ErrorIs(t, err, ErrReaderClosed)
}

func TestSlotRefsEncoding(t *testing.T) {
	refs := []SlotRef{
		{Slot: 8, Stream: 0, Chunk: 0},
		{Slot: 9, Stream: 1, Chunk: 3},
	}
	encoded := encodeSlotRefs(refs)
	assert.Equal(t, "8:0:0,9:1:3", encoded)

	decoded, err := decodeSlotRefs(encoded)
	require.NoError(t, err)
	assert.Equal(t, refs, decoded)

	_, err = decodeSlotRefs("8:0")
	assert.ErrorIs(t, err, ErrMalformedSegment)
	_, err = decodeSlotRefs("a:b:c")
	assert.ErrorIs(t, err, ErrMalformedSegment)

	decoded, err = decodeSlotRefs("")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestWriterFinalizedRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000001.seg")
	mem := memory.NewGoAllocator()
	rec := logsRecord(t, mem, 1, 0)
	defer rec.Release()

	w := NewWriter(path, WithWriterAllocator(mem))
	_, err := w.Append(logsBatch(t, mem, map[slot.Kind]arrow.Record{slot.KindRecords: rec}))
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	_, err = w.Append(logsBatch(t, mem, map[slot.Kind]arrow.Record{slot.KindRecords: rec}))
	assert.ErrorIs(t, err, ErrWriterFinalized)
	assert.ErrorIs(t, w.Finalize(), ErrWriterFinalized)
}
