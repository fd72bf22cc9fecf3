package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/slot"
)

var (
	ErrWriterFinalized = errors.New("segment writer is finalized")

	// ErrDanglingDescriptor is returned when a bundle descriptor names a slot
	// the bundle has no payload for.
	ErrDanglingDescriptor = errors.New("descriptor names slot without payload")
)

type streamKey struct {
	slot        slot.ID
	fingerprint bundle.Fingerprint
}

type streamBuilder struct {
	meta StreamMetadata
	buf  *writeSeekBuffer
	ipc  *ipc.FileWriter
}

// Writer accumulates bundles and lays them out as one immutable segment
// file. Streams are staged in memory, one Arrow IPC file per (slot,
// fingerprint) pair, and written out on Finalize.
//
// Writer is owned by a single goroutine.
type Writer struct {
	path      string
	mem       memory.Allocator
	byKey     map[streamKey]*streamBuilder
	streams   []*streamBuilder
	manifest  []ManifestEntry
	finalized bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterAllocator overrides the allocator used for the embedded
// directory and manifest batches.
func WithWriterAllocator(mem memory.Allocator) WriterOption {
	return func(w *Writer) {
		w.mem = mem
	}
}

// NewWriter returns a Writer that will produce the segment file at path.
func NewWriter(path string, opts ...WriterOption) *Writer {
	w := &Writer{
		path:  path,
		mem:   memory.DefaultAllocator,
		byKey: make(map[streamKey]*streamBuilder),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append adds one bundle and returns its bundle index within the segment.
func (w *Writer) Append(b bundle.Bundle) (uint64, error) {
	if w.finalized {
		return 0, ErrWriterFinalized
	}

	index := uint64(len(w.manifest))
	refs := make([]SlotRef, 0, len(b.Descriptor()))
	for _, entry := range b.Descriptor() {
		ref, ok := b.Payload(entry.Slot)
		if !ok {
			return 0, fmt.Errorf("%w: slot %d (%s)", ErrDanglingDescriptor, entry.Slot, entry.Label)
		}

		sb, err := w.stream(entry.Slot, ref)
		if err != nil {
			return 0, err
		}
		chunk := sb.meta.Chunks
		if err := sb.ipc.Write(ref.Table); err != nil {
			return 0, fmt.Errorf("writing chunk for slot %d: %w", entry.Slot, err)
		}
		sb.meta.Chunks++
		sb.meta.Rows += uint64(ref.Table.NumRows())

		refs = append(refs, SlotRef{
			Slot:   entry.Slot,
			Stream: sb.meta.StreamID,
			Chunk:  chunk,
		})
	}

	w.manifest = append(w.manifest, ManifestEntry{Index: index, Refs: refs})
	return index, nil
}

// stream returns the builder for the (slot, fingerprint) pair, creating it
// on first use. Stream ids are assigned in creation order.
func (w *Writer) stream(id slot.ID, ref bundle.PayloadRef) (*streamBuilder, error) {
	key := streamKey{slot: id, fingerprint: ref.Fingerprint}
	if sb, ok := w.byKey[key]; ok {
		return sb, nil
	}

	buf := &writeSeekBuffer{}
	fw, err := ipc.NewFileWriter(buf, ipc.WithSchema(ref.Table.Schema()), ipc.WithAllocator(w.mem))
	if err != nil {
		return nil, fmt.Errorf("opening stream for slot %d: %w", id, err)
	}
	sb := &streamBuilder{
		meta: StreamMetadata{
			StreamID:    uint32(len(w.streams)),
			Slot:        id,
			Fingerprint: ref.Fingerprint,
		},
		buf: buf,
		ipc: fw,
	}
	w.byKey[key] = sb
	w.streams = append(w.streams, sb)
	return sb, nil
}

// BundleCount returns the number of bundles appended so far.
func (w *Writer) BundleCount() uint64 {
	return uint64(len(w.manifest))
}

// Finalize closes every stream, lays out the file and publishes it
// atomically (tmp file, rename, directory sync).
func (w *Writer) Finalize() error {
	if w.finalized {
		return ErrWriterFinalized
	}
	w.finalized = true

	for _, sb := range w.streams {
		if err := sb.ipc.Close(); err != nil {
			return fmt.Errorf("closing stream %d: %w", sb.meta.StreamID, err)
		}
	}

	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := w.writeFile(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("publishing segment: %w", err)
	}
	return syncDir(filepath.Dir(w.path))
}

func (w *Writer) writeFile(f *os.File) error {
	cw := &crcWriter{w: f}

	// payload region
	for _, sb := range w.streams {
		sb.meta.Offset = uint64(cw.n)
		sb.meta.Length = uint64(len(sb.buf.Bytes()))
		if _, err := cw.Write(sb.buf.Bytes()); err != nil {
			return fmt.Errorf("writing stream %d: %w", sb.meta.StreamID, err)
		}
	}

	directory, err := w.encodeDirectory()
	if err != nil {
		return err
	}
	manifest, err := w.encodeManifest()
	if err != nil {
		return err
	}

	ftr := footer{
		version:     formatVersion,
		streamCount: uint32(len(w.streams)),
		bundleCount: uint32(len(w.manifest)),
	}

	ftr.directoryOffset = uint64(cw.n)
	ftr.directoryLength = uint32(len(directory))
	if _, err := cw.Write(directory); err != nil {
		return fmt.Errorf("writing stream directory: %w", err)
	}

	ftr.manifestOffset = uint64(cw.n)
	ftr.manifestLength = uint32(len(manifest))
	if _, err := cw.Write(manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	var footerBuf [footerSizeV1]byte
	binary.LittleEndian.PutUint16(footerBuf[0:2], ftr.version)
	binary.LittleEndian.PutUint32(footerBuf[2:6], ftr.streamCount)
	binary.LittleEndian.PutUint32(footerBuf[6:10], ftr.bundleCount)
	binary.LittleEndian.PutUint64(footerBuf[10:18], ftr.directoryOffset)
	binary.LittleEndian.PutUint32(footerBuf[18:22], ftr.directoryLength)
	binary.LittleEndian.PutUint64(footerBuf[22:30], ftr.manifestOffset)
	binary.LittleEndian.PutUint32(footerBuf[30:34], ftr.manifestLength)
	if _, err := cw.Write(footerBuf[:]); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}

	var sizeAndMagic [12]byte
	binary.LittleEndian.PutUint32(sizeAndMagic[0:4], footerSizeV1)
	copy(sizeAndMagic[4:12], segmentMagic)
	if _, err := cw.Write(sizeAndMagic[:]); err != nil {
		return fmt.Errorf("writing trailer: %w", err)
	}

	// the CRC covers everything written above and is excluded from itself
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], cw.crc)
	if _, err := f.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("writing trailer crc: %w", err)
	}
	return nil
}

func (w *Writer) encodeDirectory() ([]byte, error) {
	builder := array.NewRecordBuilder(w.mem, directorySchema)
	defer builder.Release()

	streamIDs := builder.Field(0).(*array.Uint32Builder)
	slotIDs := builder.Field(1).(*array.Uint32Builder)
	fingerprints := builder.Field(2).(*array.FixedSizeBinaryBuilder)
	offsets := builder.Field(3).(*array.Uint64Builder)
	lengths := builder.Field(4).(*array.Uint64Builder)
	rows := builder.Field(5).(*array.Uint64Builder)
	chunks := builder.Field(6).(*array.Uint32Builder)

	for _, sb := range w.streams {
		streamIDs.Append(sb.meta.StreamID)
		slotIDs.Append(uint32(sb.meta.Slot))
		fingerprints.Append(sb.meta.Fingerprint[:])
		offsets.Append(sb.meta.Offset)
		lengths.Append(sb.meta.Length)
		rows.Append(sb.meta.Rows)
		chunks.Append(sb.meta.Chunks)
	}

	rec := builder.NewRecord()
	defer rec.Release()
	return encodeEmbeddedBatch(w.mem, rec)
}

func (w *Writer) encodeManifest() ([]byte, error) {
	builder := array.NewRecordBuilder(w.mem, manifestSchema)
	defer builder.Release()

	indices := builder.Field(0).(*array.Uint64Builder)
	refs := builder.Field(1).(*array.StringBuilder)

	for _, entry := range w.manifest {
		indices.Append(entry.Index)
		refs.Append(encodeSlotRefs(entry.Refs))
	}

	rec := builder.NewRecord()
	defer rec.Release()
	return encodeEmbeddedBatch(w.mem, rec)
}

func encodeEmbeddedBatch(mem memory.Allocator, rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	sw := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := sw.Write(rec); err != nil {
		sw.Close()
		return nil, fmt.Errorf("encoding embedded batch: %w", err)
	}
	if err := sw.Close(); err != nil {
		return nil, fmt.Errorf("encoding embedded batch: %w", err)
	}
	return buf.Bytes(), nil
}

type crcWriter struct {
	w   io.Writer
	crc uint32
	n   int64
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.crc = crc32.Update(c.crc, crcTable, p[:n])
	c.n += int64(n)
	return n, err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
