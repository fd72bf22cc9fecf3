package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/slot"
)

// WAL envelope, little-endian:
//
//	signal:u8  flags:u8  ingested_at:i64 (unix nanos)  slots:u64 bitmap
//	then, for every set bit in ascending slot order:
//	  fingerprint:32 bytes  payload_len:u32  payload (Arrow IPC stream, one batch)
const (
	envelopeHeaderSize = 1 + 1 + 8 + 8

	flagOpaque = 1 << 0
)

var (
	ErrEnvelopeTooShort = errors.New("wal envelope too short")
	ErrEnvelopeCorrupt  = errors.New("wal envelope corrupt")

	// ErrAmbiguousSignal is returned for a bundle populating only shared
	// slots: the slots are all a reader has after reconstruction, so a signal
	// they cannot recover is rejected at the ingest boundary rather than
	// guessed later.
	ErrAmbiguousSignal = errors.New("bundle signal type is ambiguous")
)

// bundleSignal determines the signal type of a bundle from its populated
// slots. The concrete type's own knowledge is deliberately ignored: shared
// slots carry no signal, and whatever cannot be recovered from the slots now
// could not be recovered from a segment either.
func bundleSignal(b bundle.Bundle) (slot.Signal, bool) {
	for _, entry := range b.Descriptor() {
		if sig, _, ok := slot.FromSlot(entry.Slot); ok {
			return sig, true
		}
		if sig, ok := slot.FromOpaqueSlot(entry.Slot); ok {
			return sig, true
		}
	}
	return 0, false
}

func encodeBundle(b bundle.Bundle) ([]byte, error) {
	sig, ok := bundleSignal(b)
	if !ok {
		return nil, ErrAmbiguousSignal
	}

	var flags uint8
	var bitmap uint64
	for _, entry := range b.Descriptor() {
		if entry.Slot >= slot.MaxSlot {
			return nil, fmt.Errorf("%w: slot %d exceeds bitmap", ErrEnvelopeCorrupt, entry.Slot)
		}
		bitmap |= 1 << entry.Slot
		if slot.IsOpaque(entry.Slot) {
			flags |= flagOpaque
		}
	}

	var buf bytes.Buffer
	var header [envelopeHeaderSize]byte
	header[0] = uint8(sig)
	header[1] = flags
	binary.LittleEndian.PutUint64(header[2:10], uint64(b.IngestedAt().UnixNano()))
	binary.LittleEndian.PutUint64(header[10:18], bitmap)
	buf.Write(header[:])

	for _, entry := range b.Descriptor() {
		ref, ok := b.Payload(entry.Slot)
		if !ok {
			return nil, fmt.Errorf("%w: descriptor slot %d has no payload", ErrEnvelopeCorrupt, entry.Slot)
		}
		buf.Write(ref.Fingerprint[:])

		payload, err := encodeRecordStream(ref.Table)
		if err != nil {
			return nil, fmt.Errorf("encoding slot %d: %w", entry.Slot, err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		buf.Write(lenBuf[:])
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

func encodeRecordStream(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// walBundle is a bundle decoded back from its WAL envelope. It owns its
// records until Release.
type walBundle struct {
	signal     slot.Signal
	ingestedAt time.Time
	tables     map[slot.ID]bundle.PayloadRef
	descriptor bundle.Descriptor
}

func decodeBundle(data []byte, mem memory.Allocator) (*walBundle, error) {
	if len(data) < envelopeHeaderSize {
		return nil, ErrEnvelopeTooShort
	}

	wb := &walBundle{
		signal:     slot.Signal(data[0]),
		ingestedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(data[2:10]))),
		tables:     make(map[slot.ID]bundle.PayloadRef),
	}
	bitmap := binary.LittleEndian.Uint64(data[10:18])

	pos := envelopeHeaderSize
	for id := slot.ID(0); id < slot.MaxSlot; id++ {
		if bitmap&(1<<id) == 0 {
			continue
		}
		if len(data) < pos+32+4 {
			wb.Release()
			return nil, fmt.Errorf("%w: slot %d header", ErrEnvelopeCorrupt, id)
		}
		var fp bundle.Fingerprint
		copy(fp[:], data[pos:pos+32])
		pos += 32

		payloadLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if len(data) < pos+payloadLen {
			wb.Release()
			return nil, fmt.Errorf("%w: slot %d payload", ErrEnvelopeCorrupt, id)
		}

		rec, err := decodeRecordStream(data[pos:pos+payloadLen], mem)
		if err != nil {
			wb.Release()
			return nil, fmt.Errorf("%w: slot %d: %v", ErrEnvelopeCorrupt, id, err)
		}
		pos += payloadLen

		wb.tables[id] = bundle.PayloadRef{Fingerprint: fp, Table: rec}
		wb.descriptor = append(wb.descriptor, bundle.Entry{Slot: id, Label: slot.Label(id)})
	}
	if pos != len(data) {
		wb.Release()
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrEnvelopeCorrupt, len(data)-pos)
	}

	sort.Slice(wb.descriptor, func(i, j int) bool {
		return wb.descriptor[i].Slot < wb.descriptor[j].Slot
	})
	return wb, nil
}

func decodeRecordStream(data []byte, mem memory.Allocator) (arrow.Record, error) {
	rd, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer rd.Release()
	if !rd.Next() {
		return nil, errors.New("payload stream holds no batch")
	}
	rec := rd.Record()
	rec.Retain()
	return rec, nil
}

func (wb *walBundle) Signal() slot.Signal {
	return wb.signal
}

func (wb *walBundle) Descriptor() bundle.Descriptor {
	return wb.descriptor
}

func (wb *walBundle) IngestedAt() time.Time {
	return wb.ingestedAt
}

func (wb *walBundle) Payload(id slot.ID) (bundle.PayloadRef, bool) {
	ref, ok := wb.tables[id]
	return ref, ok
}

// Release drops every decoded record.
func (wb *walBundle) Release() {
	for _, ref := range wb.tables {
		ref.Table.Release()
	}
	wb.tables = nil
}
