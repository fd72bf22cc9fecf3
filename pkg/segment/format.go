// Package segment implements the immutable on-disk container for telemetry
// bundles and its zero-copy reader.
//
// File layout, little-endian:
//
//	[payload streams] [stream directory] [manifest] [footer] [trailer]
//
// Trailer, fixed 16 bytes at the very end of the file:
//
//	footer_size:u32  magic:8 bytes  crc32:u32
//
// The CRC (Castagnoli) covers every byte of the file except the trailing 4
// CRC bytes themselves. The footer sits immediately before the trailer; for
// version 1 it is 34 bytes:
//
//	version:u16  stream_count:u32  bundle_count:u32
//	directory_offset:u64  directory_length:u32
//	manifest_offset:u64   manifest_length:u32
//
// The stream directory and the manifest are each an embedded Arrow IPC
// stream holding one record batch. Every payload stream is an independent
// Arrow IPC file (own schema, dictionaries and per-chunk block table) at the
// byte range the directory names; byte ranges never overlap.
package segment

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/slot"
)

const (
	trailerSize  = 16
	footerSizeV1 = 34

	formatVersion uint16 = 1
)

// 8-byte magic constant in the trailer.
var segmentMagic = []byte{'U', 'S', 'P', 'L', 'S', 'E', 'G', '1'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrTruncated          = errors.New("segment file shorter than trailer")
	ErrBadMagic           = errors.New("bad segment magic")
	ErrChecksumMismatch   = errors.New("segment checksum mismatch")
	ErrUnsupportedVersion = errors.New("unsupported segment version")
	ErrMalformedSegment   = errors.New("malformed segment")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrChunkOutOfRange    = errors.New("chunk index out of range")
	ErrReaderClosed       = errors.New("segment reader is closed")
)

// StreamMetadata describes one physical, independently-decodable run of
// chunks within a segment. A (slot, fingerprint) pair identifies a distinct
// stream: two bundles with different schemas for the same slot occupy
// different streams.
type StreamMetadata struct {
	StreamID    uint32
	Slot        slot.ID
	Fingerprint bundle.Fingerprint
	Offset      uint64
	Length      uint64
	Rows        uint64
	Chunks      uint32
}

// SlotRef locates one slot's data for a bundle: which stream holds it and
// which chunk within that stream.
type SlotRef struct {
	Slot   slot.ID
	Stream uint32
	Chunk  uint32
}

// ManifestEntry locates every slot's data for one bundle.
type ManifestEntry struct {
	Index uint64
	Refs  []SlotRef
}

type footer struct {
	version         uint16
	streamCount     uint32
	bundleCount     uint32
	directoryOffset uint64
	directoryLength uint32
	manifestOffset  uint64
	manifestLength  uint32
}

// Embedded batch schemas. These are part of the format: a conforming
// writer/reader pair must agree on them byte-for-byte.
var (
	directorySchema = arrow.NewSchema([]arrow.Field{
		{Name: "stream_id", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "slot_id", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "fingerprint", Type: &arrow.FixedSizeBinaryType{ByteWidth: 32}},
		{Name: "byte_offset", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "byte_length", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "row_count", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "chunk_count", Type: arrow.PrimitiveTypes.Uint32},
	}, nil)

	manifestSchema = arrow.NewSchema([]arrow.Field{
		{Name: "bundle_index", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "slot_refs", Type: arrow.BinaryTypes.String},
	}, nil)
)

// encodeSlotRefs renders refs as comma-separated "slot:stream:chunk"
// triples.
func encodeSlotRefs(refs []SlotRef) string {
	var sb strings.Builder
	for i, ref := range refs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(ref.Slot), 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(ref.Stream), 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(ref.Chunk), 10))
	}
	return sb.String()
}

func decodeSlotRefs(encoded string) ([]SlotRef, error) {
	if encoded == "" {
		return nil, nil
	}
	parts := strings.Split(encoded, ",")
	refs := make([]SlotRef, 0, len(parts))
	for _, part := range parts {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: slot ref %q", ErrMalformedSegment, part)
		}
		slotID, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: slot ref %q: %v", ErrMalformedSegment, part, err)
		}
		streamID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: slot ref %q: %v", ErrMalformedSegment, part, err)
		}
		chunk, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: slot ref %q: %v", ErrMalformedSegment, part, err)
		}
		refs = append(refs, SlotRef{
			Slot:   slot.ID(slotID),
			Stream: uint32(streamID),
			Chunk:  uint32(chunk),
		})
	}
	return refs, nil
}
