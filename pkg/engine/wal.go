package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
)

// ingestWAL is the crash-safety net in front of segment finalization: every
// ingested bundle envelope is appended here first, and the file is reset
// once its bundles are laid out in a finalized segment. Replay after a crash
// between the two re-spools the same bundles, which at-least-once delivery
// tolerates.
const (
	walHeaderSize = 32
	// "USPW"
	walMagic   = 0x55535057
	walVersion = 1

	// record framing: 4 (checksum) + 4 (length)
	walRecordHeaderSize = 8
	walDefaultSize      = 64 * 1024 * 1024

	// entries are aligned so headers and trailers are less likely to span
	// page boundaries on a crash
	walAlign     int64 = 8
	walAlignMask int64 = walAlign - 1
)

// marker written after every record to detect torn writes.
var walTrailerMarker = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xFE, 0xED, 0xFA, 0xCE}

var walCRCTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrWALClosed   = errors.New("ingest wal is closed")
	ErrWALFull     = errors.New("record exceeds ingest wal capacity")
	ErrWALCorrupt  = errors.New("ingest wal header corrupt")
	ErrWALBadMagic = errors.New("ingest wal bad magic")
)

type ingestWAL struct {
	path        string
	fd          *os.File
	data        mmap.MMap
	size        int64
	writeOffset int64
	closed      bool
	log         *slog.Logger
}

func openWAL(path string, size int64, log *slog.Logger) (*ingestWAL, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if statErr != nil && !isNew {
		return nil, fmt.Errorf("stat wal: %w", statErr)
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := fd.Truncate(size); err != nil {
		fd.Close()
		return nil, fmt.Errorf("truncate wal: %w", err)
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap wal: %w", err)
	}

	w := &ingestWAL{
		path: path,
		fd:   fd,
		data: data,
		size: size,
		log:  log,
	}

	if isNew {
		w.writeOffset = walHeaderSize
		w.writeHeader()
		return w, nil
	}

	if err := w.readHeader(); err != nil {
		w.close()
		return nil, err
	}
	// do not trust the stored offset blindly: a crash may have left it
	// behind the true end of valid data, so scan forward from it
	w.writeOffset = w.scanForLastOffset()
	return w, nil
}

func (w *ingestWAL) writeHeader() {
	binary.LittleEndian.PutUint32(w.data[0:4], walMagic)
	binary.LittleEndian.PutUint32(w.data[4:8], walVersion)
	binary.LittleEndian.PutUint64(w.data[8:16], uint64(w.writeOffset))
	crc := crc32.Checksum(w.data[0:16], walCRCTable)
	binary.LittleEndian.PutUint32(w.data[16:20], crc)
}

func (w *ingestWAL) readHeader() error {
	stored := binary.LittleEndian.Uint32(w.data[16:20])
	computed := crc32.Checksum(w.data[0:16], walCRCTable)
	if stored != computed {
		return fmt.Errorf("%w: crc stored %08x computed %08x", ErrWALCorrupt, stored, computed)
	}
	if binary.LittleEndian.Uint32(w.data[0:4]) != walMagic {
		return ErrWALBadMagic
	}
	if v := binary.LittleEndian.Uint32(w.data[4:8]); v != walVersion {
		return fmt.Errorf("%w: version %d", ErrWALCorrupt, v)
	}
	w.writeOffset = int64(binary.LittleEndian.Uint64(w.data[8:16]))
	if w.writeOffset < walHeaderSize || w.writeOffset > w.size {
		return fmt.Errorf("%w: write offset %d", ErrWALCorrupt, w.writeOffset)
	}
	return nil
}

func walAlignUp(n int64) int64 {
	return (n + walAlignMask) & ^walAlignMask
}

// scanForLastOffset walks records from the stored write offset and stops at
// the first missing or corrupted trailer.
func (w *ingestWAL) scanForLastOffset() int64 {
	offset := w.writeOffset
	for offset+walRecordHeaderSize <= w.size {
		header := w.data[offset : offset+walRecordHeaderSize]
		length := int64(binary.LittleEndian.Uint32(header[4:8]))
		entrySize := walAlignUp(walRecordHeaderSize + length + int64(len(walTrailerMarker)))
		if length == 0 || offset+entrySize > w.size {
			break
		}

		payload := w.data[offset+walRecordHeaderSize : offset+walRecordHeaderSize+length]
		trailer := w.data[offset+walRecordHeaderSize+length : offset+walRecordHeaderSize+length+int64(len(walTrailerMarker))]

		saved := binary.LittleEndian.Uint32(header[0:4])
		computed := walChecksum(header[4:8], payload)
		if saved != computed || !bytes.Equal(trailer, walTrailerMarker) {
			w.log.Warn("ingest wal recovery stopped",
				slog.String("path", w.path),
				slog.Int64("offset", offset),
				slog.Bool("trailer_corrupted", !bytes.Equal(trailer, walTrailerMarker)),
			)
			break
		}
		offset += entrySize
	}
	return offset
}

func (w *ingestWAL) append(payload []byte) error {
	if w.closed {
		return ErrWALClosed
	}

	rawSize := walRecordHeaderSize + int64(len(payload)) + int64(len(walTrailerMarker))
	entrySize := walAlignUp(rawSize)
	if w.writeOffset+entrySize > w.size {
		return fmt.Errorf("%w: %d bytes at offset %d", ErrWALFull, len(payload), w.writeOffset)
	}

	offset := w.writeOffset
	var header [walRecordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[0:4], walChecksum(header[4:8], payload))

	copy(w.data[offset:], header[:])
	copy(w.data[offset+walRecordHeaderSize:], payload)
	copy(w.data[offset+walRecordHeaderSize+int64(len(payload)):], walTrailerMarker)
	for i := offset + rawSize; i < offset+entrySize; i++ {
		w.data[i] = 0
	}

	w.writeOffset = offset + entrySize
	binary.LittleEndian.PutUint64(w.data[8:16], uint64(w.writeOffset))
	crc := crc32.Checksum(w.data[0:16], walCRCTable)
	binary.LittleEndian.PutUint32(w.data[16:20], crc)

	return w.data.Flush()
}

// replay calls fn with every valid record payload, in append order. The
// slice passed to fn aliases the mapping and must be copied to be retained.
func (w *ingestWAL) replay(fn func(payload []byte) error) error {
	if w.closed {
		return ErrWALClosed
	}
	offset := int64(walHeaderSize)
	for offset+walRecordHeaderSize <= w.writeOffset {
		header := w.data[offset : offset+walRecordHeaderSize]
		length := int64(binary.LittleEndian.Uint32(header[4:8]))
		entrySize := walAlignUp(walRecordHeaderSize + length + int64(len(walTrailerMarker)))
		if length == 0 || offset+entrySize > w.writeOffset {
			break
		}

		payload := w.data[offset+walRecordHeaderSize : offset+walRecordHeaderSize+length]
		saved := binary.LittleEndian.Uint32(header[0:4])
		if saved != walChecksum(header[4:8], payload) {
			break
		}
		if err := fn(payload); err != nil {
			return err
		}
		offset += entrySize
	}
	return nil
}

// reset discards all records after their bundles reached a finalized
// segment.
func (w *ingestWAL) reset() error {
	if w.closed {
		return ErrWALClosed
	}
	w.writeOffset = walHeaderSize
	w.writeHeader()
	return w.data.Flush()
}

func (w *ingestWAL) sync() error {
	if w.closed {
		return ErrWALClosed
	}
	if err := w.data.Flush(); err != nil {
		return fmt.Errorf("wal mmap flush: %w", err)
	}
	if err := w.fd.Sync(); err != nil {
		return fmt.Errorf("wal fsync: %w", err)
	}
	return nil
}

func (w *ingestWAL) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.data.Unmap(); err != nil {
		_ = w.fd.Close()
		return fmt.Errorf("wal unmap: %w", err)
	}
	return w.fd.Close()
}

func walChecksum(header, payload []byte) uint32 {
	sum := crc32.Checksum(header, walCRCTable)
	return crc32.Update(sum, walCRCTable, payload)
}
