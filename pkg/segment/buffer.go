package segment

import (
	"errors"
	"io"
)

// writeSeekBuffer is an in-memory io.WriteSeeker. Arrow's IPC file writer
// needs a seekable sink to patch up its footer, and the streams are staged
// in memory before they are laid out in the segment file.
type writeSeekBuffer struct {
	buf []byte
	pos int64
}

func (b *writeSeekBuffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.buf)) {
		if end > int64(cap(b.buf)) {
			grown := make([]byte, end, end*2)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	b.pos = next
	return next, nil
}

// Bytes returns the written content.
func (b *writeSeekBuffer) Bytes() []byte {
	return b.buf
}
