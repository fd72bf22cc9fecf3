package engine

import (
	"encoding/binary"
	"fmt"
	"io"
)

// BundleRef is the stable identity of one bundle: the sequence number of the
// segment holding it and its bundle index within that segment. It survives
// being packed into opaque tracking metadata handed to a downstream
// consumer.
type BundleRef struct {
	Seq   uint64
	Index uint64
}

func (r BundleRef) String() string {
	return fmt.Sprintf("seq=%d bundle=%d", r.Seq, r.Index)
}

// Encode serializes the ref into a fixed-length byte slice.
func (r BundleRef) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], r.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], r.Index)
	return buf
}

// DecodeBundleRef deserializes a byte slice into a BundleRef.
func DecodeBundleRef(data []byte) (BundleRef, error) {
	if len(data) < 16 {
		return BundleRef{}, io.ErrUnexpectedEOF
	}
	return BundleRef{
		Seq:   binary.LittleEndian.Uint64(data[0:8]),
		Index: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}
