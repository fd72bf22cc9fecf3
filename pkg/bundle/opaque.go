package bundle

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/unijord/spool/pkg/slot"
)

// OpaqueSchema is the single fixed schema shared by every opaque payload:
// one binary column holding the whole message un-decomposed.
var OpaqueSchema = arrow.NewSchema([]arrow.Field{
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

// OpaqueFingerprint is the fixed fingerprint constant shared by every opaque
// payload, so all opaque bundles of a signal land in one stream.
var OpaqueFingerprint = SchemaFingerprint(OpaqueSchema)

// Opaque is a bundle holding one signal-tagged message as a single binary
// column instead of columnar sub-tables. It occupies exactly one slot in the
// reserved opaque range.
type Opaque struct {
	signal     slot.Signal
	ingestedAt time.Time
	ref        PayloadRef
	descriptor Descriptor
}

// NewOpaque wraps a raw message blob into an opaque bundle.
func NewOpaque(sig slot.Signal, ingestedAt time.Time, blob []byte, mem memory.Allocator) *Opaque {
	builder := array.NewRecordBuilder(mem, OpaqueSchema)
	defer builder.Release()
	builder.Field(0).(*array.BinaryBuilder).Append(blob)

	id := slot.OpaqueSlot(sig)
	return &Opaque{
		signal:     sig,
		ingestedAt: ingestedAt,
		ref: PayloadRef{
			Fingerprint: OpaqueFingerprint,
			Table:       builder.NewRecord(),
		},
		descriptor: Descriptor{{Slot: id, Label: slot.Label(id)}},
	}
}

// Signal returns the signal type of the wrapped message.
func (o *Opaque) Signal() slot.Signal {
	return o.signal
}

// Descriptor implements Bundle.
func (o *Opaque) Descriptor() Descriptor {
	return o.descriptor
}

// IngestedAt implements Bundle.
func (o *Opaque) IngestedAt() time.Time {
	return o.ingestedAt
}

// Payload implements Bundle.
func (o *Opaque) Payload(id slot.ID) (PayloadRef, bool) {
	if id != o.descriptor[0].Slot {
		return PayloadRef{}, false
	}
	return o.ref, true
}

// Release drops the underlying record.
func (o *Opaque) Release() {
	o.ref.Table.Release()
}
