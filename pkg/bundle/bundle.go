// Package bundle defines the contract an ingestible unit of telemetry must
// expose to the storage layer: an ordered descriptor of populated slots, an
// ingestion timestamp, and per-slot payload lookup.
package bundle

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/unijord/spool/pkg/slot"
)

// Entry is one populated slot in a bundle descriptor.
type Entry struct {
	Slot  slot.ID
	Label string
}

// Descriptor lists every slot a bundle actually populates, in ascending slot
// order. Sub-tables a batch does not carry are simply omitted.
type Descriptor []Entry

// PayloadRef pairs one slot's table with the fingerprint of its schema. The
// storage layer uses the fingerprint to detect schema drift between bundles
// sharing a slot.
type PayloadRef struct {
	Fingerprint Fingerprint
	Table       arrow.Record
}

// Bundle is the view the storage layer has of one atomically-delivered unit
// of telemetry.
type Bundle interface {
	// Descriptor returns the populated slots in ascending slot order.
	Descriptor() Descriptor

	// IngestedAt returns the time the unit entered the pipeline.
	IngestedAt() time.Time

	// Payload returns the table and schema fingerprint stored at the given
	// slot. ok is false when the slot is not populated.
	Payload(id slot.ID) (ref PayloadRef, ok bool)
}
