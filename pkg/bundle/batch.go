package bundle

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/unijord/spool/pkg/slot"
)

var (
	// ErrKindNotOwned is returned when a batch carries a sub-table kind that
	// does not belong to its signal type.
	ErrKindNotOwned = errors.New("kind not owned by signal")

	// ErrEmptyBatch is returned when a batch populates no slot at all.
	ErrEmptyBatch = errors.New("batch has no populated sub-table")
)

// Batch is an in-memory columnar telemetry batch: one signal type and its
// related sub-tables, keyed by kind. It implements Bundle by mapping each
// kind onto its slot.
type Batch struct {
	signal     slot.Signal
	ingestedAt time.Time
	tables     map[slot.ID]PayloadRef
	descriptor Descriptor
}

// NewBatch builds a Batch from the sub-tables the caller actually has.
// Missing kinds are fine and simply absent from the descriptor. Fingerprints
// are computed here, once per table.
func NewBatch(sig slot.Signal, ingestedAt time.Time, tables map[slot.Kind]arrow.Record) (*Batch, error) {
	if len(tables) == 0 {
		return nil, ErrEmptyBatch
	}

	b := &Batch{
		signal:     sig,
		ingestedAt: ingestedAt,
		tables:     make(map[slot.ID]PayloadRef, len(tables)),
	}
	for kind, rec := range tables {
		id, ok := slot.ToSlot(sig, kind)
		if !ok {
			return nil, fmt.Errorf("%w: signal=%s kind=%s", ErrKindNotOwned, sig, kind)
		}
		b.tables[id] = PayloadRef{
			Fingerprint: SchemaFingerprint(rec.Schema()),
			Table:       rec,
		}
	}

	b.descriptor = make(Descriptor, 0, len(b.tables))
	for id := range b.tables {
		b.descriptor = append(b.descriptor, Entry{Slot: id, Label: slot.Label(id)})
	}
	sort.Slice(b.descriptor, func(i, j int) bool {
		return b.descriptor[i].Slot < b.descriptor[j].Slot
	})

	return b, nil
}

// Signal returns the signal type of the batch.
func (b *Batch) Signal() slot.Signal {
	return b.signal
}

// Descriptor implements Bundle.
func (b *Batch) Descriptor() Descriptor {
	return b.descriptor
}

// IngestedAt implements Bundle.
func (b *Batch) IngestedAt() time.Time {
	return b.ingestedAt
}

// Payload implements Bundle.
func (b *Batch) Payload(id slot.ID) (PayloadRef, bool) {
	ref, ok := b.tables[id]
	return ref, ok
}

var primaryKinds = map[slot.Signal]slot.Kind{
	slot.SignalLogs:    slot.KindRecords,
	slot.SignalMetrics: slot.KindDataPoints,
	slot.SignalTraces:  slot.KindSpans,
}

// Items returns the row count of the signal's primary table (log records,
// data points or spans). It is what "consumed items" counters report.
func (b *Batch) Items() int64 {
	id, ok := slot.ToSlot(b.signal, primaryKinds[b.signal])
	if !ok {
		return 0
	}
	ref, ok := b.tables[id]
	if !ok {
		return 0
	}
	return ref.Table.NumRows()
}
