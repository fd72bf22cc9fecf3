// Package slot defines the numbering scheme that maps telemetry sub-tables
// onto the bounded slot address space of a bundle.
//
// Slot ids stay below 64 so the populated slots of a bundle always fit a
// single 64-bit presence bitmap. Arrow payload slots occupy [0, 60); the
// range [60, 62] is reserved for opaque pass-through payloads, one slot per
// signal type.
package slot

import "fmt"

// ID is a slot number within a bundle. It is an index, not an address.
type ID uint8

const (
	// MaxArrowSlot is the exclusive upper bound for Arrow payload slots.
	MaxArrowSlot ID = 60

	// MaxSlot is the exclusive upper bound for any slot id. Everything must
	// fit a 64-bit presence bitmap.
	MaxSlot ID = 64
)

// Signal identifies one telemetry signal type.
type Signal uint8

const (
	SignalLogs Signal = iota
	SignalMetrics
	SignalTraces
)

func (s Signal) String() string {
	switch s {
	case SignalLogs:
		return "logs"
	case SignalMetrics:
		return "metrics"
	case SignalTraces:
		return "traces"
	}
	return fmt.Sprintf("signal(%d)", uint8(s))
}

// Kind identifies the role of one sub-table inside a bundle.
type Kind uint8

const (
	// Shared kinds. These map to the same slot for every signal, so bundles
	// of different signal types collide on them on purpose.
	KindResourceAttrs Kind = iota
	KindScopeAttrs

	// Log kinds.
	KindRecords
	KindRecordAttrs

	// Metric kinds.
	KindDataPoints
	KindPointAttrs
	KindExemplars
	KindExemplarAttrs

	// Trace kinds.
	KindSpans
	KindSpanAttrs
	KindEvents
	KindEventAttrs
	KindLinks
	KindLinkAttrs
)

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var kindNames = map[Kind]string{
	KindResourceAttrs: "resource_attrs",
	KindScopeAttrs:    "scope_attrs",
	KindRecords:       "records",
	KindRecordAttrs:   "record_attrs",
	KindDataPoints:    "data_points",
	KindPointAttrs:    "point_attrs",
	KindExemplars:     "exemplars",
	KindExemplarAttrs: "exemplar_attrs",
	KindSpans:         "spans",
	KindSpanAttrs:     "span_attrs",
	KindEvents:        "events",
	KindEventAttrs:    "event_attrs",
	KindLinks:         "links",
	KindLinkAttrs:     "link_attrs",
}

// Slot assignment. Shared kinds sit at the bottom of the space; each signal
// owns a disjoint private range. Gaps between ranges are deliberate headroom
// and resolve to "absent" on inverse lookup.
const (
	slotResourceAttrs ID = 0
	slotScopeAttrs    ID = 1

	logsBase    ID = 8
	metricsBase ID = 16
	tracesBase  ID = 32

	opaqueBase ID = 60
)

var sharedSlots = map[Kind]ID{
	KindResourceAttrs: slotResourceAttrs,
	KindScopeAttrs:    slotScopeAttrs,
}

var privateSlots = map[Signal]map[Kind]ID{
	SignalLogs: {
		KindRecords:     logsBase,
		KindRecordAttrs: logsBase + 1,
	},
	SignalMetrics: {
		KindDataPoints:    metricsBase,
		KindPointAttrs:    metricsBase + 1,
		KindExemplars:     metricsBase + 2,
		KindExemplarAttrs: metricsBase + 3,
	},
	SignalTraces: {
		KindSpans:      tracesBase,
		KindSpanAttrs:  tracesBase + 1,
		KindEvents:     tracesBase + 2,
		KindEventAttrs: tracesBase + 3,
		KindLinks:      tracesBase + 4,
		KindLinkAttrs:  tracesBase + 5,
	},
}

// inverse of privateSlots, built once.
var slotOwners = func() map[ID]struct {
	sig  Signal
	kind Kind
} {
	owners := make(map[ID]struct {
		sig  Signal
		kind Kind
	})
	for sig, kinds := range privateSlots {
		for kind, id := range kinds {
			owners[id] = struct {
				sig  Signal
				kind Kind
			}{sig, kind}
		}
	}
	return owners
}()

// ToSlot returns the slot id serving the given (signal, kind). For shared
// kinds the result depends on the kind alone. The second return is false when
// the kind does not belong to the signal.
func ToSlot(sig Signal, kind Kind) (ID, bool) {
	if id, ok := sharedSlots[kind]; ok {
		return id, true
	}
	kinds, ok := privateSlots[sig]
	if !ok {
		return 0, false
	}
	id, ok := kinds[kind]
	return id, ok
}

// IsShared reports whether the slot id is one of the kinds shared across
// signal types.
func IsShared(id ID) bool {
	return id == slotResourceAttrs || id == slotScopeAttrs
}

// FromSlot resolves a slot id back to its (signal, kind). It returns false
// for shared slots, whose signal is ambiguous by construction, for opaque
// slots, and for ids in unassigned gaps.
func FromSlot(id ID) (Signal, Kind, bool) {
	owner, ok := slotOwners[id]
	if !ok {
		return 0, 0, false
	}
	return owner.sig, owner.kind, true
}

// SharedKind resolves a shared slot id to its kind.
func SharedKind(id ID) (Kind, bool) {
	switch id {
	case slotResourceAttrs:
		return KindResourceAttrs, true
	case slotScopeAttrs:
		return KindScopeAttrs, true
	}
	return 0, false
}

// OpaqueSlot returns the reserved slot holding a whole message of the given
// signal as one un-decomposed binary column.
func OpaqueSlot(sig Signal) ID {
	return opaqueBase + ID(sig)
}

// FromOpaqueSlot resolves an opaque slot id back to its signal type.
func FromOpaqueSlot(id ID) (Signal, bool) {
	if id < opaqueBase || id >= MaxSlot {
		return 0, false
	}
	sig := Signal(id - opaqueBase)
	if sig > SignalTraces {
		return 0, false
	}
	return sig, true
}

// IsOpaque reports whether the slot id lies in the reserved opaque range.
func IsOpaque(id ID) bool {
	_, ok := FromOpaqueSlot(id)
	return ok
}

// Label renders the human-readable descriptor label for a slot id. Unassigned
// ids render as "slot(N)".
func Label(id ID) string {
	if kind, ok := SharedKind(id); ok {
		return kind.String()
	}
	if sig, kind, ok := FromSlot(id); ok {
		return sig.String() + "." + kind.String()
	}
	if sig, ok := FromOpaqueSlot(id); ok {
		return sig.String() + ".opaque"
	}
	return fmt.Sprintf("slot(%d)", uint8(id))
}
