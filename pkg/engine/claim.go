package engine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/unijord/spool/pkg/segment"
)

// Claim is the engine's record that one bundle has been handed to a caller
// and must not be handed out again until resolved. Exactly one of Ack or
// Release runs; dropping an unresolved claim is equivalent to Release (a
// cleanup hook catches it when the claim is collected).
type Claim struct {
	ref      BundleRef
	id       uint64
	sub      *Subscriber
	state    *segmentState
	resolved atomic.Bool
}

// Ref returns the bundle identity the claim holds.
func (c *Claim) Ref() BundleRef {
	return c.ref
}

// Reconstruct reads the claimed bundle back from its segment.
func (c *Claim) Reconstruct() (*segment.ReconstructedBundle, error) {
	if c.ref.Index >= uint64(len(c.state.reader.Manifest())) {
		return nil, fmt.Errorf("%w: bundle %d of segment %d",
			segment.ErrMalformedSegment, c.ref.Index, c.ref.Seq)
	}
	return c.state.reader.ReadBundle(c.state.reader.Manifest()[c.ref.Index])
}

// Ack permanently consumes the bundle. Durable once the next Maintain runs.
func (c *Claim) Ack() {
	if !c.resolved.CompareAndSwap(false, true) {
		return
	}
	c.sub.resolve(c.ref, c.id, true)
}

// Release makes the bundle eligible for delivery again.
func (c *Claim) Release() {
	if !c.resolved.CompareAndSwap(false, true) {
		return
	}
	c.sub.resolve(c.ref, c.id, false)
}

// Subscriber is one named consumer of the engine with durable progress.
type Subscriber struct {
	name string

	mu       sync.Mutex
	acked    map[uint64]map[uint64]struct{} // segment seq -> acked bundle indices
	inflight map[BundleRef]uint64           // claimed identities -> claim id
	dirty    map[uint64]struct{}            // seqs with unpersisted acks
	nextID   uint64
}

// Name returns the subscriber name.
func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) isClaimable(ref BundleRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[ref]; ok {
		return false
	}
	_, acked := s.acked[ref.Seq][ref.Index]
	return !acked
}

// claim marks the identity in flight and returns the claim id. ok is false
// when the identity is already claimed or consumed; a caller hitting that is
// a duplicate claim and must treat it as immediately released.
func (s *Subscriber) claim(ref BundleRef) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[ref]; ok {
		return 0, false
	}
	if _, ok := s.acked[ref.Seq][ref.Index]; ok {
		return 0, false
	}
	s.nextID++
	s.inflight[ref] = s.nextID
	return s.nextID, true
}

// resolve removes the in-flight marker and, for acks, records durable-once-
// maintained progress. The claim id guards against a stale cleanup hook
// resolving a newer claim on the same identity.
func (s *Subscriber) resolve(ref BundleRef, id uint64, acked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.inflight[ref]; !ok || current != id {
		return
	}
	delete(s.inflight, ref)
	if acked {
		set, ok := s.acked[ref.Seq]
		if !ok {
			set = make(map[uint64]struct{})
			s.acked[ref.Seq] = set
		}
		set[ref.Index] = struct{}{}
		s.dirty[ref.Seq] = struct{}{}
	}
}

func (s *Subscriber) ackedCount(seq uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.acked[seq]))
}

// forget drops every trace of a segment, including claims still in flight on
// it: resolving such a claim later must not re-add progress for a segment
// that no longer exists.
func (s *Subscriber) forget(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acked, seq)
	delete(s.dirty, seq)
	for ref := range s.inflight {
		if ref.Seq == seq {
			delete(s.inflight, ref)
		}
	}
}

// takeDirty drains the set of seqs whose acks still need persisting, along
// with a snapshot of their acked indices.
func (s *Subscriber) takeDirty() map[uint64][]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dirty) == 0 {
		return nil
	}
	out := make(map[uint64][]uint64, len(s.dirty))
	for seq := range s.dirty {
		indices := make([]uint64, 0, len(s.acked[seq]))
		for idx := range s.acked[seq] {
			indices = append(indices, idx)
		}
		out[seq] = indices
	}
	s.dirty = make(map[uint64]struct{})
	return out
}

func newClaim(sub *Subscriber, st *segmentState, ref BundleRef, id uint64) *Claim {
	c := &Claim{
		ref:   ref,
		id:    id,
		sub:   sub,
		state: st,
	}
	// safety net: a claim dropped without Ack or Release resolves as
	// released once it is collected
	runtime.AddCleanup(c, func(tok cleanupToken) {
		tok.sub.resolve(tok.ref, tok.id, false)
	}, cleanupToken{sub: sub, ref: ref, id: id})
	return c
}

type cleanupToken struct {
	sub *Subscriber
	ref BundleRef
	id  uint64
}
