// Package processor drives one shard of the durable telemetry spool: it
// accepts inbound payloads, writes them through the storage engine, and
// drains finalized bundles toward a downstream consumer with non-blocking
// sends and claim-based redelivery.
//
// A Processor is logically single-threaded. Its owner serializes every call
// (ingest, drain ticks, ack/nack events, shutdown), so no internal locking
// exists and none is needed.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/engine"
	"github.com/unijord/spool/pkg/segment"
	"github.com/unijord/spool/pkg/slot"
)

// SendOutcome is the result of a non-blocking downstream send.
type SendOutcome int

const (
	// SendAccepted means the item was handed off and an ack or nack will
	// follow, carrying the item's tracking bytes.
	SendAccepted SendOutcome = iota
	// SendFull means the channel had no capacity. Ordinary flow control: the
	// bundle is released and retried on a later tick.
	SendFull
	// SendClosed means the channel is permanently gone.
	SendClosed
)

// Item is one reconstructed bundle on its way downstream. Tracking is opaque
// to the consumer and must be echoed back on ack/nack.
type Item struct {
	Bundle   *segment.ReconstructedBundle
	Signal   slot.Signal
	Tracking []byte
}

// Downstream is the non-blocking consumer side of the pipeline.
type Downstream interface {
	TrySend(item Item) SendOutcome
}

// Inbound is one upstream payload with its settlement callbacks. Exactly one
// of Ack or Reject is invoked per payload, during Ingest.
type Inbound struct {
	Signal slot.Signal

	// Tables carries the decomposed columnar form, keyed by sub-table kind.
	Tables map[slot.Kind]arrow.Record
	// Payload carries the un-decomposed form used when the processor runs in
	// opaque mode.
	Payload []byte

	Ack    func()
	Reject func(err error)
}

type engineState int

const (
	stateUninitialized engineState = iota
	stateReady
	stateFailed
)

var (
	ErrDownstreamClosed = errors.New("downstream channel is closed")
	ErrShutDown         = errors.New("processor is shut down")
)

const subscriberName = "exporter"

// ShardDir derives the storage root for one shard. Deterministic naming
// keeps shards from ever contending for the same files.
func ShardDir(base string, shard int) string {
	return filepath.Join(base, fmt.Sprintf("shard-%03d", shard))
}

// Processor owns one shard's engine instance and pending-claim bookkeeping.
type Processor struct {
	dir        string
	downstream Downstream
	log        *slog.Logger
	mem        memory.Allocator
	interval   time.Duration
	opaque     bool
	engineOpts []engine.Option

	state      engineState
	failure    error
	engine     *engine.Engine
	sub        *engine.Subscriber
	pending    map[engine.BundleRef]*engine.Claim
	redelivers map[engine.BundleRef]uint64
	shutdown   bool
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithAllocator sets the Arrow allocator used for bundle assembly.
func WithAllocator(mem memory.Allocator) ProcessorOption {
	return func(p *Processor) {
		p.mem = mem
	}
}

// WithDrainInterval sets the drain timer interval. Each drain tick spends at
// most half of it polling, so backlog drainage never starves ingestion.
func WithDrainInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOpaquePayloads switches ingestion to spool the raw inbound bytes
// instead of the decomposed columnar form.
func WithOpaquePayloads(opaque bool) ProcessorOption {
	return func(p *Processor) {
		p.opaque = opaque
	}
}

// WithEngineOptions forwards options to the lazily constructed engine.
func WithEngineOptions(opts ...engine.Option) ProcessorOption {
	return func(p *Processor) {
		p.engineOpts = append(p.engineOpts, opts...)
	}
}

// New creates a processor rooted at dir. The engine is not constructed until
// the first operation needs it.
func New(dir string, downstream Downstream, opts ...ProcessorOption) *Processor {
	p := &Processor{
		dir:        dir,
		downstream: downstream,
		log:        slog.Default(),
		mem:        memory.DefaultAllocator,
		interval:   time.Second,
		pending:    make(map[engine.BundleRef]*engine.Claim),
		redelivers: make(map[engine.BundleRef]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ensureEngine constructs the engine on first use. A construction failure is
// permanent: every later call short-circuits with the stored reason.
func (p *Processor) ensureEngine() error {
	switch p.state {
	case stateReady:
		return nil
	case stateFailed:
		return p.failure
	}

	eng, err := engine.Open(p.dir, append([]engine.Option{
		engine.WithLogger(p.log),
		engine.WithAllocator(p.mem),
	}, p.engineOpts...)...)
	if err != nil {
		p.fail(fmt.Errorf("constructing storage engine: %w", err))
		return p.failure
	}
	sub, err := eng.Register(subscriberName)
	if err != nil {
		_ = eng.Shutdown()
		p.fail(fmt.Errorf("registering subscriber: %w", err))
		return p.failure
	}

	p.engine = eng
	p.sub = sub
	p.state = stateReady
	return nil
}

func (p *Processor) fail(err error) {
	p.state = stateFailed
	p.failure = err
	p.log.Error("processor failed permanently", slog.Any("err", err))
}

// Ingest converts one inbound payload to a bundle and writes it durably.
// The payload is settled exactly once: acknowledged on success, rejected
// with the cause otherwise.
func (p *Processor) Ingest(in Inbound) error {
	if p.shutdown {
		in.Reject(ErrShutDown)
		return ErrShutDown
	}
	if err := p.ensureEngine(); err != nil {
		IngestErrorsTotal.Inc()
		in.Reject(err)
		return err
	}

	b, items, err := p.toBundle(in)
	if err != nil {
		IngestErrorsTotal.Inc()
		in.Reject(err)
		return err
	}
	defer releaseBundle(b)

	if err := p.engine.Ingest(b); err != nil {
		IngestErrorsTotal.Inc()
		in.Reject(err)
		return err
	}

	IngestedItemsTotal.WithLabelValues(in.Signal.String()).Add(float64(items))
	in.Ack()
	return nil
}

func (p *Processor) toBundle(in Inbound) (bundle.Bundle, int64, error) {
	if p.opaque {
		o := bundle.NewOpaque(in.Signal, time.Now(), in.Payload, p.mem)
		return o, 1, nil
	}
	b, err := bundle.NewBatch(in.Signal, time.Now(), in.Tables)
	if err != nil {
		return nil, 0, err
	}
	return b, b.Items(), nil
}

func releaseBundle(b bundle.Bundle) {
	if r, ok := b.(interface{ Release() }); ok {
		r.Release()
	}
}

// Drain is the timer-driven delivery pass: flush, poll under a time budget,
// send non-blockingly, then run engine maintenance.
func (p *Processor) Drain() error {
	if p.shutdown {
		return ErrShutDown
	}
	if err := p.ensureEngine(); err != nil {
		return err
	}
	if err := p.engine.Flush(); err != nil {
		return fmt.Errorf("flushing engine: %w", err)
	}
	if err := p.drainOnce(p.interval / 2); err != nil {
		return err
	}
	if err := p.engine.Maintain(); err != nil {
		return fmt.Errorf("engine maintenance: %w", err)
	}
	return nil
}

// drainOnce polls and sends until the budget expires, the backlog empties,
// or the downstream pushes back.
func (p *Processor) drainOnce(budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		claim, err := p.engine.PollNextBundle(p.sub)
		if err != nil {
			return err
		}
		if claim == nil {
			return nil
		}
		ref := claim.Ref()

		// defensive guard: an identity we already sent must not go out again
		// while its claim is unresolved
		if _, inFlight := p.pending[ref]; inFlight {
			p.log.Warn("skipping bundle already in flight", slog.String("ref", ref.String()))
			claim.Release()
			return nil
		}

		rb, err := claim.Reconstruct()
		if err != nil {
			// poison: resolve it permanently so it cannot wedge the loop
			p.log.Error("rejecting bundle that failed reconstruction",
				slog.String("ref", ref.String()),
				slog.Any("err", err),
			)
			RejectedBundlesTotal.Inc()
			claim.Ack()
			continue
		}

		item := Item{
			Bundle:   rb,
			Signal:   bundleSignalOf(rb),
			Tracking: ref.Encode(),
		}
		switch p.downstream.TrySend(item) {
		case SendAccepted:
			p.pending[ref] = claim
			SentBundlesTotal.Inc()
			if n := p.redelivers[ref]; n > 0 {
				p.log.Debug("redelivered bundle",
					slog.String("ref", ref.String()),
					slog.Uint64("attempt", n+1),
				)
			}
		case SendFull:
			rb.Release()
			claim.Release()
			DeferredSendsTotal.Inc()
			return nil
		case SendClosed:
			rb.Release()
			claim.Release()
			p.fail(ErrDownstreamClosed)
			return p.failure
		}
	}
	return nil
}

func bundleSignalOf(rb *segment.ReconstructedBundle) slot.Signal {
	for _, id := range rb.Slots() {
		if sig, _, ok := slot.FromSlot(id); ok {
			return sig
		}
		if sig, ok := slot.FromOpaqueSlot(id); ok {
			return sig
		}
	}
	return slot.SignalLogs
}

// OnAck permanently consumes the bundle identified by the tracking bytes.
func (p *Processor) OnAck(tracking []byte) {
	ref, claim, ok := p.takePending(tracking, "ack")
	if !ok {
		return
	}
	claim.Ack()
	delete(p.redelivers, ref)
	AckedBundlesTotal.Inc()
}

// OnNack releases the claim so the bundle becomes redeliverable. Retries are
// unbounded and serial: the next delivery happens on a later drain tick.
func (p *Processor) OnNack(tracking []byte, reason error) {
	ref, claim, ok := p.takePending(tracking, "nack")
	if !ok {
		return
	}
	p.log.Warn("bundle nacked",
		slog.String("ref", ref.String()),
		slog.Any("reason", reason),
	)
	claim.Release()
	p.redelivers[ref]++
	NackedBundlesTotal.Inc()
}

func (p *Processor) takePending(tracking []byte, event string) (engine.BundleRef, *engine.Claim, bool) {
	ref, err := engine.DecodeBundleRef(tracking)
	if err != nil {
		p.log.Warn("discarding settlement with malformed tracking", slog.String("event", event))
		return engine.BundleRef{}, nil, false
	}
	claim, ok := p.pending[ref]
	if !ok {
		p.log.Warn("settlement for unknown claim",
			slog.String("event", event),
			slog.String("ref", ref.String()),
		)
		return ref, nil, false
	}
	delete(p.pending, ref)
	return ref, claim, true
}

// Shutdown flushes buffered data, attempts one best-effort final drain, and
// shuts the engine down. Backpressure at this point is tolerated with a
// warning rather than blocking past the context deadline.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.shutdown {
		return nil
	}
	p.shutdown = true

	if p.state != stateReady {
		// a processor that failed after construction still owns an engine
		if p.engine != nil {
			return p.engine.Shutdown()
		}
		return nil
	}

	var firstErr error
	if err := p.engine.FlushAll(); err != nil {
		firstErr = err
	}

	budget := p.interval / 2
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	if budget > 0 {
		if err := p.drainOnce(budget); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(p.pending) > 0 || p.engine.SegmentCount() > 0 {
		p.log.Warn("shutting down with undelivered bundles; they will be redelivered on restart",
			slog.Int("pending", len(p.pending)),
			slog.Int("segments", p.engine.SegmentCount()),
		)
	}
	for ref, claim := range p.pending {
		claim.Release()
		delete(p.pending, ref)
	}

	if err := p.engine.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Engine exposes the underlying engine's budget accessors. It is nil before
// the first successful operation.
func (p *Processor) Engine() *engine.Engine {
	return p.engine
}
