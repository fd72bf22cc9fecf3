package engine

import (
	"os"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/spool/pkg/bundle"
	"github.com/unijord/spool/pkg/slot"
)

var logsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
	{Name: "body", Type: arrow.BinaryTypes.String},
}, nil)

func logsRecord(t *testing.T, mem memory.Allocator, rows int, base int64) arrow.Record {
	t.Helper()
	builder := array.NewRecordBuilder(mem, logsSchema)
	defer builder.Release()
	for i := 0; i < rows; i++ {
		builder.Field(0).(*array.Int64Builder).Append(base + int64(i))
		builder.Field(1).(*array.StringBuilder).Append("body")
	}
	return builder.NewRecord()
}

func logsBundle(t *testing.T, mem memory.Allocator, rows int, base int64) *bundle.Batch {
	t.Helper()
	rec := logsRecord(t, mem, rows, base)
	b, err := bundle.NewBatch(slot.SignalLogs, time.Now(), map[slot.Kind]arrow.Record{
		slot.KindRecords: rec,
	})
	require.NoError(t, err)
	return b
}

func openTestEngine(t *testing.T, dir string, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithMaxSegmentAge(time.Hour),
		WithWALSize(1 << 20),
	}
	e, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

// crash abandons the engine without flushing pending bundles, simulating a
// process kill between ingest and finalization.
func crash(e *Engine) {
	e.closed = true
	e.closeReaders()
	_ = e.wal.close()
	_ = e.db.Close()
}

func TestEnvelopeRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	in := logsBundle(t, mem, 3, 10)

	payload, err := encodeBundle(in)
	require.NoError(t, err)

	out, err := decodeBundle(payload, mem)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, slot.SignalLogs, out.Signal())
	assert.Equal(t, in.IngestedAt().UnixNano(), out.IngestedAt().UnixNano())
	require.Len(t, out.Descriptor(), 1)

	id, ok := slot.ToSlot(slot.SignalLogs, slot.KindRecords)
	require.True(t, ok)
	ref, ok := out.Payload(id)
	require.True(t, ok)
	assert.Equal(t, int64(3), ref.Table.NumRows())
	assert.Equal(t, bundle.SchemaFingerprint(logsSchema), ref.Fingerprint)
}

func TestEnvelopeCorruption(t *testing.T) {
	mem := memory.NewGoAllocator()
	in := logsBundle(t, mem, 1, 0)
	payload, err := encodeBundle(in)
	require.NoError(t, err)

	_, err = decodeBundle(payload[:envelopeHeaderSize-1], mem)
	assert.ErrorIs(t, err, ErrEnvelopeTooShort)

	_, err = decodeBundle(payload[:len(payload)-1], mem)
	assert.ErrorIs(t, err, ErrEnvelopeCorrupt)
}

func TestSharedOnlyBundleRejected(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(), WithAllocator(mem))
	defer e.Shutdown()

	rec := logsRecord(t, mem, 1, 0)
	defer rec.Release()
	b, err := bundle.NewBatch(slot.SignalMetrics, time.Now(), map[slot.Kind]arrow.Record{
		slot.KindResourceAttrs: rec,
	})
	require.NoError(t, err)

	// shared slots carry no signal, so nothing read back from a segment
	// could recover it; the bundle is refused up front
	err = e.Ingest(b)
	assert.ErrorIs(t, err, ErrAmbiguousSignal)

	_, err = encodeBundle(b)
	assert.ErrorIs(t, err, ErrAmbiguousSignal)
}

func TestIngestFlushPollAck(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(), WithAllocator(mem))
	defer e.Shutdown()

	sub, err := e.Register("exporter")
	require.NoError(t, err)

	require.NoError(t, e.Ingest(logsBundle(t, mem, 2, 0)))
	require.NoError(t, e.Ingest(logsBundle(t, mem, 3, 100)))

	// nothing visible until the segment finalizes
	claim, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	require.Nil(t, claim)

	require.NoError(t, e.FlushAll())
	require.Equal(t, 1, e.SegmentCount())

	seen := map[uint64]int64{}
	for i := 0; i < 2; i++ {
		claim, err := e.PollNextBundle(sub)
		require.NoError(t, err)
		require.NotNil(t, claim)

		rb, err := claim.Reconstruct()
		require.NoError(t, err)
		id, ok := slot.ToSlot(slot.SignalLogs, slot.KindRecords)
		require.True(t, ok)
		rec, ok := rb.Table(id)
		require.True(t, ok)
		seen[claim.Ref().Index] = rec.NumRows()
		rb.Release()
		claim.Ack()
	}
	assert.Equal(t, map[uint64]int64{0: 2, 1: 3}, seen)

	// fully consumed and persisted progress reclaims the segment
	require.NoError(t, e.Maintain())
	assert.Equal(t, 0, e.SegmentCount())
	assert.Equal(t, int64(0), e.BytesUsed())

	claim, err = e.PollNextBundle(sub)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestClaimedBundleNotRedelivered(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(), WithAllocator(mem))
	defer e.Shutdown()

	sub, err := e.Register("exporter")
	require.NoError(t, err)

	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	require.NoError(t, e.FlushAll())

	first, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	require.NotNil(t, first)

	// the only bundle is in flight, so the next poll comes up empty
	second, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	assert.Nil(t, second)

	first.Release()
}

func TestReleaseRedelivers(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(), WithAllocator(mem))
	defer e.Shutdown()

	sub, err := e.Register("exporter")
	require.NoError(t, err)

	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	require.NoError(t, e.FlushAll())

	first, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	require.NotNil(t, first)
	ref := first.Ref()
	first.Release()

	// Ack after Release is a no-op: exactly one resolution wins
	first.Ack()
	assert.True(t, sub.isClaimable(ref))

	again, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, ref, again.Ref())
	again.Ack()
}

func TestSizeThresholdFinalizes(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(),
		WithAllocator(mem),
		WithMaxSegmentBytes(1),
	)
	defer e.Shutdown()

	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	assert.Equal(t, 1, e.SegmentCount())
	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 1)))
	assert.Equal(t, 2, e.SegmentCount())
}

func TestWALRecovery(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewGoAllocator()

	e := openTestEngine(t, dir, WithAllocator(mem))
	require.NoError(t, e.Ingest(logsBundle(t, mem, 2, 0)))
	require.NoError(t, e.Ingest(logsBundle(t, mem, 3, 100)))
	crash(e)

	// bundles that never reached a segment come back from the WAL
	e2 := openTestEngine(t, dir, WithAllocator(mem))
	defer e2.Shutdown()
	assert.Len(t, e2.pending, 2)

	sub, err := e2.Register("exporter")
	require.NoError(t, err)
	require.NoError(t, e2.FlushAll())

	rows := int64(0)
	for {
		claim, err := e2.PollNextBundle(sub)
		require.NoError(t, err)
		if claim == nil {
			break
		}
		rb, err := claim.Reconstruct()
		require.NoError(t, err)
		id, _ := slot.ToSlot(slot.SignalLogs, slot.KindRecords)
		rec, ok := rb.Table(id)
		require.True(t, ok)
		rows += rec.NumRows()
		rb.Release()
		claim.Ack()
	}
	assert.Equal(t, int64(5), rows)
}

func TestProgressSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewGoAllocator()

	e := openTestEngine(t, dir, WithAllocator(mem))
	sub, err := e.Register("exporter")
	require.NoError(t, err)

	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 100)))
	require.NoError(t, e.FlushAll())

	// consume only the first bundle, then restart
	claim, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	require.NotNil(t, claim)
	acked := claim.Ref()
	claim.Ack()
	require.NoError(t, e.Maintain())
	require.NoError(t, e.Shutdown())

	e2 := openTestEngine(t, dir, WithAllocator(mem))
	defer e2.Shutdown()
	sub2, err := e2.Register("exporter")
	require.NoError(t, err)

	claim, err = e2.PollNextBundle(sub2)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.NotEqual(t, acked, claim.Ref())
	claim.Ack()

	claim, err = e2.PollNextBundle(sub2)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestCorruptSegmentQuarantined(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewGoAllocator()

	e := openTestEngine(t, dir, WithAllocator(mem))
	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	require.NoError(t, e.FlushAll())
	require.Equal(t, 1, e.SegmentCount())
	path := e.segments[e.seqs[0]].path
	require.NoError(t, e.Shutdown())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	e2 := openTestEngine(t, dir, WithAllocator(mem))
	defer e2.Shutdown()
	assert.Equal(t, 0, e2.SegmentCount())
	assert.Equal(t, uint64(1), e2.DroppedSegments())
	assert.FileExists(t, path+".corrupt")
}

func TestByteBudgetForceDrops(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(),
		WithAllocator(mem),
		WithBytesCap(1),
	)
	defer e.Shutdown()

	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	require.NoError(t, e.FlushAll())
	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 100)))
	require.NoError(t, e.FlushAll())

	// the newest segment always survives
	assert.Equal(t, 1, e.SegmentCount())
	assert.Equal(t, uint64(1), e.DroppedSegments())
	assert.Equal(t, uint64(1), e.DroppedBundles())
	assert.Greater(t, e.BytesUsed(), int64(0))
	assert.Equal(t, int64(1), e.BytesCap())
}

func TestAckAfterForceDropIsDiscarded(t *testing.T) {
	mem := memory.NewGoAllocator()
	e := openTestEngine(t, t.TempDir(),
		WithAllocator(mem),
		WithBytesCap(1),
	)
	defer e.Shutdown()

	sub, err := e.Register("exporter")
	require.NoError(t, err)

	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 0)))
	require.NoError(t, e.FlushAll())
	claim, err := e.PollNextBundle(sub)
	require.NoError(t, err)
	require.NotNil(t, claim)
	dropped := claim.Ref().Seq

	// the second segment pushes the first over the byte budget while its
	// bundle is still claimed
	require.NoError(t, e.Ingest(logsBundle(t, mem, 1, 100)))
	require.NoError(t, e.FlushAll())
	require.Equal(t, 1, e.SegmentCount())

	// resolving the orphaned claim must not resurrect progress for the
	// dropped segment, or Maintain would persist a key for a file that no
	// longer exists
	claim.Ack()
	assert.Zero(t, sub.ackedCount(dropped))
	assert.Empty(t, sub.takeDirty())
	require.NoError(t, e.Maintain())
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown())
	assert.ErrorIs(t, e.Ingest(nil), ErrEngineClosed)
}
