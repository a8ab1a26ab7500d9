package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tideflow-io/tideflow/pkg/checkpoint"
	"github.com/tideflow-io/tideflow/pkg/offsets"
	"github.com/tideflow-io/tideflow/pkg/record"
	sinkmemory "github.com/tideflow-io/tideflow/pkg/sinks/memory"
	"github.com/tideflow-io/tideflow/pkg/sources"
	sourcememory "github.com/tideflow-io/tideflow/pkg/sources/memory"
	"github.com/tideflow-io/tideflow/pkg/state"
	"github.com/tideflow-io/tideflow/pkg/window"
	"github.com/tideflow-io/tideflow/pkg/window/strategy/fixed"
	"github.com/tideflow-io/tideflow/pkg/window/strategy/sliding"
)

type fixture struct {
	source  *sourcememory.MemorySource
	sink    *sinkmemory.MemorySink
	cpStore *checkpoint.InMemStore
	engine  *Engine
}

func newFixture(t *testing.T, assigner window.Assigner, aggregator state.Aggregator, lateness time.Duration, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		source:  sourcememory.NewMemorySource("src"),
		sink:    sinkmemory.NewMemorySink("sink"),
		cpStore: checkpoint.NewInMemStore(),
	}
	opts = append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)
	e, err := NewEngine(f.source, f.sink, f.cpStore, assigner, aggregator, lateness, opts...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func tumbling10s(t *testing.T) window.Assigner {
	t.Helper()
	a, err := fixed.NewFixed(10 * time.Second)
	require.NoError(t, err)
	return a
}

func TestEngine_TumblingCountScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0)

	// records at t=1,5,9,11 with a count aggregator
	for _, ts := range []int64{1000, 5000, 9000, 11000} {
		f.source.Append(0, time.UnixMilli(ts), "k", nil)
	}

	require.NoError(t, f.engine.TriggerNow(ctx))

	// watermark reached 11s, so [0,10s) finalized to 3
	results := f.sink.Results(1)
	require.Len(t, results, 1)
	assert.Equal(t, int64(0), results[0].Key.Window.Start.UnixMilli())
	assert.Equal(t, int64(10000), results[0].Key.Window.End.UnixMilli())
	assert.Equal(t, int64(3), results[0].Value)

	// [10s,20s) holds 1 and is open
	status := f.engine.Status()
	assert.Equal(t, StateIdle.String(), status.State)
	assert.Equal(t, int64(1), status.CommittedEpoch)
	assert.Equal(t, int64(1), status.OpenBuckets)
	assert.Zero(t, status.LateDiscards)
}

func TestEngine_SlidingWindows(t *testing.T) {
	ctx := context.Background()
	assigner, err := sliding.NewSliding(10*time.Second, 5*time.Second)
	require.NoError(t, err)
	f := newFixture(t, assigner, state.Count{}, 0)

	f.source.Append(0, time.UnixMilli(12000), "k", nil)
	f.source.Append(0, time.UnixMilli(21000), "k", nil)

	require.NoError(t, f.engine.TriggerNow(ctx))

	// t=12 belongs to [5,15) and [10,20); watermark 21 closes both
	results := f.sink.Results(1)
	require.Len(t, results, 2)
	assert.Equal(t, int64(5000), results[0].Key.Window.Start.UnixMilli())
	assert.Equal(t, int64(1), results[0].Value)
	assert.Equal(t, int64(10000), results[1].Key.Window.Start.UnixMilli())
	assert.Equal(t, int64(1), results[1].Value)

	// t=21 is still open in [15,25) and [20,30)
	assert.Equal(t, int64(2), f.engine.Status().OpenBuckets)
}

func TestEngine_EmptyCycleStillCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0)

	require.NoError(t, f.engine.TriggerNow(ctx))
	require.NoError(t, f.engine.TriggerNow(ctx))

	assert.Equal(t, int64(2), f.engine.Status().CommittedEpoch)
	// nothing was finalized, the sink saw no writes
	assert.Empty(t, f.sink.AllResults())
}

func TestEngine_LateRecordDiscardedAfterClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0)

	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(11000), "k", nil)
	require.NoError(t, f.engine.TriggerNow(ctx))
	require.Len(t, f.sink.Results(1), 1)

	// t=2 arrives after [0,10s) was finalized: discarded, counted, not failed
	f.source.Append(0, time.UnixMilli(2000), "k", nil)
	require.NoError(t, f.engine.TriggerNow(ctx))

	status := f.engine.Status()
	assert.Equal(t, int64(1), status.LateDiscards)
	// the closed window was not re-emitted
	assert.Empty(t, f.sink.Results(2))
}

func TestEngine_LateRecordAcceptedWithinLateness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 5*time.Second)

	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(12000), "k", nil)
	require.NoError(t, f.engine.TriggerNow(ctx))
	// watermark = 12s - 5s lateness = 7s, [0,10s) still open
	assert.Empty(t, f.sink.AllResults())

	// an event older than the watermark but within lateness still counts
	f.source.Append(0, time.UnixMilli(3000), "k", nil)
	f.source.Append(0, time.UnixMilli(20000), "k", nil)
	require.NoError(t, f.engine.TriggerNow(ctx))

	// watermark = 15s >= 10s + 5s lateness closes [0,10s) with the late
	// record included
	results := f.sink.Results(2)
	require.Len(t, results, 1)
	assert.Equal(t, int64(0), results[0].Key.Window.Start.UnixMilli())
	assert.Equal(t, int64(2), results[0].Value)
	assert.Zero(t, f.engine.Status().LateDiscards)
}

func TestEngine_CommitRetriedOnTransientSink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0)

	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(11000), "k", nil)

	f.sink.FailNextWrites(2)
	require.NoError(t, f.engine.TriggerNow(ctx))

	// retried with the same epoch, delivered once from the sink's view
	assert.Equal(t, 1, f.sink.Writes(1))
	require.Len(t, f.sink.Results(1), 1)
	assert.Equal(t, int64(1), f.sink.Results(1)[0].Value)
}

func TestEngine_CommitExhaustionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0, WithMaxCommitRetries(1))

	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.cpStore.FailPuts = 10

	err := f.engine.TriggerNow(ctx)
	require.ErrorIs(t, err, ErrCommitExhausted)
	assert.Equal(t, StateFailed.String(), f.engine.Status().State)

	// the engine is absorbed in Failed
	assert.ErrorIs(t, f.engine.TriggerNow(ctx), ErrEngineFailed)
}

func TestEngine_SinkRejectionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0)

	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(11000), "k", nil)
	f.sink.RejectAll()

	err := f.engine.TriggerNow(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed.String(), f.engine.Status().State)
}

func TestEngine_FetchFailureAbortsAndRetriesCleanly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0, WithMaxFetchRetries(0))

	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(11000), "k", nil)
	f.source.FailNextFetches(1)

	err := f.engine.TriggerNow(ctx)
	require.ErrorIs(t, err, sources.ErrTransient)
	assert.Equal(t, StateIdle.String(), f.engine.Status().State)
	assert.Equal(t, int64(0), f.engine.Status().CommittedEpoch)

	// the next trigger re-fetches from the last committed offset and
	// produces exactly what a clean run would have
	require.NoError(t, f.engine.TriggerNow(ctx))
	results := f.sink.Results(1)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Value)
}

func TestEngine_RecoveryAfterCrashBeforeCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0, WithMaxCommitRetries(0))

	// epoch 1 commits cleanly and finalizes [0,10s)
	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(5000), "k", nil)
	f.source.Append(0, time.UnixMilli(11000), "k", nil)
	require.NoError(t, f.engine.TriggerNow(ctx))
	assert.Equal(t, int64(1), f.engine.Status().CommittedEpoch)
	require.Len(t, f.sink.Results(1), 1)

	// the next cycle processes and even reaches the sink, but the checkpoint
	// never lands: everything after PROCESSING is lost, exactly like a crash
	// before COMMITTING resolved
	f.source.Append(0, time.UnixMilli(13000), "k", nil)
	f.source.Append(0, time.UnixMilli(21000), "k", nil)
	f.cpStore.FailPuts = 1
	require.ErrorIs(t, f.engine.TriggerNow(ctx), ErrCommitExhausted)

	// a new engine over the same checkpoint store and sink recovers from
	// epoch 1, re-fetches the lost batch, and re-derives identical results
	restarted, err := NewEngine(f.source, f.sink, f.cpStore, tumbling10s(t), state.Count{}, 0, WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, restarted.TriggerNow(ctx))

	assert.Equal(t, int64(2), restarted.Status().CommittedEpoch)
	results := f.sink.Results(2)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10000), results[0].Key.Window.Start.UnixMilli())
	// [10s,20s) counts t=11 and t=13 exactly once each
	assert.Equal(t, int64(2), results[0].Value)
	// the crashed attempt and the recovered run wrote the same epoch twice,
	// but the stored outcome is a single result set
	assert.Equal(t, 2, f.sink.Writes(2))
	// the epoch committed before the crash was never re-delivered
	assert.Equal(t, 1, f.sink.Writes(1))
	assert.Len(t, f.sink.AllResults(), 2)
}

func TestEngine_RecoveryRestoresOpenState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Sum{}, 0)

	f.source.Append(0, time.UnixMilli(11000), "a", []byte("5"))
	f.source.Append(0, time.UnixMilli(12000), "a", []byte("7"))
	require.NoError(t, f.engine.TriggerNow(ctx))
	assert.Equal(t, int64(1), f.engine.Status().OpenBuckets)

	// a fresh engine restores the open bucket and continues seamlessly
	restarted, err := NewEngine(f.source, f.sink, f.cpStore, tumbling10s(t), state.Sum{}, 0, WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)

	f.source.Append(0, time.UnixMilli(14000), "a", []byte("8"))
	f.source.Append(0, time.UnixMilli(21000), "a", []byte("1"))
	require.NoError(t, restarted.TriggerNow(ctx))

	results := f.sink.Results(2)
	require.Len(t, results, 1)
	assert.Equal(t, int64(20), results[0].Value)
}

func TestEngine_CorruptCheckpointRefusesToStart(t *testing.T) {
	ctx := context.Background()
	cpStore := checkpoint.NewInMemStore()
	require.NoError(t, cpStore.PutAtomic(ctx, 1, []byte("garbage")))

	e, err := NewEngine(
		sourcememory.NewMemorySource("src"),
		sinkmemory.NewMemorySink("sink"),
		cpStore,
		tumbling10s(t),
		state.Count{},
		0,
	)
	require.NoError(t, err)
	assert.ErrorIs(t, e.TriggerNow(ctx), checkpoint.ErrCorrupt)
	assert.Equal(t, StateFailed.String(), e.Status().State)
}

func TestEngine_AggregatorMismatchRefusesToStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0)
	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	require.NoError(t, f.engine.TriggerNow(ctx))

	e, err := NewEngine(f.source, f.sink, f.cpStore, tumbling10s(t), state.Sum{}, 0)
	require.NoError(t, err)
	assert.Error(t, e.TriggerNow(ctx))
}

// misorderedSource violates the source contract by repeating an offset.
type misorderedSource struct {
	*sourcememory.MemorySource
}

func (m *misorderedSource) Fetch(ctx context.Context, partition int32, afterOffset int64, maxRecords int64) ([]*record.Record, error) {
	recs, err := m.MemorySource.Fetch(ctx, partition, afterOffset, maxRecords)
	if err != nil || len(recs) == 0 {
		return recs, err
	}
	return append(recs, recs[len(recs)-1]), nil
}

func TestEngine_OrderViolationIsFatal(t *testing.T) {
	ctx := context.Background()
	src := &misorderedSource{MemorySource: sourcememory.NewMemorySource("bad")}
	src.Append(0, time.UnixMilli(1000), "k", nil)

	e, err := NewEngine(src, sinkmemory.NewMemorySink("sink"), checkpoint.NewInMemStore(), tumbling10s(t), state.Count{}, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, e.TriggerNow(ctx), offsets.ErrOrderViolation)
	assert.Equal(t, StateFailed.String(), e.Status().State)
}

func TestEngine_RunWithIntervalTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, tumbling10s(t), state.Count{}, 0, WithTriggerInterval(5*time.Millisecond))
	f.source.Append(0, time.UnixMilli(1000), "k", nil)
	f.source.Append(0, time.UnixMilli(11000), "k", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return len(f.sink.Results(1)) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), f.sink.Results(1)[0].Value)
}

func TestEngine_MaxRecordsPerBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tumbling10s(t), state.Count{}, 0, WithMaxRecordsPerBatch(2))

	for _, ts := range []int64{1000, 2000, 3000, 11000} {
		f.source.Append(0, time.UnixMilli(ts), "k", nil)
	}

	// two records per cycle
	require.NoError(t, f.engine.TriggerNow(ctx))
	assert.Empty(t, f.sink.AllResults())
	require.NoError(t, f.engine.TriggerNow(ctx))

	results := f.sink.Results(2)
	require.Len(t, results, 1)
	assert.Equal(t, int64(3), results[0].Value)
}
