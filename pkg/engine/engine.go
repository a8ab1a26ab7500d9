/*
Copyright 2024 The Tideflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package engine orchestrates the processing cycles. One cycle pulls new
// records from the source, assigns them to windows, folds them into the
// aggregate state, advances the watermark, evicts the windows the watermark
// has passed, hands the finalized results to the sink, and commits
// offsets+watermark+state atomically to checkpoint storage.
//
// Exactly one cycle runs at a time against the state store, which is what
// makes the store safe without locking. Results are emitted only right before
// a checkpoint commit, so whatever might be re-delivered after a crash is
// bounded by exactly one uncommitted batch, and sinks are keyed by epoch to
// absorb that redelivery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tideflow-io/tideflow/pkg/checkpoint"
	"github.com/tideflow-io/tideflow/pkg/offsets"
	"github.com/tideflow-io/tideflow/pkg/record"
	"github.com/tideflow-io/tideflow/pkg/shared/logging"
	"github.com/tideflow-io/tideflow/pkg/sinks"
	"github.com/tideflow-io/tideflow/pkg/sources"
	"github.com/tideflow-io/tideflow/pkg/state"
	"github.com/tideflow-io/tideflow/pkg/watermark"
	"github.com/tideflow-io/tideflow/pkg/window"
)

// EngineState is the engine's position in its processing state machine.
type EngineState int32

const (
	StateRecovering EngineState = iota
	StateIdle
	StateFetching
	StateProcessing
	StateCommitting
	StateFailed
)

func (s EngineState) String() string {
	switch s {
	case StateRecovering:
		return "Recovering"
	case StateIdle:
		return "Idle"
	case StateFetching:
		return "Fetching"
	case StateProcessing:
		return "Processing"
	case StateCommitting:
		return "Committing"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	// ErrCommitExhausted indicates COMMITTING failed more times than the
	// configured bound; the engine transitions to Failed.
	ErrCommitExhausted = errors.New("commit retries exhausted")
	// ErrEngineFailed indicates the engine is in the Failed state and will
	// not run further cycles.
	ErrEngineFailed = errors.New("engine has failed")
)

// Engine runs the windowed aggregation query against one source and one sink.
type Engine struct {
	id       string
	source   sources.Sourcer
	sink     sinks.Sinker
	cpStore  checkpoint.Store
	assigner window.Assigner

	allowedLateness time.Duration
	aggregator      state.Aggregator
	store           *state.Store
	wm              *watermark.Tracker
	offs            *offsets.Tracker

	// epoch is the last committed checkpoint epoch; the in-flight cycle
	// commits epoch+1.
	epoch int64
	// lastCommitted is the rollback point for aborted cycles; nil until the
	// first commit when starting fresh.
	lastCommitted *checkpoint.Checkpoint

	// cycleMu serializes cycles; the state store is single-writer.
	cycleMu     sync.Mutex
	recoverOnce sync.Once
	recoverErr  error

	// status fields are the only engine state read from outside a cycle.
	stateVal     atomic.Int32
	committed    atomic.Int64
	lateDiscards atomic.Int64
	openBuckets  atomic.Int64
	lastErr      atomic.String

	opts *Options
	log  *zap.SugaredLogger
}

// Status is the operator-visible snapshot of the engine.
type Status struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	CommittedEpoch int64  `json:"committedEpoch"`
	LateDiscards   int64  `json:"lateDiscards"`
	OpenBuckets    int64  `json:"openBuckets"`
	LastError      string `json:"lastError,omitempty"`
}

// NewEngine assembles an engine. The source, sink and checkpoint store are
// external collaborators; the assigner and aggregator define the query.
func NewEngine(
	source sources.Sourcer,
	sink sinks.Sinker,
	cpStore checkpoint.Store,
	assigner window.Assigner,
	aggregator state.Aggregator,
	allowedLateness time.Duration,
	opts ...Option,
) (*Engine, error) {
	if allowedLateness < 0 {
		return nil, fmt.Errorf("%w: allowed lateness must not be negative, got %v", window.ErrInvalidConfig, allowedLateness)
	}
	options := DefaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	e := &Engine{
		id:              uuid.New().String(),
		source:          source,
		sink:            sink,
		cpStore:         cpStore,
		assigner:        assigner,
		allowedLateness: allowedLateness,
		aggregator:      aggregator,
		store:           state.NewStore(aggregator, allowedLateness),
		wm:              watermark.NewTracker(allowedLateness),
		offs:            offsets.NewTracker(),
		opts:            options,
		log:             options.logger,
	}
	if e.log == nil {
		e.log = logging.NewLogger()
	}
	e.log = e.log.With(zap.String("engine", e.id), zap.String("source", source.GetName()), zap.String("sink", sink.GetName()))
	e.stateVal.Store(int32(StateRecovering))
	return e, nil
}

// ID returns the engine's run identifier.
func (e *Engine) ID() string {
	return e.id
}

// Status reports the current state, last committed epoch, and last error.
func (e *Engine) Status() Status {
	return Status{
		ID:             e.id,
		State:          EngineState(e.stateVal.Load()).String(),
		CommittedEpoch: e.committed.Load(),
		LateDiscards:   e.lateDiscards.Load(),
		OpenBuckets:    e.openBuckets.Load(),
		LastError:      e.lastErr.Load(),
	}
}

// Run drives the engine until the context is canceled. With a trigger
// interval configured it fires a cycle every interval; in manual mode it only
// recovers and then waits, cycles are driven by TriggerNow.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ensureRecovered(ctx); err != nil {
		return err
	}
	if e.opts.triggerInterval == 0 {
		e.log.Infow("Engine running in manual trigger mode")
		<-ctx.Done()
		return nil
	}

	e.log.Infow("Engine running", zap.Duration("triggerInterval", e.opts.triggerInterval))
	ticker := time.NewTicker(e.opts.triggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Infow("Stopping engine...")
			return nil
		case <-ticker.C:
			if err := e.TriggerNow(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				if EngineState(e.stateVal.Load()) == StateFailed {
					return err
				}
				// cycle aborted and rolled back, try again next trigger
			}
		}
	}
}

// TriggerNow runs one processing cycle to completion. Cycles never overlap; a
// concurrent call blocks until the in-flight cycle resolves.
func (e *Engine) TriggerNow(ctx context.Context) error {
	if err := e.ensureRecovered(ctx); err != nil {
		return err
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if EngineState(e.stateVal.Load()) == StateFailed {
		return ErrEngineFailed
	}
	if err := e.runCycle(ctx); err != nil {
		e.lastErr.Store(err.Error())
		return err
	}
	return nil
}

// ensureRecovered loads the latest checkpoint exactly once.
func (e *Engine) ensureRecovered(ctx context.Context) error {
	e.recoverOnce.Do(func() {
		e.recoverErr = e.recover(ctx)
		if e.recoverErr != nil {
			e.fail(e.recoverErr)
			return
		}
		e.setState(StateIdle)
	})
	if e.recoverErr != nil {
		return e.recoverErr
	}
	return nil
}

func (e *Engine) recover(ctx context.Context) error {
	e.setState(StateRecovering)
	epoch, blob, err := e.cpStore.GetLatest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		e.log.Infow("No checkpoint found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp, err := checkpoint.Decode(blob)
	if err != nil {
		// refuse to start rather than silently resetting
		return err
	}
	if cp.Epoch != epoch {
		return fmt.Errorf("%w: store returned epoch %d but blob contains %d", checkpoint.ErrCorrupt, epoch, cp.Epoch)
	}
	if cp.State.Aggregator != e.aggregator.Name() {
		return fmt.Errorf("checkpoint was written by aggregator %q, engine is configured with %q", cp.State.Aggregator, e.aggregator.Name())
	}
	e.restoreFrom(cp)
	e.log.Infow("Recovered from checkpoint", zap.Int64("epoch", cp.Epoch), zap.Int("openBuckets", len(cp.State.Entries)))
	return nil
}

func (e *Engine) restoreFrom(cp *checkpoint.Checkpoint) {
	e.offs.Restore(cp.Offsets)
	e.wm.Restore(cp.Watermark)
	e.store.Restore(cp.State)
	e.epoch = cp.Epoch
	e.lastCommitted = cp
	e.committed.Store(cp.Epoch)
	e.openBuckets.Store(int64(e.store.Len()))
	committedEpochGauge.WithLabelValues(e.id).Set(float64(cp.Epoch))
}

// rollback discards all effects of the in-progress cycle.
func (e *Engine) rollback() {
	cycleAbortCount.WithLabelValues(e.id).Inc()
	if e.lastCommitted != nil {
		e.offs.Restore(e.lastCommitted.Offsets)
		e.wm.Restore(e.lastCommitted.Watermark)
		e.store.Restore(e.lastCommitted.State)
		return
	}
	e.offs.Restore(nil)
	e.wm.Restore(watermark.Snapshot{Watermark: watermark.InitialWatermark.UnixMilli()})
	e.store.Restore(state.Snapshot{Aggregator: e.aggregator.Name()})
}

func (e *Engine) setState(s EngineState) {
	e.stateVal.Store(int32(s))
}

func (e *Engine) fail(err error) {
	e.setState(StateFailed)
	e.lastErr.Store(err.Error())
	e.log.Errorw("Engine failed", zap.Error(err))
}

// runCycle executes IDLE -> FETCHING -> PROCESSING -> COMMITTING -> IDLE.
// The caller holds cycleMu.
func (e *Engine) runCycle(ctx context.Context) error {
	cycleStartWm := e.wm.Current()

	// FETCHING
	e.setState(StateFetching)
	batch, err := e.fetchBatch(ctx)
	if err != nil {
		if errors.Is(err, offsets.ErrOrderViolation) {
			// the source broke its replay contract, recovery would diverge
			e.fail(err)
			return err
		}
		e.rollback()
		e.setState(StateIdle)
		e.log.Warnw("Cycle aborted during fetch", zap.Error(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		e.rollback()
		e.setState(StateIdle)
		return err
	}

	// PROCESSING
	e.setState(StateProcessing)
	e.applyBatch(batch, cycleStartWm)
	currentWm := e.wm.Current()
	results := e.store.EvictExpired(currentWm)
	if err := ctx.Err(); err != nil {
		e.rollback()
		e.setState(StateIdle)
		return err
	}

	// COMMITTING
	e.setState(StateCommitting)
	nextEpoch := e.epoch + 1
	cp := &checkpoint.Checkpoint{
		Epoch:     nextEpoch,
		Offsets:   e.offs.Committed(),
		Watermark: e.wm.Snapshot(),
		State:     e.store.Snapshot(),
	}
	if err := e.commit(ctx, cp, results); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.rollback()
			e.setState(StateIdle)
			return err
		}
		e.fail(err)
		return err
	}

	e.epoch = nextEpoch
	e.lastCommitted = cp
	e.committed.Store(nextEpoch)
	e.openBuckets.Store(int64(e.store.Len()))
	committedEpochGauge.WithLabelValues(e.id).Set(float64(nextEpoch))
	windowsClosedCount.WithLabelValues(e.id).Add(float64(len(results)))
	e.setState(StateIdle)

	e.log.Debugw("Cycle committed",
		zap.Int64("epoch", nextEpoch),
		zap.Int("records", len(batch)),
		zap.Int("finalized", len(results)),
		zap.Time("watermark", currentWm),
	)
	return nil
}

// fetchBatch pulls every partition concurrently and merges the results into
// one batch ordered by event time. Offsets are advanced per partition in
// fetch order, before the merge reorders anything.
func (e *Engine) fetchBatch(ctx context.Context) ([]*record.Record, error) {
	partitions := e.source.Partitions()
	fetched := make([][]*record.Record, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	for i, partition := range partitions {
		i, partition := i, partition
		g.Go(func() error {
			recs, err := e.fetchPartition(gctx, partition)
			if err != nil {
				return err
			}
			fetched[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var batch []*record.Record
	for _, recs := range fetched {
		for _, r := range recs {
			if err := e.offs.Advance(r.SourcePartition, r.Offset); err != nil {
				return nil, err
			}
			batch = append(batch, r)
		}
	}
	// one ordered batch: event time first, then partition/offset as the
	// deterministic tiebreak
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].EventTime.Equal(batch[j].EventTime) {
			return batch[i].EventTime.Before(batch[j].EventTime)
		}
		if batch[i].SourcePartition != batch[j].SourcePartition {
			return batch[i].SourcePartition < batch[j].SourcePartition
		}
		return batch[i].Offset < batch[j].Offset
	})
	recordsReadCount.WithLabelValues(e.id).Add(float64(len(batch)))
	return batch, nil
}

// fetchPartition reads one partition with bounded retries on transient
// failures.
func (e *Engine) fetchPartition(ctx context.Context, partition int32) ([]*record.Record, error) {
	afterOffset := e.offs.Last(partition)
	backoff := e.opts.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.opts.maxFetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		recs, err := e.source.Fetch(ctx, partition, afterOffset, e.opts.maxRecordsPerBatch)
		if err == nil {
			return recs, nil
		}
		lastErr = err
		if !errors.Is(err, sources.ErrTransient) {
			return nil, err
		}
		e.log.Warnw("Transient fetch failure", zap.Int32("partition", partition), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

// applyBatch assigns windows and folds records into the state store. A record
// whose window already closed before this cycle started is discarded and
// counted, never failed.
func (e *Engine) applyBatch(batch []*record.Record, cycleStartWm time.Time) {
	for _, r := range batch {
		for _, w := range e.assigner.AssignWindows(r.EventTime) {
			if !w.End.Add(e.allowedLateness).After(cycleStartWm) {
				// the window was finalized by an earlier committed cycle
				e.lateDiscards.Inc()
				lateDiscardCount.WithLabelValues(e.id).Inc()
				e.log.Debugw("Discarding late record", zap.String("record", r.ID()), zap.String("window", w.String()))
				continue
			}
			e.store.Update(window.Key{Window: w, GroupKey: r.Key}, r)
		}
		e.wm.Observe(r.SourcePartition, r.EventTime)
	}
}

// commit delivers the finalized results and persists the checkpoint. Retries
// re-run both steps verbatim with the same epoch; the sink contract makes the
// redelivery invisible.
func (e *Engine) commit(ctx context.Context, cp *checkpoint.Checkpoint, results []state.Result) error {
	blob, err := checkpoint.Encode(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	backoff := e.opts.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.opts.maxCommitRetries; attempt++ {
		if attempt > 0 {
			commitRetryCount.WithLabelValues(e.id).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = e.tryCommit(ctx, cp.Epoch, blob, results)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, sinks.ErrRejected) {
			return lastErr
		}
		e.log.Warnw("Commit attempt failed", zap.Int64("epoch", cp.Epoch), zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	return fmt.Errorf("%w: epoch %d: %v", ErrCommitExhausted, cp.Epoch, lastErr)
}

func (e *Engine) tryCommit(ctx context.Context, epoch int64, blob []byte, results []state.Result) error {
	// the sink must confirm delivery before the checkpoint lands; the
	// opposite order could lose finalized windows on a crash
	if len(results) > 0 {
		if err := e.sink.Write(ctx, epoch, results); err != nil {
			return err
		}
	}
	if err := e.cpStore.PutAtomic(ctx, epoch, blob); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}
