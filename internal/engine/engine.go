// Package engine drives the collection cycle: aggregate all sources,
// persist the snapshot, evaluate rules, dispatch notifications.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/alerts"
	"github.com/savegress/pulsewatch/internal/metrics"
)

// SnapshotSink persists the snapshot each cycle produces.
type SnapshotSink interface {
	Append(snap *metrics.Snapshot)
	Flush() error
}

// Engine runs the pipeline at a fixed interval. Cycles are serialized:
// when one overruns the interval, the next tick is skipped and counted
// rather than queued behind it.
type Engine struct {
	aggregator *metrics.Aggregator
	manager    *alerts.Manager
	snapshots  SnapshotSink
	logger     zerolog.Logger
	interval   time.Duration

	inCycle         atomic.Bool
	cycles          atomic.Int64
	skipped         atomic.Int64
	persistFailures atomic.Int64

	mu        sync.RWMutex
	running   bool
	lastCycle time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// Health is the liveness view served by the health endpoint.
type Health struct {
	Status          string                `json:"status"`
	Interval        string                `json:"interval"`
	LastCycle       *time.Time            `json:"last_cycle,omitempty"`
	CycleAgeSeconds float64               `json:"cycle_age_seconds,omitempty"`
	Cycles          int64                 `json:"cycles_completed"`
	SkippedCycles   int64                 `json:"cycles_skipped"`
	PersistFailures int64                 `json:"persist_failures"`
	Sources         []metrics.SourceState `json:"sources"`
}

// NewEngine creates a cycle driver. Start must be called to begin polling.
func NewEngine(aggregator *metrics.Aggregator, manager *alerts.Manager, snapshots SnapshotSink, interval time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		aggregator: aggregator,
		manager:    manager,
		snapshots:  snapshots,
		logger:     logger,
		interval:   interval,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the polling loop. The first cycle runs immediately so
// startup does not wait a full interval for data.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop halts the loop and waits for any in-flight cycle. Cancelling the
// context passed to Start aborts in-flight fetches at their timeout
// boundary, so shutdown never blocks on a slow source.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.running {
		close(e.stopCh)
		e.running = false
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	e.launch(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.launch(ctx)
		}
	}
}

// launch starts one cycle unless the previous one is still running, in
// which case the tick is dropped and the skip counted.
func (e *Engine) launch(ctx context.Context) {
	if !e.inCycle.CompareAndSwap(false, true) {
		n := e.skipped.Add(1)
		e.logger.Warn().
			Int64("skipped_total", n).
			Dur("interval", e.interval).
			Msg("previous cycle still running, skipping this tick")
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inCycle.Store(false)
		e.runCycle(ctx)
	}()
}

func (e *Engine) runCycle(ctx context.Context) {
	start := e.now()

	snap := e.aggregator.Collect(ctx)
	if ctx.Err() != nil {
		// Shutdown mid-fetch; a partial snapshot must not trigger rules.
		return
	}

	e.snapshots.Append(snap)
	if err := e.snapshots.Flush(); err != nil {
		n := e.persistFailures.Add(1)
		e.logger.Error().
			Err(err).
			Int64("persist_failures", n).
			Msg("failed to persist snapshot, dropping this cycle's write")
	}

	stats := e.manager.Evaluate(ctx, snap)

	done := e.now()
	e.mu.Lock()
	e.lastCycle = done
	e.mu.Unlock()
	total := e.cycles.Add(1)

	e.logger.Info().
		Int64("cycle", total).
		Dur("elapsed", done.Sub(start)).
		Int("fields", len(snap.Fields)).
		Int("triggered", stats.Triggered).
		Int("resolved", stats.Resolved).
		Int("suppressed", stats.Suppressed).
		Int("escalated", stats.Escalated).
		Int("unknown", stats.Unknown).
		Msg("cycle complete")
}

// Health reports cycle liveness. The status is degraded when no cycle has
// completed within twice the polling interval.
func (e *Engine) Health() Health {
	e.mu.RLock()
	last := e.lastCycle
	e.mu.RUnlock()

	h := Health{
		Status:          "ok",
		Interval:        e.interval.String(),
		Cycles:          e.cycles.Load(),
		SkippedCycles:   e.skipped.Load(),
		PersistFailures: e.persistFailures.Load() + e.manager.PersistFailures(),
		Sources:         e.aggregator.SourceStates(),
	}
	if last.IsZero() {
		h.Status = "starting"
		return h
	}

	age := e.now().Sub(last)
	h.LastCycle = &last
	h.CycleAgeSeconds = age.Seconds()
	if age > 2*e.interval {
		h.Status = "degraded"
	}
	return h
}
