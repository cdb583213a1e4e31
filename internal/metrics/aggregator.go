package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/config"
	"github.com/savegress/pulsewatch/internal/drift"
)

// sourceEntry carries the per-source fetch state the aggregator keeps
// between cycles: the last-known-good fragment and when it was obtained.
type sourceEntry struct {
	cfg         config.SourceConfig
	fetcher     Fetcher
	lastGood    map[string]Value
	lastSuccess time.Time
	lastErr     error
	lastState   string
}

// Aggregator fans out one fetch per enabled source each cycle and merges the
// fragments into a single snapshot, substituting stale fallbacks where a
// source failed recently enough.
type Aggregator struct {
	mu      sync.Mutex
	sources []*sourceEntry
	logger  zerolog.Logger
	drift   *drift.Tracker
	now     func() time.Time
}

// NewAggregator builds an aggregator over the configured sources.
func NewAggregator(cfgs []config.SourceConfig, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		logger: logger,
		drift:  drift.NewTracker(logger),
		now:    time.Now,
	}
	for _, cfg := range cfgs {
		a.sources = append(a.sources, &sourceEntry{
			cfg:       cfg,
			fetcher:   NewFetcher(cfg),
			lastState: SourcePending,
		})
	}
	return a
}

type fetchResult struct {
	entry  *sourceEntry
	fields map[string]Value
	err    error
}

// Collect runs one collection cycle. Fetches run concurrently, each bounded
// by its source's own timeout, so one slow endpoint cannot delay the rest.
// Cancelling ctx abandons in-flight fetches at their timeout boundary.
func (a *Aggregator) Collect(ctx context.Context) *Snapshot {
	var enabled []*sourceEntry
	for _, e := range a.sources {
		if e.cfg.IsEnabled() {
			enabled = append(enabled, e)
		}
	}

	resultCh := make(chan fetchResult, len(enabled))
	var wg sync.WaitGroup
	for _, e := range enabled {
		wg.Add(1)
		go func(e *sourceEntry) {
			defer wg.Done()
			fields, err := e.fetcher.Fetch(ctx)
			resultCh <- fetchResult{entry: e, fields: fields, err: err}
		}(e)
	}
	wg.Wait()
	close(resultCh)

	results := make([]fetchResult, 0, len(enabled))
	for res := range resultCh {
		results = append(results, res)
	}
	// Merge in a fixed order so overlapping field names resolve the same way
	// every cycle.
	sort.Slice(results, func(i, j int) bool {
		return results[i].entry.cfg.ID < results[j].entry.cfg.ID
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	snap := &Snapshot{
		Timestamp: now,
		Fields:    make(map[string]Value),
		Origin:    make(map[string]Provenance),
	}

	for _, res := range results {
		e := res.entry
		if res.err == nil {
			e.lastGood = res.fields
			e.lastSuccess = now
			e.lastErr = nil
			e.lastState = SourceFresh
			a.drift.Observe(e.cfg.ID, fieldKinds(res.fields))
			mergeFields(snap, res.fields, Provenance{SourceID: e.cfg.ID})
			continue
		}

		e.lastErr = res.err
		age := now.Sub(e.lastSuccess)
		if !e.lastSuccess.IsZero() && age <= e.cfg.MaxStaleness {
			e.lastState = SourceStale
			a.logger.Warn().
				Str("source", e.cfg.ID).
				Err(res.err).
				Dur("age", age).
				Msg("fetch failed, serving stale fields")
			mergeFields(snap, e.lastGood, Provenance{SourceID: e.cfg.ID, Stale: true})
		} else {
			// Beyond max staleness the fields stay absent from the snapshot.
			// Rules referencing them evaluate unknown, never zero.
			e.lastState = SourceMissing
			a.logger.Error().
				Str("source", e.cfg.ID).
				Err(res.err).
				Msg("fetch failed beyond staleness limit, fields missing")
		}
	}

	a.derive(snap)
	return snap
}

func mergeFields(snap *Snapshot, fields map[string]Value, prov Provenance) {
	for name, v := range fields {
		snap.Fields[name] = v
		snap.Origin[name] = prov
	}
}

func fieldKinds(fields map[string]Value) map[string]string {
	kinds := make(map[string]string, len(fields))
	for name, v := range fields {
		kinds[name] = v.Kind.String()
	}
	return kinds
}

// derive appends the composite fields rules can address like any metric:
// overall status, source counts, and the fraction of sources that answered.
func (a *Aggregator) derive(snap *Snapshot) {
	var total, fresh int
	var criticalMissing, degraded bool
	for _, e := range a.sources {
		if !e.cfg.IsEnabled() {
			continue
		}
		total++
		switch e.lastState {
		case SourceFresh:
			fresh++
		case SourceStale:
			degraded = true
		case SourceMissing:
			degraded = true
			if e.cfg.Critical {
				criticalMissing = true
			}
		}
	}

	status := "online"
	if criticalMissing {
		status = "offline"
	} else if degraded {
		status = "degraded"
	}
	completeness := 1.0
	if total > 0 {
		completeness = float64(fresh) / float64(total)
	}

	self := Provenance{SourceID: "aggregator"}
	snap.Fields["system.status"] = StringValue(status)
	snap.Fields["system.sources_total"] = NumberValue(float64(total))
	snap.Fields["system.sources_fresh"] = NumberValue(float64(fresh))
	snap.Fields["system.data_completeness"] = NumberValue(completeness)
	for _, name := range []string{"system.status", "system.sources_total", "system.sources_fresh", "system.data_completeness"} {
		snap.Origin[name] = self
	}
}

// FieldChanges reports recent payload shape changes, newest first. A
// rule stuck on unknown usually traces back to one of these.
func (a *Aggregator) FieldChanges(limit int) []drift.Change {
	return a.drift.Recent(limit)
}

// SourceStates reports per-source freshness for the health probe.
func (a *Aggregator) SourceStates() []SourceState {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := make([]SourceState, 0, len(a.sources))
	for _, e := range a.sources {
		st := SourceState{
			ID:       e.cfg.ID,
			State:    e.lastState,
			Critical: e.cfg.Critical,
		}
		if !e.cfg.IsEnabled() {
			st.State = SourceDisabled
		}
		if !e.lastSuccess.IsZero() {
			ls := e.lastSuccess
			st.LastSuccess = &ls
			st.AgeSeconds = now.Sub(e.lastSuccess).Seconds()
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
