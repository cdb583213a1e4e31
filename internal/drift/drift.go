// Package drift tracks the shape of each source's payload between
// collection cycles. A field that disappears or changes type does not
// fail anything by itself: rules referencing it simply evaluate unknown
// from that cycle on. The tracker surfaces the shape change so an
// operator can trace the unknown back to the source that caused it.
package drift

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChangeType classifies one observed payload shape change.
type ChangeType string

const (
	FieldAdded   ChangeType = "field_added"
	FieldRemoved ChangeType = "field_removed"
	KindChanged  ChangeType = "kind_changed"
)

// Change records one difference between consecutive successful payloads
// of a source.
type Change struct {
	Type       ChangeType `json:"type"`
	SourceID   string     `json:"source"`
	Field      string     `json:"field"`
	OldKind    string     `json:"old_kind,omitempty"`
	NewKind    string     `json:"new_kind,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

// maxRecent bounds the in-memory change log.
const maxRecent = 200

// Tracker remembers the last seen field set per source and diffs each
// new payload against it.
type Tracker struct {
	mu     sync.Mutex
	shapes map[string]map[string]string // source -> field -> kind
	recent []Change
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		shapes: make(map[string]map[string]string),
		logger: logger,
		now:    time.Now,
	}
}

// Observe diffs fields, a map of field name to kind name, against the
// source's previously seen shape, then adopts fields as the new shape.
// The first payload from a source registers silently. Only successful
// fetches should be observed; a stale fallback replays old fields and
// would mask a removal.
func (t *Tracker) Observe(sourceID string, fields map[string]string) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.shapes[sourceID]
	next := make(map[string]string, len(fields))
	for name, kind := range fields {
		next[name] = kind
	}
	t.shapes[sourceID] = next

	if !seen {
		return nil
	}

	now := t.now()
	var changes []Change
	for name, kind := range next {
		old, ok := prev[name]
		switch {
		case !ok:
			changes = append(changes, Change{
				Type: FieldAdded, SourceID: sourceID, Field: name,
				NewKind: kind, DetectedAt: now,
			})
		case old != kind:
			changes = append(changes, Change{
				Type: KindChanged, SourceID: sourceID, Field: name,
				OldKind: old, NewKind: kind, DetectedAt: now,
			})
		}
	}
	for name, kind := range prev {
		if _, ok := next[name]; !ok {
			changes = append(changes, Change{
				Type: FieldRemoved, SourceID: sourceID, Field: name,
				OldKind: kind, DetectedAt: now,
			})
		}
	}
	if len(changes) == 0 {
		return nil
	}

	// Map iteration order is random; fix it so logs and queries are stable.
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Field != changes[j].Field {
			return changes[i].Field < changes[j].Field
		}
		return changes[i].Type < changes[j].Type
	})

	for _, c := range changes {
		ev := t.logger.Info()
		if c.Type != FieldAdded {
			// Removed or retyped fields push dependent rules to unknown.
			ev = t.logger.Warn()
		}
		ev.Str("source", c.SourceID).
			Str("field", c.Field).
			Str("change", string(c.Type)).
			Str("old_kind", c.OldKind).
			Str("new_kind", c.NewKind).
			Msg("source payload shape changed")
	}

	t.recent = append(t.recent, changes...)
	if n := len(t.recent) - maxRecent; n > 0 {
		t.recent = t.recent[n:]
	}
	return changes
}

// Recent returns up to limit recorded changes, newest first. A limit of
// zero or less returns everything retained.
func (t *Tracker) Recent(limit int) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	out := make([]Change, 0, limit)
	for i := len(t.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.recent[i])
	}
	return out
}
