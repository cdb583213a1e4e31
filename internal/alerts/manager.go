package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/condition"
	"github.com/savegress/pulsewatch/internal/metrics"
)

// ErrNotFound is returned when no open instance matches the requested id.
var ErrNotFound = errors.New("alert instance not found")

// RecordStore persists history records and instance states. The manager
// logs and counts persistence failures without stopping the cycle.
type RecordStore interface {
	AppendRecord(rec *Record) error
	SaveInstance(in *Instance) error
}

// NotificationSink dispatches lifecycle notifications. The manager calls it
// outside its lock; implementations decide which channels want the event.
type NotificationSink interface {
	Dispatch(ctx context.Context, n Notification) []DeliveryResult
}

type instanceKey struct {
	rule  string
	group string
}

// Manager owns the alert state machine. All transitions for a cycle happen
// under one lock, then notifications are dispatched unlocked and their
// outcomes recorded afterwards.
type Manager struct {
	mu           sync.RWMutex
	rules        []*Rule
	instances    map[instanceKey]*Instance
	lastNotified map[instanceKey]time.Time
	store        RecordStore
	sink         NotificationSink
	logger       zerolog.Logger
	now          func() time.Time

	persistFailures atomic.Int64
}

// EvalStats summarizes one evaluation pass.
type EvalStats struct {
	Triggered  int
	Grouped    int
	Suppressed int
	Renotified int
	Escalated  int
	Resolved   int
	Unknown    int
}

// NewManager creates a manager persisting through store and notifying
// through sink.
func NewManager(store RecordStore, sink NotificationSink, logger zerolog.Logger) *Manager {
	return &Manager{
		instances:    make(map[instanceKey]*Instance),
		lastNotified: make(map[instanceKey]time.Time),
		store:        store,
		sink:         sink,
		logger:       logger,
		now:          time.Now,
	}
}

// SetRules replaces the active rule set. Callers swap rules between cycles,
// never mid-cycle.
func (m *Manager) SetRules(rules []*Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

// Rules returns the active rule set.
func (m *Manager) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Rule(nil), m.rules...)
}

// Restore seeds the manager with instances that were open when the process
// last stopped, so an alert active across a restart resolves instead of
// leaking.
func (m *Manager) Restore(instances []*Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range instances {
		if in.State == StateResolved {
			continue
		}
		key := instanceKey{rule: in.RuleName, group: in.GroupKey}
		m.instances[key] = in
		if in.LastNotified != nil {
			m.lastNotified[key] = *in.LastNotified
		}
	}
}

// PersistFailures returns how many record or instance writes have failed.
func (m *Manager) PersistFailures() int64 {
	return m.persistFailures.Load()
}

// Evaluate runs every enabled rule against the snapshot and advances the
// state machine. Transitions are computed under the lock; dispatching to
// channels happens after it is released.
func (m *Manager) Evaluate(ctx context.Context, snap *metrics.Snapshot) EvalStats {
	m.mu.Lock()

	now := m.now()
	var stats EvalStats
	var pending []Notification
	enabled := make(map[string]bool, len(m.rules))

	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		enabled[rule.Name] = true

		result, detail := rule.Condition.Eval(snap)
		switch result {
		case condition.True:
			pending = append(pending, m.trigger(rule, snap, detail, now, &stats)...)
		case condition.False:
			pending = append(pending, m.resolveRule(rule, now, &stats)...)
		case condition.Unknown:
			stats.Unknown++
			m.logger.Warn().
				Str("rule", rule.Name).
				Strs("missing", detail.Missing).
				Strs("mismatched", detail.Mismatched).
				Msg("condition unknown, rule not evaluated this cycle")
		}
	}

	// Instances whose rule disappeared or was disabled on reload resolve
	// quietly; their routing config is gone.
	for key, in := range m.instances {
		if enabled[key.rule] {
			continue
		}
		m.logger.Info().
			Str("rule", key.rule).
			Str("instance", in.ID).
			Msg("rule removed or disabled, resolving orphaned instance")
		m.resolve(in, key, now)
		stats.Resolved++
	}

	pending = append(pending, m.sweepEscalations(now, &stats)...)

	m.mu.Unlock()

	for _, n := range pending {
		results := m.sink.Dispatch(ctx, n)
		m.recordDeliveries(n, results)
	}
	return stats
}

// trigger handles a true condition for one rule. The caller holds the lock.
func (m *Manager) trigger(rule *Rule, snap *metrics.Snapshot, detail condition.Detail, now time.Time, stats *EvalStats) []Notification {
	key := instanceKey{rule: rule.Name, group: m.groupKey(rule, snap)}
	in, open := m.instances[key]

	if open && rule.GroupWindow > 0 && now.Sub(in.FirstTriggered) > rule.GroupWindow {
		// The grouping window ended; close this instance so the trigger
		// opens a fresh one.
		in.State = StateResolved
		ts := now
		in.ResolvedAt = &ts
		m.append(m.record(in, EventGroupClosed, now))
		m.save(in)
		delete(m.instances, key)
		m.logger.Info().
			Str("rule", rule.Name).
			Str("group", key.group).
			Int("members", in.MemberCount).
			Msg("grouping window closed")
		open = false
	}

	if open {
		in.LastTriggered = now

		if rule.GroupWindow > 0 {
			// Members collapse into the open instance and never dispatch.
			// The count stops at the cap but every member is recorded.
			if rule.GroupMax <= 0 || in.MemberCount < rule.GroupMax {
				in.MemberCount++
			}
			stats.Grouped++
			m.append(m.record(in, EventGrouped, now))
			m.save(in)
			return nil
		}

		if m.cooledDown(key, rule, now) {
			ts := now
			in.LastNotified = &ts
			m.lastNotified[key] = now
			stats.Renotified++
			m.append(m.record(in, EventRenotified, now))
			m.save(in)
			m.logger.Info().
				Str("rule", rule.Name).
				Str("instance", in.ID).
				Msg("condition still true past cooldown, notifying again")
			return []Notification{{Event: EventRenotified, Instance: in.Clone(), Rule: rule}}
		}

		stats.Suppressed++
		m.append(m.record(in, EventSuppressedDuplicate, now))
		m.save(in)
		return nil
	}

	in = &Instance{
		ID:             uuid.New().String(),
		RuleName:       rule.Name,
		GroupKey:       key.group,
		Severity:       rule.Severity,
		BaseSeverity:   rule.Severity,
		State:          StateActive,
		Message:        formatMessage(rule, detail),
		FirstTriggered: now,
		LastTriggered:  now,
		MemberCount:    1,
	}
	m.instances[key] = in
	stats.Triggered++
	m.append(m.record(in, EventTriggered, now))
	m.logger.Info().
		Str("rule", rule.Name).
		Str("group", key.group).
		Str("severity", string(in.Severity)).
		Msg("alert triggered")

	if !m.cooledDown(key, rule, now) {
		// A notification for this key went out recently; record the new
		// activation without dispatching another one.
		stats.Suppressed++
		m.append(m.record(in, EventSuppressedDuplicate, now))
		m.save(in)
		return nil
	}

	ts := now
	in.LastNotified = &ts
	m.lastNotified[key] = now
	m.save(in)
	return []Notification{{Event: EventTriggered, Instance: in.Clone(), Rule: rule}}
}

// resolveRule closes every open instance of the rule. Only an explicit
// false resolves; unknown never reaches here.
func (m *Manager) resolveRule(rule *Rule, now time.Time, stats *EvalStats) []Notification {
	var out []Notification
	for key, in := range m.instances {
		if key.rule != rule.Name {
			continue
		}
		m.resolve(in, key, now)
		stats.Resolved++
		m.logger.Info().
			Str("rule", rule.Name).
			Str("instance", in.ID).
			Msg("condition cleared, alert resolved")
		out = append(out, Notification{Event: EventResolved, Instance: in.Clone(), Rule: rule})
	}
	return out
}

func (m *Manager) resolve(in *Instance, key instanceKey, now time.Time) {
	in.State = StateResolved
	ts := now
	in.ResolvedAt = &ts
	m.append(m.record(in, EventResolved, now))
	m.save(in)
	delete(m.instances, key)
}

// sweepEscalations promotes instances that stayed active past their rule's
// escalation delay. Each instance escalates exactly once; the notification
// bypasses cooldown.
func (m *Manager) sweepEscalations(now time.Time, stats *EvalStats) []Notification {
	var out []Notification
	for key, in := range m.instances {
		rule := m.ruleByName(key.rule)
		if rule == nil || rule.EscalateAfter <= 0 || in.State != StateActive {
			continue
		}
		if now.Sub(in.FirstTriggered) < rule.EscalateAfter {
			continue
		}

		in.State = StateEscalated
		in.Severity = in.BaseSeverity.Escalate(rule.EscalateBy)
		ts := now
		in.EscalatedAt = &ts
		in.LastNotified = &ts
		m.lastNotified[key] = now
		stats.Escalated++
		m.append(m.record(in, EventEscalated, now))
		m.save(in)
		m.logger.Warn().
			Str("rule", rule.Name).
			Str("instance", in.ID).
			Str("severity", string(in.Severity)).
			Dur("open_for", now.Sub(in.FirstTriggered)).
			Msg("alert escalated")
		out = append(out, Notification{Event: EventEscalated, Instance: in.Clone(), Rule: rule})
	}
	return out
}

// Acknowledge marks an open instance as seen by an operator. Acknowledging
// does not stop escalation or resolution.
func (m *Manager) Acknowledge(id, by string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.instances {
		if in.ID != id {
			continue
		}
		if !in.Acknowledged {
			now := m.now()
			in.Acknowledged = true
			in.AcknowledgedBy = by
			in.AcknowledgedAt = &now
			m.append(m.record(in, EventAcknowledged, now))
			m.save(in)
		}
		return in.Clone(), nil
	}
	return nil, ErrNotFound
}

// ResolveInstance closes an open instance by hand, recorded but not
// notified. The condition re-triggering next cycle will open a new one.
func (m *Manager) ResolveInstance(id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, in := range m.instances {
		if in.ID != id {
			continue
		}
		m.resolve(in, key, m.now())
		return in.Clone(), nil
	}
	return nil, ErrNotFound
}

// Active returns open instances matching the filter, oldest first.
func (m *Manager) Active(filter Filter) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Instance
	for _, in := range m.instances {
		if filter.Rule != "" && in.RuleName != filter.Rule {
			continue
		}
		if filter.State != "" && in.State != filter.State {
			continue
		}
		if filter.Severity != "" && in.Severity != filter.Severity {
			continue
		}
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstTriggered.Before(out[j].FirstTriggered)
	})
	return out
}

// Summary aggregates the open instances.
func (m *Manager) Summary() *Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &Summary{
		ByState:    make(map[string]int),
		BySeverity: make(map[string]int),
		ByRule:     make(map[string]int),
	}
	for _, in := range m.instances {
		summary.Open++
		summary.ByState[string(in.State)]++
		summary.BySeverity[string(in.Severity)]++
		summary.ByRule[in.RuleName]++
		if in.Acknowledged {
			summary.Acknowledged++
		}
	}
	return summary
}

func (m *Manager) groupKey(rule *Rule, snap *metrics.Snapshot) string {
	if rule.GroupBy == "" {
		return rule.Name
	}
	if v, ok := snap.Field(rule.GroupBy); ok {
		return v.String()
	}
	return rule.Name
}

func (m *Manager) ruleByName(name string) *Rule {
	for _, rule := range m.rules {
		if rule.Name == name {
			return rule
		}
	}
	return nil
}

func (m *Manager) cooledDown(key instanceKey, rule *Rule, now time.Time) bool {
	last, ok := m.lastNotified[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= rule.Cooldown
}

func formatMessage(rule *Rule, detail condition.Detail) string {
	if rule.Message != "" {
		return rule.Message
	}
	if len(detail.Observed) == 0 {
		return fmt.Sprintf("condition %q satisfied", rule.ConditionText)
	}
	names := make([]string, 0, len(detail.Observed))
	for name := range detail.Observed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, detail.Observed[name].String()))
	}
	return fmt.Sprintf("condition %q satisfied (%s)", rule.ConditionText, strings.Join(parts, ", "))
}

func (m *Manager) record(in *Instance, event EventType, now time.Time) *Record {
	return &Record{
		ID:          uuid.New().String(),
		Time:        now,
		Event:       event,
		InstanceID:  in.ID,
		RuleName:    in.RuleName,
		GroupKey:    in.GroupKey,
		Severity:    in.Severity,
		State:       in.State,
		Message:     in.Message,
		MemberCount: in.MemberCount,
	}
}

func (m *Manager) append(rec *Record) {
	if err := m.store.AppendRecord(rec); err != nil {
		m.persistFailures.Add(1)
		m.logger.Error().
			Err(err).
			Str("event", string(rec.Event)).
			Str("rule", rec.RuleName).
			Msg("failed to persist alert record")
	}
}

func (m *Manager) save(in *Instance) {
	if err := m.store.SaveInstance(in); err != nil {
		m.persistFailures.Add(1)
		m.logger.Error().
			Err(err).
			Str("instance", in.ID).
			Msg("failed to persist alert instance")
	}
}

// recordDeliveries writes one record per channel outcome and mirrors the
// latest status onto the instance if it is still open.
func (m *Manager) recordDeliveries(n Notification, results []DeliveryResult) {
	if len(results) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := instanceKey{rule: n.Instance.RuleName, group: n.Instance.GroupKey}
	live := m.instances[key]
	if live != nil && live.ID != n.Instance.ID {
		live = nil
	}

	for _, res := range results {
		rec := m.record(n.Instance, EventDelivery, now)
		rec.Channel = res.Channel
		rec.DeliveryStatus = res.Status
		m.append(rec)
		if live != nil {
			if live.Delivery == nil {
				live.Delivery = make(map[string]DeliveryStatus)
			}
			live.Delivery[res.Channel] = res.Status
		}
	}
	if live != nil {
		m.save(live)
	}
}
