package alerts

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies alert importance. The set is closed; config
// validation and ParseSeverity reject anything else.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity validates s against the known severities.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Rank returns the numeric order of the severity, higher is more severe.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Escalate raises the severity by delta steps, clamped at critical.
func (s Severity) Escalate(delta int) Severity {
	idx := s.Rank() - 1 + delta
	if idx >= len(severityOrder) {
		idx = len(severityOrder) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return severityOrder[idx]
}

// State is the lifecycle position of an alert instance. Pending is the
// conceptual creation state; promotion to active happens in the same cycle
// that creates the instance, so persisted instances are never pending.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateEscalated State = "escalated"
	StateResolved  State = "resolved"
)

// EventType labels history records as instances move through their
// lifecycle.
type EventType string

const (
	EventTriggered           EventType = "triggered"
	EventSuppressedDuplicate EventType = "suppressed_duplicate"
	EventGrouped             EventType = "grouped"
	EventRenotified          EventType = "renotified"
	EventEscalated           EventType = "escalated"
	EventResolved            EventType = "resolved"
	EventAcknowledged        EventType = "acknowledged"
	EventGroupClosed         EventType = "group_window_closed"
	EventDelivery            EventType = "delivery"
)

// DeliveryStatus is the outcome of one channel delivery.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryThrottled DeliveryStatus = "throttled"
)

// Instance is one activation of a rule for a group key. At most one
// non-resolved instance exists per (rule, group key) at any time.
type Instance struct {
	ID             string                    `json:"id"`
	RuleName       string                    `json:"rule_name"`
	GroupKey       string                    `json:"group_key"`
	Severity       Severity                  `json:"severity"`
	BaseSeverity   Severity                  `json:"base_severity"`
	State          State                     `json:"state"`
	Message        string                    `json:"message"`
	FirstTriggered time.Time                 `json:"first_triggered"`
	LastTriggered  time.Time                 `json:"last_triggered"`
	MemberCount    int                       `json:"member_count"`
	Acknowledged   bool                      `json:"acknowledged"`
	AcknowledgedBy string                    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time                `json:"acknowledged_at,omitempty"`
	LastNotified   *time.Time                `json:"last_notified,omitempty"`
	EscalatedAt    *time.Time                `json:"escalated_at,omitempty"`
	ResolvedAt     *time.Time                `json:"resolved_at,omitempty"`
	Delivery       map[string]DeliveryStatus `json:"delivery,omitempty"`
}

// Clone returns a deep copy safe to hand out after the manager's lock is
// released.
func (in *Instance) Clone() *Instance {
	out := *in
	out.AcknowledgedAt = cloneTime(in.AcknowledgedAt)
	out.LastNotified = cloneTime(in.LastNotified)
	out.EscalatedAt = cloneTime(in.EscalatedAt)
	out.ResolvedAt = cloneTime(in.ResolvedAt)
	if in.Delivery != nil {
		out.Delivery = make(map[string]DeliveryStatus, len(in.Delivery))
		for ch, status := range in.Delivery {
			out.Delivery[ch] = status
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Record is one append-only history row. Records are written once and never
// updated.
type Record struct {
	ID             string         `json:"id"`
	Time           time.Time      `json:"time"`
	Event          EventType      `json:"event"`
	InstanceID     string         `json:"instance_id"`
	RuleName       string         `json:"rule_name"`
	GroupKey       string         `json:"group_key"`
	Severity       Severity       `json:"severity"`
	State          State          `json:"state"`
	Message        string         `json:"message"`
	MemberCount    int            `json:"member_count"`
	Channel        string         `json:"channel,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
}

// Filter selects open instances.
type Filter struct {
	Rule     string
	State    State
	Severity Severity
}

// Summary aggregates the open instances.
type Summary struct {
	Open         int            `json:"open"`
	Acknowledged int            `json:"acknowledged"`
	ByState      map[string]int `json:"by_state"`
	BySeverity   map[string]int `json:"by_severity"`
	ByRule       map[string]int `json:"by_rule"`
}
