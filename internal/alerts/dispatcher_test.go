package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/config"
)

type fakeNotifier struct {
	name     string
	failures int
	calls    int
	sent     []*Message
}

func (n *fakeNotifier) Name() string {
	return n.name
}

func (n *fakeNotifier) Send(ctx context.Context, msg *Message) error {
	n.calls++
	if n.calls <= n.failures {
		return errors.New("transient failure")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	renderer, err := NewRenderer(nil)
	if err != nil {
		t.Fatalf("failed to build renderer: %v", err)
	}
	cfg := config.NotifyConfig{MaxAttempts: 3, RetryInterval: time.Millisecond, Timeout: time.Second}
	return NewDispatcher(renderer, cfg, "http://dash.local/", zerolog.Nop())
}

func testNotification(sev Severity, event EventType) Notification {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := &Instance{
		ID:             "inst-1",
		RuleName:       "pnl_drop",
		GroupKey:       "pnl_drop",
		Severity:       sev,
		BaseSeverity:   sev,
		State:          StateActive,
		Message:        "condition met",
		FirstTriggered: now,
		LastTriggered:  now,
		MemberCount:    1,
	}
	return Notification{Event: event, Instance: in, Rule: &Rule{Name: "pnl_drop"}}
}

func TestDispatchDeliversToAllChannels(t *testing.T) {
	d := newTestDispatcher(t)
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	d.Register(a, config.ChannelSettings{})
	d.Register(b, config.ChannelSettings{})

	results := d.Dispatch(context.Background(), testNotification(SeverityHigh, EventTriggered))
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Status != DeliverySent || res.Attempts != 1 {
			t.Errorf("unexpected result: %+v", res)
		}
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("expected both channels to receive the message")
	}
	if a.sent[0].Subject != "[high] pnl_drop" {
		t.Errorf("unexpected subject: %q", a.sent[0].Subject)
	}
	if !strings.Contains(a.sent[0].Body, "condition met") {
		t.Errorf("body missing message: %q", a.sent[0].Body)
	}
	if a.sent[0].DashboardURL != "http://dash.local/alerts/inst-1" {
		t.Errorf("unexpected deep link: %q", a.sent[0].DashboardURL)
	}
}

func TestDispatchHonorsRuleChannelList(t *testing.T) {
	d := newTestDispatcher(t)
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	d.Register(a, config.ChannelSettings{})
	d.Register(b, config.ChannelSettings{})

	n := testNotification(SeverityHigh, EventTriggered)
	n.Rule.Channels = []string{"b"}

	results := d.Dispatch(context.Background(), n)
	if len(results) != 1 || results[0].Channel != "b" {
		t.Errorf("expected only channel b, got %+v", results)
	}
	if len(a.sent) != 0 {
		t.Error("channel a should not receive the message")
	}
}

func TestDispatchFiltersBySeverity(t *testing.T) {
	d := newTestDispatcher(t)
	pager := &fakeNotifier{name: "pager"}
	d.Register(pager, config.ChannelSettings{MinSeverity: "high"})

	if results := d.Dispatch(context.Background(), testNotification(SeverityLow, EventTriggered)); len(results) != 0 {
		t.Errorf("low severity should be filtered, got %+v", results)
	}
	if results := d.Dispatch(context.Background(), testNotification(SeverityCritical, EventTriggered)); len(results) != 1 {
		t.Errorf("critical severity should pass, got %+v", results)
	}
}

func TestDispatchResolvedOnlyToSubscribers(t *testing.T) {
	d := newTestDispatcher(t)
	quiet := &fakeNotifier{name: "quiet"}
	chatty := &fakeNotifier{name: "chatty"}
	d.Register(quiet, config.ChannelSettings{})
	d.Register(chatty, config.ChannelSettings{NotifyOnResolve: true})

	results := d.Dispatch(context.Background(), testNotification(SeverityHigh, EventResolved))
	if len(results) != 1 || results[0].Channel != "chatty" {
		t.Errorf("expected only the subscribed channel, got %+v", results)
	}
	if len(chatty.sent) != 1 || !strings.HasPrefix(chatty.sent[0].Subject, "[resolved]") {
		t.Errorf("expected the resolved template, got %+v", chatty.sent)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	d := newTestDispatcher(t)
	flaky := &fakeNotifier{name: "flaky", failures: 2}
	d.Register(flaky, config.ChannelSettings{})

	results := d.Dispatch(context.Background(), testNotification(SeverityHigh, EventTriggered))
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != DeliverySent || results[0].Attempts != 3 {
		t.Errorf("expected success on third attempt, got %+v", results[0])
	}
}

func TestDispatchMarksFailedAfterExhaustion(t *testing.T) {
	d := newTestDispatcher(t)
	down := &fakeNotifier{name: "down", failures: 100}
	d.Register(down, config.ChannelSettings{})

	results := d.Dispatch(context.Background(), testNotification(SeverityHigh, EventTriggered))
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != DeliveryFailed || results[0].Attempts != 3 || results[0].Err == nil {
		t.Errorf("expected failure after 3 attempts, got %+v", results[0])
	}
}

func TestDispatchThrottlesPerChannel(t *testing.T) {
	d := newTestDispatcher(t)
	limited := &fakeNotifier{name: "limited"}
	open := &fakeNotifier{name: "open"}
	d.Register(limited, config.ChannelSettings{RateLimitPerMinute: 2})
	d.Register(open, config.ChannelSettings{})

	var statuses []DeliveryStatus
	for i := 0; i < 3; i++ {
		results := d.Dispatch(context.Background(), testNotification(SeverityHigh, EventTriggered))
		for _, res := range results {
			if res.Channel == "limited" {
				statuses = append(statuses, res.Status)
			}
		}
	}

	if len(statuses) != 3 || statuses[0] != DeliverySent || statuses[1] != DeliverySent || statuses[2] != DeliveryThrottled {
		t.Errorf("expected sent, sent, throttled, got %v", statuses)
	}
	if len(open.sent) != 3 {
		t.Errorf("unlimited channel should receive all 3, got %d", len(open.sent))
	}
}

func TestRendererSeverityTemplates(t *testing.T) {
	renderer, err := NewRenderer(map[string]config.TemplateConfig{
		"critical": {Subject: "PAGE NOW: {{.AlertType}}", Body: "{{.Message}} at {{.Timestamp.Format \"15:04\"}}"},
	})
	if err != nil {
		t.Fatalf("failed to build renderer: %v", err)
	}

	n := testNotification(SeverityCritical, EventTriggered)
	msg, err := renderer.Render(EventTriggered, n.Instance, "", time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("failed to render: %v", err)
	}
	if msg.Subject != "PAGE NOW: pnl_drop" {
		t.Errorf("unexpected subject: %q", msg.Subject)
	}
	if msg.Body != "condition met at 09:30" {
		t.Errorf("unexpected body: %q", msg.Body)
	}

	// Severities without an override fall back to the default template.
	n = testNotification(SeverityHigh, EventTriggered)
	msg, err = renderer.Render(EventTriggered, n.Instance, "", time.Now())
	if err != nil {
		t.Fatalf("failed to render: %v", err)
	}
	if msg.Subject != "[high] pnl_drop" {
		t.Errorf("unexpected fallback subject: %q", msg.Subject)
	}
}

func TestRendererRejectsBadTemplate(t *testing.T) {
	_, err := NewRenderer(map[string]config.TemplateConfig{
		"high": {Subject: "{{.Broken"},
	})
	if err == nil {
		t.Fatal("expected template parse error")
	}
}
