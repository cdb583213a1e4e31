package alerts

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/savegress/pulsewatch/internal/config"
)

// Notification asks the dispatcher to fan one lifecycle event out. Rule is
// always set; it carries the channel allowlist.
type Notification struct {
	Event    EventType
	Instance *Instance
	Rule     *Rule
}

// DeliveryResult is the outcome of one channel delivery.
type DeliveryResult struct {
	Channel  string
	Status   DeliveryStatus
	Attempts int
	Err      error
}

// Notifier delivers a rendered message over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Message is a rendered notification handed to every channel.
type Message struct {
	AlertType    string
	Severity     Severity
	Event        EventType
	Timestamp    time.Time
	Subject      string
	Body         string
	Message      string
	GroupKey     string
	MemberCount  int
	DashboardURL string
	Instance     *Instance
}

const (
	defaultSubject = `[{{.Severity}}] {{.AlertType}}`
	defaultBody    = `Alert: {{.AlertType}}
Severity: {{.Severity}}
Event: {{.Event}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05"}}

{{.Message}}
`
	resolvedSubject = `[resolved] {{.AlertType}}`
	resolvedBody    = `Alert resolved: {{.AlertType}}
Severity: {{.Severity}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05"}}

{{.Message}}
`
)

type templatePair struct {
	subject *template.Template
	body    *template.Template
}

// Renderer fills notification templates, parsed once at construction. The
// template for an event is picked by severity name with a "default"
// fallback; resolutions always use "resolved".
type Renderer struct {
	templates map[string]*templatePair
}

// NewRenderer builds a renderer from the configured template overrides.
func NewRenderer(cfgs map[string]config.TemplateConfig) (*Renderer, error) {
	merged := map[string]config.TemplateConfig{
		"default":  {Subject: defaultSubject, Body: defaultBody},
		"resolved": {Subject: resolvedSubject, Body: resolvedBody},
	}
	for key, cfg := range cfgs {
		base := merged[key]
		if base.Subject == "" {
			base.Subject = defaultSubject
		}
		if base.Body == "" {
			base.Body = defaultBody
		}
		if cfg.Subject != "" {
			base.Subject = cfg.Subject
		}
		if cfg.Body != "" {
			base.Body = cfg.Body
		}
		merged[key] = base
	}

	r := &Renderer{templates: make(map[string]*templatePair, len(merged))}
	for key, cfg := range merged {
		subject, err := template.New(key + ".subject").Parse(cfg.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %q subject: %w", key, err)
		}
		body, err := template.New(key + ".body").Parse(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("template %q body: %w", key, err)
		}
		r.templates[key] = &templatePair{subject: subject, body: body}
	}
	return r, nil
}

// Render produces the message for one event.
func (r *Renderer) Render(event EventType, in *Instance, dashboardURL string, ts time.Time) (*Message, error) {
	key := string(in.Severity)
	if event == EventResolved {
		key = "resolved"
	}
	pair, ok := r.templates[key]
	if !ok {
		pair = r.templates["default"]
	}

	msg := &Message{
		AlertType:    in.RuleName,
		Severity:     in.Severity,
		Event:        event,
		Timestamp:    ts,
		Message:      in.Message,
		GroupKey:     in.GroupKey,
		MemberCount:  in.MemberCount,
		DashboardURL: dashboardURL,
		Instance:     in,
	}
	var subject, body bytes.Buffer
	if err := pair.subject.Execute(&subject, msg); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if err := pair.body.Execute(&body, msg); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	msg.Subject = strings.TrimSpace(subject.String())
	msg.Body = body.String()
	return msg, nil
}

type boundChannel struct {
	notifier        Notifier
	minSeverity     Severity
	notifyOnResolve bool
	limiter         *rate.Limiter
}

// Dispatcher fans notifications out to the channels subscribed to them,
// retrying transient failures with exponential backoff and rate limiting
// each channel independently.
type Dispatcher struct {
	channels     []*boundChannel
	renderer     *Renderer
	cfg          config.NotifyConfig
	dashboardURL string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewDispatcher creates a dispatcher with no channels registered.
func NewDispatcher(renderer *Renderer, cfg config.NotifyConfig, dashboardURL string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		renderer:     renderer,
		cfg:          cfg,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       logger,
		now:          time.Now,
	}
}

// Register adds a channel. An empty min severity admits everything; a zero
// rate limit means unlimited.
func (d *Dispatcher) Register(n Notifier, settings config.ChannelSettings) {
	ch := &boundChannel{
		notifier:        n,
		minSeverity:     SeverityLow,
		notifyOnResolve: settings.NotifyOnResolve,
	}
	if settings.MinSeverity != "" {
		if sev, err := ParseSeverity(settings.MinSeverity); err == nil {
			ch.minSeverity = sev
		}
	}
	if settings.RateLimitPerMinute > 0 {
		ch.limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(settings.RateLimitPerMinute)),
			settings.RateLimitPerMinute,
		)
	}
	d.channels = append(d.channels, ch)
}

// Dispatch renders the event once and walks the channels. Every channel
// outcome is returned so the caller can record it; a throttled channel is
// an outcome, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) []DeliveryResult {
	var results []DeliveryResult
	var msg *Message

	for _, ch := range d.channels {
		if !d.wants(ch, n) {
			continue
		}
		if msg == nil {
			rendered, err := d.renderer.Render(n.Event, n.Instance, d.deepLink(n.Instance), d.now())
			if err != nil {
				d.logger.Error().
					Err(err).
					Str("rule", n.Instance.RuleName).
					Msg("failed to render notification")
				return results
			}
			msg = rendered
		}

		name := ch.notifier.Name()
		if ch.limiter != nil && !ch.limiter.Allow() {
			d.logger.Warn().
				Str("channel", name).
				Str("rule", n.Instance.RuleName).
				Msg("notification throttled by channel rate limit")
			results = append(results, DeliveryResult{Channel: name, Status: DeliveryThrottled})
			continue
		}

		attempts, err := d.send(ctx, ch.notifier, msg)
		res := DeliveryResult{Channel: name, Status: DeliverySent, Attempts: attempts}
		if err != nil {
			res.Status = DeliveryFailed
			res.Err = err
			d.logger.Error().
				Err(err).
				Str("channel", name).
				Str("rule", n.Instance.RuleName).
				Int("attempts", attempts).
				Msg("notification delivery failed")
		} else {
			d.logger.Info().
				Str("channel", name).
				Str("rule", n.Instance.RuleName).
				Str("event", string(n.Event)).
				Msg("notification sent")
		}
		results = append(results, res)
	}
	return results
}

func (d *Dispatcher) wants(ch *boundChannel, n Notification) bool {
	if n.Event == EventResolved && !ch.notifyOnResolve {
		return false
	}
	if len(n.Rule.Channels) > 0 && !containsString(n.Rule.Channels, ch.notifier.Name()) {
		return false
	}
	return n.Instance.Severity.AtLeast(ch.minSeverity)
}

func (d *Dispatcher) send(ctx context.Context, n Notifier, msg *Message) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		sctx := ctx
		if d.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
		}
		return n.Send(sctx, msg)
	}

	bo := backoff.NewExponentialBackOff()
	if d.cfg.RetryInterval > 0 {
		bo.InitialInterval = d.cfg.RetryInterval
	}
	var policy backoff.BackOff = bo
	if d.cfg.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(d.cfg.MaxAttempts-1))
	}
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	return attempts, err
}

func (d *Dispatcher) deepLink(in *Instance) string {
	if d.dashboardURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/alerts/%s", d.dashboardURL, in.ID)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
