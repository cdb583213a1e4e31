package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/savegress/pulsewatch/internal/bus"
	"github.com/savegress/pulsewatch/internal/config"
)

// EventPayload is the JSON body published to webhooks and the message bus.
type EventPayload struct {
	EventType    string    `json:"event_type"`
	Alert        *Instance `json:"alert"`
	Subject      string    `json:"subject"`
	Message      string    `json:"message"`
	DashboardURL string    `json:"dashboard_url,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func payloadFor(msg *Message) EventPayload {
	return EventPayload{
		EventType:    string(msg.Event),
		Alert:        msg.Instance,
		Subject:      msg.Subject,
		Message:      msg.Message,
		DashboardURL: msg.DashboardURL,
		Timestamp:    msg.Timestamp,
	}
}

// MailNotifier sends alerts over SMTP.
type MailNotifier struct {
	host     string
	port     int
	from     string
	to       []string
	username string
	password string
}

// NewMailNotifier creates a mail notifier.
func NewMailNotifier(cfg config.MailConfig) *MailNotifier {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &MailNotifier{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		from:     from,
		to:       cfg.To,
		username: cfg.Username,
		password: cfg.Password,
	}
}

// Name returns the notifier name.
func (n *MailNotifier) Name() string {
	return "mail"
}

// Send delivers the rendered subject and body as a plain-text message.
func (n *MailNotifier) Send(ctx context.Context, msg *Message) error {
	if n.host == "" || len(n.to) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	var auth smtp.Auth
	if n.username != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}
	return smtp.SendMail(addr, auth, n.from, n.to, []byte(b.String()))
}

// WebhookNotifier posts alert events to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Send posts the event payload, including a dashboard deep link when one is
// configured.
func (n *WebhookNotifier) Send(ctx context.Context, msg *Message) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(payloadFor(msg))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier sends alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(cfg config.SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the notifier name.
func (n *SlackNotifier) Name() string {
	return "slack"
}

// Send posts the alert as a colored attachment.
func (n *SlackNotifier) Send(ctx context.Context, msg *Message) error {
	if n.webhookURL == "" {
		return nil
	}

	fields := []map[string]interface{}{
		{"title": "Rule", "value": msg.AlertType, "short": true},
		{"title": "Severity", "value": string(msg.Severity), "short": true},
		{"title": "Event", "value": string(msg.Event), "short": true},
	}
	if msg.GroupKey != msg.AlertType {
		fields = append(fields, map[string]interface{}{"title": "Group", "value": msg.GroupKey, "short": true})
	}
	if msg.MemberCount > 1 {
		fields = append(fields, map[string]interface{}{"title": "Members", "value": fmt.Sprintf("%d", msg.MemberCount), "short": true})
	}
	if msg.DashboardURL != "" {
		fields = append(fields, map[string]interface{}{"title": "Dashboard", "value": msg.DashboardURL, "short": false})
	}

	payload := map[string]interface{}{
		"channel": n.channel,
		"attachments": []map[string]interface{}{
			{
				"color":  slackColor(msg.Severity),
				"title":  msg.Subject,
				"text":   msg.Message,
				"fields": fields,
				"footer": "PulseWatch",
				"ts":     msg.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func slackColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#FF0000"
	case SeverityHigh:
		return "#FF6600"
	case SeverityMedium:
		return "#FFCC00"
	default:
		return "#36A64F"
	}
}

// BusNotifier publishes alert events to a NATS subject.
type BusNotifier struct {
	pub     *bus.Publisher
	subject string
}

// NewBusNotifier creates a NATS notifier over an existing publisher.
func NewBusNotifier(pub *bus.Publisher, subject string) *BusNotifier {
	return &BusNotifier{pub: pub, subject: subject}
}

// Name returns the notifier name.
func (n *BusNotifier) Name() string {
	return "nats"
}

// Send publishes the event payload.
func (n *BusNotifier) Send(ctx context.Context, msg *Message) error {
	return n.pub.Publish(n.subject, payloadFor(msg))
}

// ConsoleNotifier prints alerts to stdout.
type ConsoleNotifier struct{}

// NewConsoleNotifier creates a console notifier.
func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{}
}

// Name returns the notifier name.
func (n *ConsoleNotifier) Name() string {
	return "console"
}

// Send prints the alert.
func (n *ConsoleNotifier) Send(ctx context.Context, msg *Message) error {
	fmt.Printf("[ALERT] [%s] %s: %s (event: %s, group: %s)\n",
		msg.Severity, msg.AlertType, msg.Message, msg.Event, msg.GroupKey)
	return nil
}
