package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Poll      PollConfig                `yaml:"poll"`
	Sources   []SourceConfig            `yaml:"sources"`
	Rules     map[string]RuleConfig     `yaml:"rules"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Templates map[string]TemplateConfig `yaml:"templates"`
	Notify    NotifyConfig              `yaml:"notify"`
	Storage   StorageConfig             `yaml:"storage"`
	Dashboard DashboardConfig           `yaml:"dashboard"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type SourceConfig struct {
	ID           string        `yaml:"id"`
	URL          string        `yaml:"url"`
	Format       string        `yaml:"format"` // json, prometheus, local
	Prefix       string        `yaml:"prefix"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxStaleness time.Duration `yaml:"max_staleness"`
	Critical     bool          `yaml:"critical"`
	Enabled      *bool         `yaml:"enabled,omitempty"`
}

// IsEnabled treats an omitted enabled flag as true.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type RuleConfig struct {
	Condition  string            `yaml:"condition"`
	Severity   string            `yaml:"severity"`
	Message    string            `yaml:"message"`
	Enabled    *bool             `yaml:"enabled,omitempty"`
	Cooldown   time.Duration     `yaml:"cooldown"`
	Escalation *EscalationConfig `yaml:"escalation,omitempty"`
	Grouping   *GroupingConfig   `yaml:"grouping,omitempty"`
	GroupBy    string            `yaml:"group_by"`
	Channels   []string          `yaml:"channels"`
}

// IsEnabled treats an omitted enabled flag as true.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type EscalationConfig struct {
	After            time.Duration `yaml:"after"`
	SeverityIncrease int           `yaml:"severity_increase"`
}

type GroupingConfig struct {
	Window  time.Duration `yaml:"window"`
	MaxSize int           `yaml:"max_size"`
}

// ChannelSettings are the knobs every notification channel shares.
type ChannelSettings struct {
	MinSeverity        string `yaml:"min_severity"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	NotifyOnResolve    bool   `yaml:"notify_on_resolve"`
}

type ChannelsConfig struct {
	Mail    *MailConfig    `yaml:"mail,omitempty"`
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`
	Slack   *SlackConfig   `yaml:"slack,omitempty"`
	NATS    *NATSConfig    `yaml:"nats,omitempty"`
	Console *ConsoleConfig `yaml:"console,omitempty"`
}

type MailConfig struct {
	ChannelSettings `yaml:",inline"`
	SMTPHost        string   `yaml:"smtp_host"`
	SMTPPort        int      `yaml:"smtp_port"`
	From            string   `yaml:"from"`
	To              []string `yaml:"to"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
}

type WebhookConfig struct {
	ChannelSettings `yaml:",inline"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
}

type SlackConfig struct {
	ChannelSettings `yaml:",inline"`
	WebhookURL      string `yaml:"webhook_url"`
	Channel         string `yaml:"channel"`
}

type NATSConfig struct {
	ChannelSettings `yaml:",inline"`
	URL             string `yaml:"url"`
	Subject         string `yaml:"subject"`
}

type ConsoleConfig struct {
	ChannelSettings `yaml:",inline"`
}

// Settings returns the shared settings of each configured channel, keyed by
// channel name.
func (c *ChannelsConfig) Settings() map[string]ChannelSettings {
	out := make(map[string]ChannelSettings)
	if c.Mail != nil {
		out["mail"] = c.Mail.ChannelSettings
	}
	if c.Webhook != nil {
		out["webhook"] = c.Webhook.ChannelSettings
	}
	if c.Slack != nil {
		out["slack"] = c.Slack.ChannelSettings
	}
	if c.NATS != nil {
		out["nats"] = c.NATS.ChannelSettings
	}
	if c.Console != nil {
		out["console"] = c.Console.ChannelSettings
	}
	return out
}

type TemplateConfig struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type NotifyConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	Path              string        `yaml:"path"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
	AlertRetention    time.Duration `yaml:"alert_retention"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

type DashboardConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Load reads, expands, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 30 * time.Second
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Format == "" {
			cfg.Sources[i].Format = "json"
		}
		if cfg.Sources[i].Timeout == 0 {
			cfg.Sources[i].Timeout = 5 * time.Second
		}
		if cfg.Sources[i].MaxStaleness == 0 {
			cfg.Sources[i].MaxStaleness = 2 * time.Minute
		}
	}
	for name, rule := range cfg.Rules {
		if rule.Cooldown == 0 {
			rule.Cooldown = 5 * time.Minute
		}
		if rule.Escalation != nil && rule.Escalation.SeverityIncrease == 0 {
			rule.Escalation.SeverityIncrease = 1
		}
		if rule.Grouping != nil && rule.Grouping.MaxSize == 0 {
			rule.Grouping.MaxSize = 10
		}
		cfg.Rules[name] = rule
	}
	if cfg.Channels.Mail != nil && cfg.Channels.Mail.SMTPPort == 0 {
		cfg.Channels.Mail.SMTPPort = 587
	}
	if cfg.Channels.NATS != nil && cfg.Channels.NATS.Subject == "" {
		cfg.Channels.NATS.Subject = "pulsewatch.alerts"
	}
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 3
	}
	if cfg.Notify.RetryInterval == 0 {
		cfg.Notify.RetryInterval = 500 * time.Millisecond
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 15 * time.Second
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Storage.SnapshotRetention == 0 {
		cfg.Storage.SnapshotRetention = 30 * 24 * time.Hour
	}
	if cfg.Storage.AlertRetention == 0 {
		cfg.Storage.AlertRetention = 90 * 24 * time.Hour
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = time.Second
	}
}

var validSeverities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// Validate rejects configs that cannot produce a working process. Rule
// condition syntax is checked later, at rule load, so a bad expression
// disables one rule instead of aborting startup.
func (cfg *Config) Validate() error {
	seen := make(map[string]bool, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if src.ID == "" {
			return fmt.Errorf("source with url %q has no id", src.URL)
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
		switch src.Format {
		case "json", "prometheus":
			if src.URL == "" {
				return fmt.Errorf("source %q has no url", src.ID)
			}
		case "local":
		default:
			return fmt.Errorf("source %q has unknown format %q", src.ID, src.Format)
		}
		if src.Timeout < 0 || src.MaxStaleness < 0 {
			return fmt.Errorf("source %q has negative timeout or staleness", src.ID)
		}
	}
	for name, rule := range cfg.Rules {
		if rule.Condition == "" {
			return fmt.Errorf("rule %q has no condition", name)
		}
		if !validSeverities[rule.Severity] {
			return fmt.Errorf("rule %q has unknown severity %q", name, rule.Severity)
		}
		if rule.Escalation != nil && rule.Escalation.After <= 0 {
			return fmt.Errorf("rule %q escalation needs a positive 'after'", name)
		}
		if rule.Grouping != nil && rule.Grouping.Window <= 0 {
			return fmt.Errorf("rule %q grouping needs a positive window", name)
		}
	}
	for sev := range cfg.Templates {
		if sev != "default" && sev != "resolved" && !validSeverities[sev] {
			return fmt.Errorf("template key %q is not a severity, 'default', or 'resolved'", sev)
		}
	}
	for name, settings := range cfg.Channels.Settings() {
		if settings.MinSeverity != "" && !validSeverities[settings.MinSeverity] {
			return fmt.Errorf("channel %q has unknown min_severity %q", name, settings.MinSeverity)
		}
	}
	if cfg.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}
