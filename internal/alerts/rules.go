package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/savegress/pulsewatch/internal/condition"
	"github.com/savegress/pulsewatch/internal/config"
)

// Rule is a compiled alert rule. Rules are immutable at runtime; a config
// reload swaps the whole set between cycles.
type Rule struct {
	Name          string
	ConditionText string
	Condition     *condition.Condition
	Severity      Severity
	Message       string
	Enabled       bool
	Err           error

	Cooldown      time.Duration
	EscalateAfter time.Duration
	EscalateBy    int
	GroupWindow   time.Duration
	GroupMax      int
	GroupBy       string
	Channels      []string
}

// LoadRules compiles rule configs into evaluation-ready rules, sorted by
// name so every cycle walks them in the same order. A rule whose condition
// fails to parse is kept but disabled with the error attached; one bad rule
// never takes down the rest.
func LoadRules(cfgs map[string]config.RuleConfig) []*Rule {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]*Rule, 0, len(names))
	for _, name := range names {
		cfg := cfgs[name]
		rule := &Rule{
			Name:          name,
			ConditionText: cfg.Condition,
			Severity:      Severity(cfg.Severity),
			Message:       cfg.Message,
			Enabled:       cfg.IsEnabled(),
			Cooldown:      cfg.Cooldown,
			GroupBy:       cfg.GroupBy,
			Channels:      cfg.Channels,
		}
		if cfg.Escalation != nil {
			rule.EscalateAfter = cfg.Escalation.After
			rule.EscalateBy = cfg.Escalation.SeverityIncrease
		}
		if cfg.Grouping != nil {
			rule.GroupWindow = cfg.Grouping.Window
			rule.GroupMax = cfg.Grouping.MaxSize
		}

		cond, err := condition.Parse(cfg.Condition)
		if err != nil {
			rule.Enabled = false
			rule.Err = fmt.Errorf("parse condition: %w", err)
		} else {
			rule.Condition = cond
		}
		rules = append(rules, rule)
	}
	return rules
}
