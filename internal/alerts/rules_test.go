package alerts

import (
	"testing"
	"time"

	"github.com/savegress/pulsewatch/internal/config"
)

func TestLoadRulesSortedByName(t *testing.T) {
	rules := LoadRules(map[string]config.RuleConfig{
		"zeta":  {Condition: "x > 1", Severity: "low"},
		"alpha": {Condition: "x > 2", Severity: "low"},
		"mid":   {Condition: "x > 3", Severity: "low"},
	})
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if rules[i].Name != name {
			t.Errorf("rule %d: expected %q, got %q", i, name, rules[i].Name)
		}
	}
}

func TestLoadRulesCompilesConditions(t *testing.T) {
	rules := LoadRules(map[string]config.RuleConfig{
		"pnl_drop": {
			Condition: "daily_pnl < -10000",
			Severity:  "critical",
			Message:   "daily loss limit breached",
			Cooldown:  time.Hour,
			Escalation: &config.EscalationConfig{
				After:            10 * time.Minute,
				SeverityIncrease: 1,
			},
			Grouping: &config.GroupingConfig{
				Window:  5 * time.Minute,
				MaxSize: 10,
			},
			GroupBy:  "region",
			Channels: []string{"mail", "slack"},
		},
	})
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if !rule.Enabled || rule.Err != nil {
		t.Fatalf("rule should be enabled: err=%v", rule.Err)
	}
	if rule.Condition == nil {
		t.Fatal("condition not compiled")
	}
	if rule.Severity != SeverityCritical {
		t.Errorf("unexpected severity: %q", rule.Severity)
	}
	if rule.Cooldown != time.Hour {
		t.Errorf("unexpected cooldown: %v", rule.Cooldown)
	}
	if rule.EscalateAfter != 10*time.Minute || rule.EscalateBy != 1 {
		t.Errorf("escalation not mapped: after=%v by=%d", rule.EscalateAfter, rule.EscalateBy)
	}
	if rule.GroupWindow != 5*time.Minute || rule.GroupMax != 10 {
		t.Errorf("grouping not mapped: window=%v max=%d", rule.GroupWindow, rule.GroupMax)
	}
	if rule.GroupBy != "region" {
		t.Errorf("unexpected group_by: %q", rule.GroupBy)
	}
	if len(rule.Channels) != 2 {
		t.Errorf("unexpected channels: %v", rule.Channels)
	}
}

func TestLoadRulesBadConditionDisablesRule(t *testing.T) {
	rules := LoadRules(map[string]config.RuleConfig{
		"good": {Condition: "cpu_percent > 90", Severity: "high"},
		"bad":  {Condition: "cpu_percent >", Severity: "high"},
	})
	if len(rules) != 2 {
		t.Fatalf("expected both rules loaded, got %d", len(rules))
	}
	// Sorted order puts bad first.
	bad, good := rules[0], rules[1]
	if bad.Enabled {
		t.Error("rule with a bad condition should be disabled")
	}
	if bad.Err == nil {
		t.Error("rule with a bad condition should carry the parse error")
	}
	if !good.Enabled || good.Err != nil {
		t.Errorf("good rule should be unaffected: enabled=%v err=%v", good.Enabled, good.Err)
	}
}

func TestLoadRulesExplicitDisable(t *testing.T) {
	disabled := false
	rules := LoadRules(map[string]config.RuleConfig{
		"off": {Condition: "x > 1", Severity: "low", Enabled: &disabled},
	})
	if rules[0].Enabled {
		t.Error("explicitly disabled rule should stay disabled")
	}
	if rules[0].Err != nil {
		t.Errorf("disabled rule should not carry an error: %v", rules[0].Err)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input   string
		want    Severity
		wantErr bool
	}{
		{"low", SeverityLow, false},
		{"medium", SeverityMedium, false},
		{"high", SeverityHigh, false},
		{"critical", SeverityCritical, false},
		{"HIGH", SeverityHigh, false},
		{"Critical", SeverityCritical, false},
		{"urgent", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSeverity(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSeverity(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q): expected %q, got %q", tt.input, tt.want, got)
		}
	}
}

func TestSeverityAtLeast(t *testing.T) {
	if !SeverityHigh.AtLeast(SeverityMedium) {
		t.Error("high should be at least medium")
	}
	if !SeverityHigh.AtLeast(SeverityHigh) {
		t.Error("high should be at least high")
	}
	if SeverityLow.AtLeast(SeverityCritical) {
		t.Error("low should not be at least critical")
	}
}

func TestSeverityEscalate(t *testing.T) {
	tests := []struct {
		start Severity
		steps int
		want  Severity
	}{
		{SeverityLow, 1, SeverityMedium},
		{SeverityMedium, 1, SeverityHigh},
		{SeverityMedium, 2, SeverityCritical},
		{SeverityHigh, 5, SeverityCritical},
		{SeverityCritical, 1, SeverityCritical},
		{SeverityHigh, 0, SeverityHigh},
	}
	for _, tt := range tests {
		if got := tt.start.Escalate(tt.steps); got != tt.want {
			t.Errorf("%s escalated by %d: expected %s, got %s", tt.start, tt.steps, tt.want, got)
		}
	}
}
