package condition

import (
	"testing"

	"github.com/savegress/pulsewatch/internal/metrics"
)

type fieldMap map[string]metrics.Value

func (m fieldMap) Field(name string) (metrics.Value, bool) {
	v, ok := m[name]
	return v, ok
}

func TestParseValid(t *testing.T) {
	exprs := []string{
		"daily_pnl < -10000",
		"system_status != 'online'",
		"win_rate >= 0.45",
		`error_rate > 0.05 AND requests_total > 100`,
		"cpu_percent > 90 or memory_percent > 85",
		"(daily_pnl < -5000 OR max_drawdown > 0.1) AND trading_enabled == true",
		`service.state == "stopped"`,
		"risk.exposure.net <= 250000.5",
		"healthy != TRUE",
	}
	for _, expr := range exprs {
		if _, err := Parse(expr); err != nil {
			t.Errorf("Parse(%q) failed: %v", expr, err)
		}
	}
}

func TestParseErrors(t *testing.T) {
	exprs := []string{
		"",
		"daily_pnl",
		"daily_pnl <",
		"< 5",
		"daily_pnl = 5",
		"daily_pnl ! 5",
		"daily_pnl >> 5",
		"status < 'online'",
		"healthy >= true",
		"status == 'unterminated",
		"(a > 1 AND b > 2",
		"a > 1 b > 2",
		"a > 1 AND",
		"a > - 5",
		"a > 1.2.3",
		"a == b",
	}
	for _, expr := range exprs {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, expected error", expr)
		}
	}
}

func TestEval(t *testing.T) {
	fields := fieldMap{
		"daily_pnl":     metrics.NumberValue(-12000),
		"win_rate":      metrics.NumberValue(0.62),
		"system_status": metrics.StringValue("degraded"),
		"healthy":       metrics.BoolValue(false),
	}

	tests := []struct {
		expr string
		want Result
	}{
		{"daily_pnl < -10000", True},
		{"daily_pnl < -20000", False},
		{"daily_pnl <= -12000", True},
		{"daily_pnl >= -12000", True},
		{"daily_pnl > -12000", False},
		{"daily_pnl == -12000", True},
		{"daily_pnl != -12000", False},
		{"system_status != 'online'", True},
		{"system_status == 'degraded'", True},
		{`system_status == "online"`, False},
		{"healthy == true", False},
		{"healthy == false", True},
		{"healthy != true", True},
		{"daily_pnl < -10000 AND win_rate >= 0.5", True},
		{"daily_pnl < -10000 AND win_rate >= 0.9", False},
		{"win_rate >= 0.9 OR system_status == 'degraded'", True},
		{"win_rate >= 0.9 OR system_status == 'online'", False},
		// AND binds tighter than OR.
		{"daily_pnl < -10000 OR win_rate > 0.9 AND healthy == true", True},
		{"(daily_pnl < -10000 OR win_rate > 0.9) AND healthy == true", False},
	}

	for _, tt := range tests {
		cond, err := Parse(tt.expr)
		if err != nil {
			t.Fatalf("failed to parse %q: %v", tt.expr, err)
		}
		got, _ := cond.Eval(fields)
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalMissingFieldIsUnknown(t *testing.T) {
	fields := fieldMap{
		"present": metrics.NumberValue(1),
	}

	tests := []struct {
		expr    string
		missing []string
	}{
		{"absent > 5", []string{"absent"}},
		{"present == 1 AND absent > 5", []string{"absent"}},
		{"absent > 5 OR present == 1", []string{"absent"}},
		{"absent > 5 AND also_absent < 2", []string{"absent", "also_absent"}},
	}

	for _, tt := range tests {
		cond, err := Parse(tt.expr)
		if err != nil {
			t.Fatalf("failed to parse %q: %v", tt.expr, err)
		}
		got, detail := cond.Eval(fields)
		if got != Unknown {
			t.Errorf("Eval(%q) = %v, want unknown", tt.expr, got)
		}
		if len(detail.Missing) != len(tt.missing) {
			t.Errorf("Eval(%q) missing fields %v, want %v", tt.expr, detail.Missing, tt.missing)
			continue
		}
		for i, name := range tt.missing {
			if detail.Missing[i] != name {
				t.Errorf("Eval(%q) missing fields %v, want %v", tt.expr, detail.Missing, tt.missing)
			}
		}
	}
}

func TestEvalTypeMismatchIsUnknown(t *testing.T) {
	fields := fieldMap{
		"status": metrics.StringValue("online"),
		"count":  metrics.NumberValue(5),
	}

	cond, err := Parse("status == 5")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	got, detail := cond.Eval(fields)
	if got != Unknown {
		t.Errorf("expected unknown on type mismatch, got %v", got)
	}
	if len(detail.Mismatched) != 1 || detail.Mismatched[0] != "status" {
		t.Errorf("expected status in mismatched fields, got %v", detail.Mismatched)
	}

	cond, err = Parse("count == 'five'")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got, _ := cond.Eval(fields); got != Unknown {
		t.Errorf("expected unknown comparing number to string, got %v", got)
	}
}

func TestEvalRecordsObservedValues(t *testing.T) {
	fields := fieldMap{
		"daily_pnl": metrics.NumberValue(-500),
		"win_rate":  metrics.NumberValue(0.7),
	}

	cond, err := Parse("daily_pnl < 0 AND win_rate > 0.5")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	got, detail := cond.Eval(fields)
	if got != True {
		t.Fatalf("expected true, got %v", got)
	}
	if v, ok := detail.Observed["daily_pnl"]; !ok || v.Num != -500 {
		t.Errorf("expected observed daily_pnl -500, got %+v", detail.Observed)
	}
	if v, ok := detail.Observed["win_rate"]; !ok || v.Num != 0.7 {
		t.Errorf("expected observed win_rate 0.7, got %+v", detail.Observed)
	}
}

func TestResultString(t *testing.T) {
	if True.String() != "true" || False.String() != "false" || Unknown.String() != "unknown" {
		t.Errorf("unexpected result strings: %v %v %v", True, False, Unknown)
	}
}
