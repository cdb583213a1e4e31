package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/savegress/pulsewatch/internal/config"
)

func TestHTTPSourceFetchJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"daily_pnl": -12000.5,
			"win_rate": 0.62,
			"healthy": true,
			"status": "running",
			"risk": {"max_drawdown": 0.08, "exposure": 41000},
			"ignored_null": null,
			"ignored_list": [1, 2, 3]
		}`))
	}))
	defer server.Close()

	src := NewHTTPSource(config.SourceConfig{ID: "strategy_engine", URL: server.URL, Format: "json", Timeout: 2 * time.Second})
	fields, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}

	if len(fields) != 6 {
		t.Errorf("expected 6 fields, got %d: %v", len(fields), fields)
	}
	if v := fields["daily_pnl"]; v.Kind != KindNumber || v.Num != -12000.5 {
		t.Errorf("expected daily_pnl -12000.5, got %+v", v)
	}
	if v := fields["healthy"]; v.Kind != KindBool || !v.Bool {
		t.Errorf("expected healthy true, got %+v", v)
	}
	if v := fields["status"]; v.Kind != KindString || v.Str != "running" {
		t.Errorf("expected status 'running', got %+v", v)
	}
	if v := fields["risk.max_drawdown"]; v.Kind != KindNumber || v.Num != 0.08 {
		t.Errorf("expected flattened risk.max_drawdown 0.08, got %+v", v)
	}
	if _, ok := fields["ignored_null"]; ok {
		t.Error("expected null field to be dropped")
	}
	if _, ok := fields["ignored_list"]; ok {
		t.Error("expected array field to be dropped")
	}
}

func TestHTTPSourceFetchJSONWithPrefix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"latency_ms": 12}`))
	}))
	defer server.Close()

	src := NewHTTPSource(config.SourceConfig{ID: "pipeline", URL: server.URL, Format: "json", Prefix: "pipeline.", Timeout: time.Second})
	fields, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	if v, ok := fields["pipeline.latency_ms"]; !ok || v.Num != 12 {
		t.Errorf("expected prefixed field pipeline.latency_ms=12, got %v", fields)
	}
}

func TestHTTPSourceFetchPrometheus(t *testing.T) {
	body := `# HELP requests_total Total requests.
# TYPE requests_total counter
requests_total{code="200"} 950
requests_total{code="500"} 50
# TYPE queue_depth gauge
queue_depth 7
# TYPE latency_seconds histogram
latency_seconds_bucket{le="0.1"} 100
latency_seconds_sum 12.5
latency_seconds_count 100
`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "" {
			t.Error("expected Accept header on prometheus fetch")
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(body))
	}))
	defer server.Close()

	src := NewHTTPSource(config.SourceConfig{ID: "exporter", URL: server.URL, Format: "prometheus", Timeout: time.Second})
	fields, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}

	if v, ok := fields["requests_total"]; !ok || v.Num != 1000 {
		t.Errorf("expected requests_total summed to 1000, got %+v", v)
	}
	if v, ok := fields["queue_depth"]; !ok || v.Num != 7 {
		t.Errorf("expected queue_depth 7, got %+v", v)
	}
	if _, ok := fields["latency_seconds"]; ok {
		t.Error("expected histogram family to be skipped")
	}
}

func TestHTTPSourceFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"broken":`))
			},
		},
		{
			name: "non-object payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`[1, 2, 3]`))
			},
		},
		{
			name: "no scalar fields",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"nested": [1], "other": null}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			src := NewHTTPSource(config.SourceConfig{ID: "s", URL: server.URL, Format: "json", Timeout: time.Second})
			if _, err := src.Fetch(context.Background()); err == nil {
				t.Error("expected fetch error")
			}
		})
	}
}

func TestHTTPSourceFetchTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	src := NewHTTPSource(config.SourceConfig{ID: "slow", URL: server.URL, Format: "json", Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := src.Fetch(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("fetch did not respect timeout, took %v", elapsed)
	}
}

func TestHTTPSourceFetchCancelled(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	src := NewHTTPSource(config.SourceConfig{ID: "slow", URL: server.URL, Format: "json", Timeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := src.Fetch(ctx); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestLocalSourceFetch(t *testing.T) {
	src := NewLocalSource(config.SourceConfig{ID: "host", Format: "local", Prefix: "host."})
	fields, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch host metrics: %v", err)
	}
	if len(fields) == 0 {
		t.Fatal("expected at least one host metric")
	}
	if v, ok := fields["host.memory_percent"]; ok {
		if v.Num < 0 || v.Num > 100 {
			t.Errorf("memory_percent out of range: %v", v.Num)
		}
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"number", NumberValue(-12000.5)},
		{"bool", BoolValue(true)},
		{"string", StringValue("offline")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.value)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}
			var got Value
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if got != tt.value {
				t.Errorf("round trip mismatch: %+v != %+v", got, tt.value)
			}
		})
	}

	var bad Value
	if err := json.Unmarshal([]byte(`{"nested": 1}`), &bad); err == nil {
		t.Error("expected error for non-scalar value")
	}
}
