package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/savegress/pulsewatch/internal/config"
)

// Fetcher retrieves one snapshot fragment from one remote endpoint. A fetch
// never mutates shared state; the aggregator owns the fallback policy.
type Fetcher interface {
	ID() string
	Fetch(ctx context.Context) (map[string]Value, error)
}

// NewFetcher builds the fetcher matching the source's configured format.
func NewFetcher(cfg config.SourceConfig) Fetcher {
	if cfg.Format == "local" {
		return NewLocalSource(cfg)
	}
	return NewHTTPSource(cfg)
}

// HTTPSource polls a metric endpoint over HTTP GET. The payload is either a
// JSON object of scalar fields or Prometheus text exposition, per config.
type HTTPSource struct {
	id     string
	url    string
	format string
	prefix string
	client *http.Client
}

// NewHTTPSource creates an HTTP source fetcher.
func NewHTTPSource(cfg config.SourceConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		id:     cfg.ID,
		url:    cfg.URL,
		format: cfg.Format,
		prefix: cfg.Prefix,
		client: &http.Client{Timeout: timeout},
	}
}

// ID returns the source identifier.
func (s *HTTPSource) ID() string {
	return s.id
}

// Fetch issues one bounded request and parses the response into typed
// fields. Timeouts, transport errors, bad statuses, and malformed payloads
// all come back as errors; the caller decides what to substitute.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.format == "prometheus" {
		req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if s.format == "prometheus" {
		return parsePromFields(resp.Body, s.prefix)
	}
	return parseJSONFields(resp.Body, s.prefix)
}

// parseJSONFields decodes a JSON object of scalar metric fields. Nested
// objects are flattened with dot-joined keys; nulls and arrays are dropped.
func parseJSONFields(r io.Reader, prefix string) (map[string]Value, error) {
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	out := make(map[string]Value, len(raw))
	flattenJSON(raw, prefix, out)
	if len(out) == 0 {
		return nil, fmt.Errorf("payload contains no scalar fields")
	}
	return out, nil
}

func flattenJSON(raw map[string]any, prefix string, out map[string]Value) {
	for key, item := range raw {
		name := prefix + key
		switch v := item.(type) {
		case float64:
			out[name] = NumberValue(v)
		case bool:
			out[name] = BoolValue(v)
		case string:
			out[name] = StringValue(v)
		case map[string]any:
			flattenJSON(v, name+".", out)
		}
	}
}

// parsePromFields parses Prometheus text exposition into numeric fields, one
// per metric family. A partial parse with usable families counts as success.
func parsePromFields(r io.Reader, prefix string) (map[string]Value, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}

	out := make(map[string]Value, len(mfs))
	for name, mf := range mfs {
		if total, ok := sumFamily(mf); ok {
			out[prefix+name] = NumberValue(total)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("payload contains no usable metrics")
	}
	return out, nil
}

// sumFamily adds up the counter, gauge, or untyped samples of a family.
// Histograms and summaries are skipped.
func sumFamily(mf *dto.MetricFamily) (float64, bool) {
	var total float64
	found := false
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
			found = true
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
			found = true
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
			found = true
		}
	}
	return total, found
}
