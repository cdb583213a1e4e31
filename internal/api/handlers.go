package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savegress/pulsewatch/internal/alerts"
	"github.com/savegress/pulsewatch/internal/engine"
	"github.com/savegress/pulsewatch/internal/metrics"
	"github.com/savegress/pulsewatch/internal/storage"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	engine     *engine.Engine
	manager    *alerts.Manager
	aggregator *metrics.Aggregator
	snapshots  *storage.SnapshotStore
	records    *storage.AlertStore
}

// Response helpers

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

// HealthCheck returns cycle liveness and per-source freshness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Health())
}

// ListAlerts returns open alert instances, optionally filtered by rule,
// state, or severity
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := alerts.Filter{
		Rule:  r.URL.Query().Get("rule"),
		State: alerts.State(r.URL.Query().Get("state")),
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		parsed, err := alerts.ParseSeverity(sev)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Unknown severity")
			return
		}
		filter.Severity = parsed
	}

	open := h.manager.Active(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": open,
		"count":  len(open),
	})
}

// AlertSummary returns open-alert counts by state, severity, and rule
func (h *Handlers) AlertSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Summary())
}

// AlertHistory returns recent alert records, newest first
func (h *Handlers) AlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	records, err := h.records.Records(r.Context(), r.URL.Query().Get("rule"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// AcknowledgeAlert marks an open alert instance as acknowledged
func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	in, err := h.manager.Acknowledge(id, req.User)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, in)
}

// ResolveAlert force-resolves an open alert instance
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, err := h.manager.ResolveInstance(id)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, in)
}

// LatestSnapshot returns the most recent persisted snapshot
func (h *Handlers) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Latest(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No snapshots recorded")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// ListSnapshots returns snapshots since a timestamp, oldest first
func (h *Handlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	// Default: last hour
	since := time.Now().Add(-time.Hour)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			// Try Unix timestamp
			ts, e := strconv.ParseInt(sinceStr, 10, 64)
			if e != nil {
				writeError(w, http.StatusBadRequest, "Invalid since timestamp")
				return
			}
			parsed = time.Unix(ts, 0)
		}
		since = parsed
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	snaps, err := h.snapshots.Window(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// RuleView is the rule listing entry, including load-time parse status.
type RuleView struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Severity  string `json:"severity"`
	Enabled   bool   `json:"enabled"`
	Cooldown  string `json:"cooldown"`
	Error     string `json:"error,omitempty"`
}

// ListRules returns the active rule set
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.manager.Rules()

	views := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		view := RuleView{
			Name:      rule.Name,
			Condition: rule.ConditionText,
			Severity:  string(rule.Severity),
			Enabled:   rule.Enabled,
			Cooldown:  rule.Cooldown.String(),
		}
		if rule.Err != nil {
			view.Error = rule.Err.Error()
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": views,
		"count": len(views),
	})
}

// ListSources returns per-source freshness
func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	states := h.aggregator.SourceStates()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": states,
		"count":   len(states),
		"changes": h.aggregator.FieldChanges(20),
	})
}
