package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/alerts"
	"github.com/savegress/pulsewatch/internal/config"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// AlertStore persists the append-only alert history plus the current row
// for every instance, so open alerts survive a restart. History rows are
// never updated; instances are upserted as their lifecycle advances.
type AlertStore struct {
	db        *sql.DB
	logger    zerolog.Logger
	retention time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAlertStore opens the alert database under cfg.Path and starts the
// retention janitor.
func NewAlertStore(cfg config.StorageConfig, logger zerolog.Logger) (*AlertStore, error) {
	db, err := openDB(cfg.Path, "alerts.db")
	if err != nil {
		return nil, err
	}

	s := &AlertStore{
		db:        db,
		logger:    logger,
		retention: cfg.AlertRetention,
		done:      make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize alert schema: %w", err)
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

func (s *AlertStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alert_records (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		event TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		rule TEXT NOT NULL,
		group_key TEXT NOT NULL,
		severity TEXT NOT NULL,
		state TEXT NOT NULL,
		message TEXT,
		member_count INTEGER NOT NULL DEFAULT 0,
		channel TEXT,
		delivery_status TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_alert_records_rule_ts ON alert_records(rule, ts);
	CREATE INDEX IF NOT EXISTS idx_alert_records_ts ON alert_records(ts);

	CREATE TABLE IF NOT EXISTS alert_instances (
		id TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		group_key TEXT NOT NULL,
		severity TEXT NOT NULL,
		base_severity TEXT NOT NULL,
		state TEXT NOT NULL,
		message TEXT,
		first_triggered INTEGER NOT NULL,
		last_triggered INTEGER NOT NULL,
		member_count INTEGER NOT NULL DEFAULT 1,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at INTEGER,
		last_notified INTEGER,
		escalated_at INTEGER,
		resolved_at INTEGER,
		delivery TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_alert_instances_state ON alert_instances(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *AlertStore) run() {
	defer s.wg.Done()

	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-prune.C:
			n, err := s.Prune(context.Background())
			if err != nil {
				s.logger.Error().Err(err).Msg("alert prune failed")
			} else if n > 0 {
				s.logger.Debug().Int64("rows", n).Msg("pruned old alert rows")
			}
		case <-s.done:
			return
		}
	}
}

// AppendRecord writes one history row. Rows are append-only.
func (s *AlertStore) AppendRecord(rec *alerts.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_records
			(id, ts, event, instance_id, rule, group_key, severity, state, message, member_count, channel, delivery_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Time.UnixNano(),
		string(rec.Event),
		rec.InstanceID,
		rec.RuleName,
		rec.GroupKey,
		string(rec.Severity),
		string(rec.State),
		rec.Message,
		rec.MemberCount,
		rec.Channel,
		string(rec.DeliveryStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to append alert record: %w", err)
	}
	return nil
}

// SaveInstance upserts the current row for an instance.
func (s *AlertStore) SaveInstance(in *alerts.Instance) error {
	var delivery interface{}
	if len(in.Delivery) > 0 {
		data, err := json.Marshal(in.Delivery)
		if err != nil {
			return fmt.Errorf("failed to encode delivery status: %w", err)
		}
		delivery = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO alert_instances
			(id, rule, group_key, severity, base_severity, state, message,
			 first_triggered, last_triggered, member_count,
			 acknowledged, acknowledged_by, acknowledged_at,
			 last_notified, escalated_at, resolved_at, delivery)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			state = excluded.state,
			message = excluded.message,
			last_triggered = excluded.last_triggered,
			member_count = excluded.member_count,
			acknowledged = excluded.acknowledged,
			acknowledged_by = excluded.acknowledged_by,
			acknowledged_at = excluded.acknowledged_at,
			last_notified = excluded.last_notified,
			escalated_at = excluded.escalated_at,
			resolved_at = excluded.resolved_at,
			delivery = excluded.delivery`,
		in.ID,
		in.RuleName,
		in.GroupKey,
		string(in.Severity),
		string(in.BaseSeverity),
		string(in.State),
		in.Message,
		in.FirstTriggered.UnixNano(),
		in.LastTriggered.UnixNano(),
		in.MemberCount,
		in.Acknowledged,
		in.AcknowledgedBy,
		nullTime(in.AcknowledgedAt),
		nullTime(in.LastNotified),
		nullTime(in.EscalatedAt),
		nullTime(in.ResolvedAt),
		delivery,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert instance: %w", err)
	}
	return nil
}

// OpenInstances returns every non-resolved instance, oldest first. The
// manager restores these on startup.
func (s *AlertStore) OpenInstances(ctx context.Context) ([]*alerts.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule, group_key, severity, base_severity, state, message,
		       first_triggered, last_triggered, member_count,
		       acknowledged, acknowledged_by, acknowledged_at,
		       last_notified, escalated_at, resolved_at, delivery
		FROM alert_instances
		WHERE state != ?
		ORDER BY first_triggered ASC`,
		string(alerts.StateResolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*alerts.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}

// Records returns history rows, newest first. An empty rule matches all
// rules.
func (s *AlertStore) Records(ctx context.Context, rule string, limit int) ([]*alerts.Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `
		SELECT id, ts, event, instance_id, rule, group_key, severity, state, message, member_count, channel, delivery_status
		FROM alert_records`
	args := []interface{}{}
	if rule != "" {
		query += ` WHERE rule = ?`
		args = append(args, rule)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*alerts.Record
	for rows.Next() {
		var rec alerts.Record
		var ts int64
		var event, severity, state, status string
		if err := rows.Scan(&rec.ID, &ts, &event, &rec.InstanceID, &rec.RuleName, &rec.GroupKey,
			&severity, &state, &rec.Message, &rec.MemberCount, &rec.Channel, &status); err != nil {
			return nil, err
		}
		rec.Time = time.Unix(0, ts).UTC()
		rec.Event = alerts.EventType(event)
		rec.Severity = alerts.Severity(severity)
		rec.State = alerts.State(state)
		rec.DeliveryStatus = alerts.DeliveryStatus(status)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Prune deletes history rows older than the configured retention, plus
// resolved instances whose resolution is older than it. Open instances are
// never pruned.
func (s *AlertStore) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.retention).UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_records WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	records, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM alert_instances WHERE state = ? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		string(alerts.StateResolved), cutoff)
	if err != nil {
		return records, err
	}
	instances, _ := res.RowsAffected()

	return records + instances, nil
}

// Close stops the janitor and closes the database.
func (s *AlertStore) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func scanInstance(rows *sql.Rows) (*alerts.Instance, error) {
	var in alerts.Instance
	var severity, baseSeverity, state string
	var firstTriggered, lastTriggered int64
	var ackAt, notifiedAt, escalatedAt, resolvedAt sql.NullInt64
	var delivery sql.NullString

	if err := rows.Scan(&in.ID, &in.RuleName, &in.GroupKey, &severity, &baseSeverity, &state, &in.Message,
		&firstTriggered, &lastTriggered, &in.MemberCount,
		&in.Acknowledged, &in.AcknowledgedBy, &ackAt,
		&notifiedAt, &escalatedAt, &resolvedAt, &delivery); err != nil {
		return nil, err
	}

	in.Severity = alerts.Severity(severity)
	in.BaseSeverity = alerts.Severity(baseSeverity)
	in.State = alerts.State(state)
	in.FirstTriggered = time.Unix(0, firstTriggered).UTC()
	in.LastTriggered = time.Unix(0, lastTriggered).UTC()
	in.AcknowledgedAt = timePtr(ackAt)
	in.LastNotified = timePtr(notifiedAt)
	in.EscalatedAt = timePtr(escalatedAt)
	in.ResolvedAt = timePtr(resolvedAt)

	if delivery.Valid && delivery.String != "" {
		in.Delivery = make(map[string]alerts.DeliveryStatus)
		if err := json.Unmarshal([]byte(delivery.String), &in.Delivery); err != nil {
			return nil, fmt.Errorf("failed to decode delivery status: %w", err)
		}
	}
	return &in, nil
}
