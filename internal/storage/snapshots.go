package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/config"
	"github.com/savegress/pulsewatch/internal/metrics"
)

const (
	defaultFlushInterval = time.Second
	pruneInterval        = time.Hour
	maxWindowLimit       = 500
)

// SnapshotStore keeps one row per collection cycle, ordered by snapshot
// timestamp. Writes are buffered in memory so the cycle never waits on
// disk; a failed flush drops that batch and the next cycle writes fresh.
type SnapshotStore struct {
	db        *sql.DB
	logger    zerolog.Logger
	retention time.Duration

	buffer   []*metrics.Snapshot
	bufferMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSnapshotStore opens the snapshot database under cfg.Path and starts
// the background flusher and retention janitor.
func NewSnapshotStore(cfg config.StorageConfig, logger zerolog.Logger) (*SnapshotStore, error) {
	db, err := openDB(cfg.Path, "snapshots.db")
	if err != nil {
		return nil, err
	}

	s := &SnapshotStore{
		db:        db,
		logger:    logger,
		retention: cfg.SnapshotRetention,
		buffer:    make([]*metrics.Snapshot, 0, 16),
		done:      make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}

	flushEvery := cfg.FlushInterval
	if flushEvery <= 0 {
		flushEvery = defaultFlushInterval
	}
	s.wg.Add(1)
	go s.run(flushEvery)

	return s, nil
}

func (s *SnapshotStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		fields TEXT NOT NULL,
		origin TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SnapshotStore) run(flushEvery time.Duration) {
	defer s.wg.Done()

	flush := time.NewTicker(flushEvery)
	defer flush.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-flush.C:
			if err := s.Flush(); err != nil {
				s.logger.Error().Err(err).Msg("snapshot flush failed")
			}
		case <-prune.C:
			n, err := s.Prune(context.Background())
			if err != nil {
				s.logger.Error().Err(err).Msg("snapshot prune failed")
			} else if n > 0 {
				s.logger.Debug().Int64("rows", n).Msg("pruned old snapshots")
			}
		case <-s.done:
			return
		}
	}
}

// Append buffers the snapshot for the next flush. It never blocks on disk.
func (s *SnapshotStore) Append(snap *metrics.Snapshot) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, snap)
	s.bufferMu.Unlock()
}

// Flush writes all buffered snapshots in one transaction.
func (s *SnapshotStore) Flush() error {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return nil
	}
	pending := s.buffer
	s.buffer = make([]*metrics.Snapshot, 0, 16)
	s.bufferMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO snapshots (ts, fields, origin) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range pending {
		fields, err := json.Marshal(snap.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot fields: %w", err)
		}
		origin, err := json.Marshal(snap.Origin)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot origin: %w", err)
		}
		if _, err := stmt.Exec(snap.Timestamp.UnixNano(), string(fields), string(origin)); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// Latest returns the most recent persisted snapshot, or ErrNotFound when
// none has been written yet.
func (s *SnapshotStore) Latest(ctx context.Context) (*metrics.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ts, fields, origin FROM snapshots ORDER BY ts DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// Window returns snapshots taken at or after since, oldest first, capped at
// limit rows.
func (s *SnapshotStore) Window(ctx context.Context, since time.Time, limit int) ([]*metrics.Snapshot, error) {
	if limit <= 0 || limit > maxWindowLimit {
		limit = maxWindowLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, fields, origin FROM snapshots WHERE ts >= ? ORDER BY ts ASC LIMIT ?`,
		since.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*metrics.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Prune deletes snapshots older than the configured retention. A zero
// retention disables pruning.
func (s *SnapshotStore) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close stops the background loop, flushes anything still buffered, and
// closes the database.
func (s *SnapshotStore) Close() error {
	close(s.done)
	s.wg.Wait()
	if err := s.Flush(); err != nil {
		s.logger.Error().Err(err).Msg("final snapshot flush failed")
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*metrics.Snapshot, error) {
	var ts int64
	var fieldsJSON, originJSON string
	if err := row.Scan(&ts, &fieldsJSON, &originJSON); err != nil {
		return nil, err
	}

	snap := &metrics.Snapshot{
		Timestamp: time.Unix(0, ts).UTC(),
		Fields:    make(map[string]metrics.Value),
		Origin:    make(map[string]metrics.Provenance),
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &snap.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot fields: %w", err)
	}
	if err := json.Unmarshal([]byte(originJSON), &snap.Origin); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot origin: %w", err)
	}
	return snap, nil
}
