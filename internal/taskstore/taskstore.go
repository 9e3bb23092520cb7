// Package taskstore persists scan job metadata to an embedded sqlite
// database (scan_queue.db) so an in-flight scan survives a process
// restart. Uses database/sql with modernc.org/sqlite for local structured
// storage, with a versioned schema and a background flusher.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapetech/cfedgescan/internal/scanjob"
	"github.com/snapetech/cfedgescan/internal/verdict"
)

// schemaVersion is bumped on every migration and recorded in schema_meta.
// Open runs every statement of schemaMigrations and addedColumns on each
// start (all are idempotent), then stores schemaVersion.
const schemaVersion = 2

var schemaMigrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS scan_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		request_json TEXT NOT NULL,
		totals_json TEXT NOT NULL,
		stats_json TEXT NOT NULL DEFAULT '{}',
		logs_json TEXT NOT NULL DEFAULT '[]',
		results_json TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	)`,
}

// addedColumns are applied with ALTER TABLE ... ADD COLUMN against a
// scan_jobs table created by an earlier schemaVersion. sqlite has no "ADD
// COLUMN IF NOT EXISTS", so migrate ignores the "duplicate column" error
// each statement returns once it has already been applied.
var addedColumns = []string{
	`ALTER TABLE scan_jobs ADD COLUMN stats_json TEXT NOT NULL DEFAULT '{}'`,
	`ALTER TABLE scan_jobs ADD COLUMN logs_json TEXT NOT NULL DEFAULT '[]'`,
	`ALTER TABLE scan_jobs ADD COLUMN results_json TEXT NOT NULL DEFAULT '[]'`,
}

// Store is a sqlite-backed registry of scan job status snapshots. Safe for
// concurrent use; every exported method except Close takes the internal
// mutex before touching the database handle.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and applies any
// pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaMigrations[1]); err != nil {
		return fmt.Errorf("taskstore: migrate scan_jobs: %w", err)
	}
	if _, err := s.db.Exec(schemaMigrations[0]); err != nil {
		return fmt.Errorf("taskstore: migrate schema_meta: %w", err)
	}
	for _, stmt := range addedColumns {
		s.db.Exec(stmt) // already present on a fresh table; error ignored
	}
	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		if _, err := s.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("taskstore: seed schema_meta: %w", err)
		}
		return nil
	}
	if current != schemaVersion {
		if _, err := s.db.Exec(`UPDATE schema_meta SET version = ?`, schemaVersion); err != nil {
			return fmt.Errorf("taskstore: bump schema_meta: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts job's current status, request, totals, outcome histogram,
// recent log lines, and good results.
func (s *Store) Save(job *scanjob.Job) error {
	reqJSON, err := json.Marshal(job.Request())
	if err != nil {
		return fmt.Errorf("taskstore: marshal request: %w", err)
	}
	totalsJSON, err := json.Marshal(job.Totals())
	if err != nil {
		return fmt.Errorf("taskstore: marshal totals: %w", err)
	}
	statsJSON, err := json.Marshal(job.Stats())
	if err != nil {
		return fmt.Errorf("taskstore: marshal stats: %w", err)
	}
	logsJSON, err := json.Marshal(job.Logs())
	if err != nil {
		return fmt.Errorf("taskstore: marshal logs: %w", err)
	}
	resultsJSON, err := json.Marshal(job.Results())
	if err != nil {
		return fmt.Errorf("taskstore: marshal results: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO scan_jobs (id, status, request_json, totals_json, stats_json, logs_json, results_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			request_json = excluded.request_json,
			totals_json = excluded.totals_json,
			stats_json = excluded.stats_json,
			logs_json = excluded.logs_json,
			results_json = excluded.results_json,
			updated_at = excluded.updated_at`,
		job.ID(), string(job.Status()), string(reqJSON), string(totalsJSON),
		string(statsJSON), string(logsJSON), string(resultsJSON),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("taskstore: save %s: %w", job.ID(), err)
	}
	return nil
}

// Record is one persisted row, used for startup recovery.
type Record struct {
	ID      string
	Status  scanjob.Status
	Request scanjob.Request
	Totals  scanjob.Totals
	Stats   map[verdict.Outcome]int
	Logs    []string
	Results []scanjob.Outcome
}

// LoadAll returns every persisted job row, recovering from a prior process
// lifetime.
func (s *Store) LoadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, status, request_json, totals_json, stats_json, logs_json, results_json FROM scan_jobs`)
	if err != nil {
		return nil, fmt.Errorf("taskstore: load all: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var status, reqJSON, totalsJSON, statsJSON, logsJSON, resultsJSON string
		if err := rows.Scan(&r.ID, &status, &reqJSON, &totalsJSON, &statsJSON, &logsJSON, &resultsJSON); err != nil {
			return nil, fmt.Errorf("taskstore: scan row: %w", err)
		}
		r.Status = scanjob.Status(status)
		if err := json.Unmarshal([]byte(reqJSON), &r.Request); err != nil {
			log.Printf("taskstore: skip %s: bad request_json: %v", r.ID, err)
			continue
		}
		json.Unmarshal([]byte(totalsJSON), &r.Totals)
		json.Unmarshal([]byte(statsJSON), &r.Stats)
		json.Unmarshal([]byte(logsJSON), &r.Logs)
		json.Unmarshal([]byte(resultsJSON), &r.Results)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadJobs is LoadAll followed by reconstruction of each row into a live
// *scanjob.Job, for repopulating the API server's in-memory registry after
// a restart.
func (s *Store) LoadJobs() ([]*scanjob.Job, error) {
	records, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	jobs := make([]*scanjob.Job, 0, len(records))
	for _, r := range records {
		jobs = append(jobs, scanjob.Restore(r.ID, r.Status, r.Request, r.Totals, r.Stats, r.Logs, r.Results))
	}
	return jobs, nil
}

// RecoverRunningAsPaused rewrites every row whose status is "running" to
// "paused": a scan that was mid-flight when the process died is never
// silently auto-resumed, since re-launching unsupervised network activity
// on startup is surprising behavior for an operator-facing tool. A
// recovered job is kept for inspection only: a later resume call changes
// its status but does not run its probes again; the operator starts a new
// scan instead.
func (s *Store) RecoverRunningAsPaused() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE scan_jobs SET status = 'paused' WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("taskstore: recover running: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Flusher periodically persists job via Save until ctx is canceled, then
// performs one final save.
func Flusher(ctx context.Context, store *Store, job *scanjob.Job, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := store.Save(job); err != nil {
				log.Printf("taskstore: final flush %s: %v", job.ID(), err)
			}
			return
		case <-ticker.C:
			if err := store.Save(job); err != nil {
				log.Printf("taskstore: flush %s: %v", job.ID(), err)
			}
		}
	}
}
