// Package runlog keeps an append-only SQLite history of aggregation runs.
// The pipeline only writes to it; runs never read earlier results back.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// Run is the summary row of one aggregation run.
type Run struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	SourcesTotal  int       `json:"sources_total"`
	SourcesFailed int       `json:"sources_failed"`
	Descriptors   int       `json:"descriptors"`
	Malformed     int       `json:"malformed"`
	Tested        int       `json:"tested"`
	Accepted      int       `json:"accepted"`
	Error         string    `json:"error,omitempty"`
}

// SourceStat is the per-source fetch outcome of a run.
type SourceStat struct {
	Name        string        `json:"name"`
	Descriptors int           `json:"descriptors"`
	Malformed   int           `json:"malformed"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Result is the per-descriptor probe outcome of a run.
type Result struct {
	Fingerprint node.Fingerprint `json:"fingerprint"`
	Protocol    node.Protocol    `json:"protocol"`
	Address     string           `json:"address"`
	Port        int              `json:"port"`
	Source      string           `json:"source,omitempty"`
	LatencyMs   int              `json:"latency_ms"`
	TrustScore  int              `json:"trust_score"`
	CountryCode string           `json:"country_code,omitempty"`
	ErrorKind   node.ErrorKind   `json:"error_kind,omitempty"`
	Acceptable  bool             `json:"acceptable"`
}

// Store wraps history.db. Writes are serialized by an internal mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenDB opens (or creates) a SQLite database at path with WAL journaling,
// foreign keys and a busy timeout.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runlog: open db %s: %w", path, err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("runlog: exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// Open opens history.db at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a run with its source stats and results in one transaction.
func (s *Store) Record(ctx context.Context, run Run, sources []SourceStat, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runlog: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at_ns, finished_at_ns, sources_total, sources_failed,
		                  descriptors, malformed, tested, accepted, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.SourcesTotal, run.SourcesFailed,
		run.Descriptors, run.Malformed, run.Tested, run.Accepted, run.Error); err != nil {
		return fmt.Errorf("runlog: insert run %s: %w", run.ID, err)
	}

	if len(sources) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO run_sources (run_id, name, descriptors, malformed, bytes, duration_ns, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("runlog: prepare source insert: %w", err)
		}
		defer stmt.Close()
		for _, src := range sources {
			if _, err := stmt.ExecContext(ctx, run.ID, src.Name, src.Descriptors, src.Malformed,
				src.Bytes, int64(src.Duration), src.Error); err != nil {
				return fmt.Errorf("runlog: insert source %s: %w", src.Name, err)
			}
		}
	}

	if len(results) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO run_results (run_id, fingerprint, protocol, address, port, source,
			                                    latency_ms, trust_score, country_code, error_kind, acceptable)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("runlog: prepare result insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range results {
			if _, err := stmt.ExecContext(ctx, run.ID, r.Fingerprint.Hex(), string(r.Protocol), r.Address,
				r.Port, r.Source, r.LatencyMs, r.TrustScore, r.CountryCode, string(r.ErrorKind),
				boolToInt(r.Acceptable)); err != nil {
				return fmt.Errorf("runlog: insert result %s: %w", r.Fingerprint, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runlog: commit run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at_ns, finished_at_ns, sources_total, sources_failed,
		       descriptors, malformed, tested, accepted, error
		FROM runs
		ORDER BY started_at_ns DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			startedNs, finishNs int64
		)
		if err := rows.Scan(&r.ID, &startedNs, &finishNs, &r.SourcesTotal, &r.SourcesFailed,
			&r.Descriptors, &r.Malformed, &r.Tested, &r.Accepted, &r.Error); err != nil {
			return nil, fmt.Errorf("runlog: scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, startedNs).UTC()
		r.FinishedAt = time.Unix(0, finishNs).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Results returns the stored probe results of one run ordered by latency.
func (s *Store) Results(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, protocol, address, port, source, latency_ms, trust_score,
		       country_code, error_kind, acceptable
		FROM run_results
		WHERE run_id = ?
		ORDER BY latency_ms ASC, fingerprint ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: query results %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r           Result
			fingerprint string
			protocol    string
			errorKind   string
			acceptable  int
		)
		if err := rows.Scan(&fingerprint, &protocol, &r.Address, &r.Port, &r.Source, &r.LatencyMs,
			&r.TrustScore, &r.CountryCode, &errorKind, &acceptable); err != nil {
			return nil, fmt.Errorf("runlog: scan result: %w", err)
		}
		fp, err := node.ParseHex(fingerprint)
		if err != nil {
			return nil, fmt.Errorf("runlog: result fingerprint: %w", err)
		}
		r.Fingerprint = fp
		r.Protocol = node.Protocol(protocol)
		r.ErrorKind = node.ErrorKind(errorKind)
		r.Acceptable = acceptable != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sources returns the stored per-source stats of one run.
func (s *Store) Sources(ctx context.Context, runID string) ([]SourceStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, descriptors, malformed, bytes, duration_ns, error
		FROM run_sources
		WHERE run_id = ?
		ORDER BY name ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: query sources %s: %w", runID, err)
	}
	defer rows.Close()

	var out []SourceStat
	for rows.Next() {
		var (
			st         SourceStat
			durationNs int64
		)
		if err := rows.Scan(&st.Name, &st.Descriptors, &st.Malformed, &st.Bytes, &durationNs, &st.Error); err != nil {
			return nil, fmt.Errorf("runlog: scan source: %w", err)
		}
		st.Duration = time.Duration(durationNs)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ResultFromTest converts a probe outcome into a history row.
func ResultFromTest(d node.Descriptor, r node.TestResult) Result {
	return Result{
		Fingerprint: r.Fingerprint,
		Protocol:    d.Protocol,
		Address:     d.Address,
		Port:        d.Port,
		Source:      d.Source,
		LatencyMs:   r.LatencyMs,
		TrustScore:  r.TrustScore,
		CountryCode: r.CountryCode(),
		ErrorKind:   r.ErrorKind,
		Acceptable:  r.Acceptable,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
