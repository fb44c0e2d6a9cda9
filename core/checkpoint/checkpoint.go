// Package checkpoint persists fitted posteriors so long optimizations
// can stop and resume. Snapshots are keyed by (run, sweep, node) in a
// sqlite database; restoring the latest sweep of a run puts a freshly
// built model back where the saved run left off.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/nodes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRunNotFound indicates the run has no saved snapshots.
	ErrRunNotFound = errors.New("run not found")
)

// =============================================================================
// Store
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	run_id TEXT NOT NULL,
	sweep INTEGER NOT NULL,
	node TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	bound REAL NOT NULL,
	PRIMARY KEY (run_id, sweep, node)
);
`

// Store is a sqlite-backed snapshot store. A run is a named sequence of
// sweeps; each saved sweep holds one JSON payload per node plus the
// bound at that sweep.
type Store struct {
	db   *sql.DB
	path string
}

// Run describes one row of the runs table.
type Run struct {
	ID        string
	Model     string
	CreatedAt time.Time
}

// Open opens (creating if necessary) the snapshot database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun registers a run under a model label. Save registers unknown
// runs on first write with an empty label; CreateRun exists so listings
// show what was fit. Re-creating an existing run updates the label and
// keeps the original creation time.
func (s *Store) CreateRun(ctx context.Context, runID, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, model, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model
	`, runID, model, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create run %q: %w", runID, err)
	}
	return nil
}

// Save writes one snapshot row per node at the given sweep, all in one
// transaction. Saving the same (run, sweep) again replaces the rows.
func (s *Store) Save(ctx context.Context, runID string, sweep int, bound float64, nds []nodes.Snapshotter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (id, model, created_at) VALUES (?, '', ?)
	`, runID, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to register run %q: %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO snapshots (run_id, sweep, node, kind, payload, bound)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nds {
		payload, err := n.Snapshot()
		if err != nil {
			return fmt.Errorf("failed to snapshot node %q: %w", n.Name(), err)
		}
		if _, err := stmt.ExecContext(ctx, runID, sweep, n.Name(), kindOf(n), payload, bound); err != nil {
			return fmt.Errorf("failed to save snapshot for %q: %w", n.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return nil
}

// LoadLatest restores every given node from the newest saved sweep of
// the run and returns that sweep number and its bound. Nodes are matched
// by name; every node must have a saved payload. A restore failure can
// leave earlier nodes already restored, so on error the model should be
// rebuilt before use.
func (s *Store) LoadLatest(ctx context.Context, runID string, nds []nodes.Snapshotter) (int, float64, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sweep) FROM snapshots WHERE run_id = ?
	`, runID).Scan(&latest)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query run %q: %w", runID, err)
	}
	if !latest.Valid {
		return 0, 0, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}
	sweep := int(latest.Int64)

	rows, err := s.db.QueryContext(ctx, `
		SELECT node, payload, bound FROM snapshots WHERE run_id = ? AND sweep = ?
	`, runID, sweep)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load run %q sweep %d: %w", runID, sweep, err)
	}
	defer rows.Close()

	var bound float64
	payloads := make(map[string][]byte)
	for rows.Next() {
		var node string
		var payload []byte
		if err := rows.Scan(&node, &payload, &bound); err != nil {
			return 0, 0, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		payloads[node] = payload
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to load run %q sweep %d: %w", runID, sweep, err)
	}

	for _, n := range nds {
		payload, ok := payloads[n.Name()]
		if !ok {
			return 0, 0, fmt.Errorf("run %q sweep %d has no snapshot for node %q", runID, sweep, n.Name())
		}
		if err := n.Restore(payload); err != nil {
			return 0, 0, fmt.Errorf("failed to restore node %q: %w", n.Name(), err)
		}
	}
	return sweep, bound, nil
}

// Runs lists saved runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, created_at FROM runs ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.Model, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// kindOf reports the node's registered kind when it exposes graph
// metadata, empty otherwise.
func kindOf(n nodes.Snapshotter) string {
	if m, ok := n.(interface{ Meta() *graph.Meta }); ok {
		return m.Meta().Kind()
	}
	return ""
}

// =============================================================================
// Sweep writer
// =============================================================================

// SweepWriter saves snapshots on a sweep cadence. It implements
// graph.Observer so the engine stays unaware of persistence; save
// failures are logged, not propagated.
type SweepWriter struct {
	Store *Store
	RunID string
	Nodes []nodes.Snapshotter

	// Every is the sweep cadence. The converged sweep is always saved.
	Every int

	// Base offsets stored sweep numbers, for runs resumed mid-way.
	Base int

	Logger *slog.Logger
}

// Writer adapts the store to a graph.Observer that saves the given
// nodes every K sweeps.
func Writer(store *Store, runID string, every int, nds []nodes.Snapshotter) *SweepWriter {
	if every < 1 {
		every = 1
	}
	return &SweepWriter{
		Store:  store,
		RunID:  runID,
		Nodes:  nds,
		Every:  every,
		Logger: slog.Default(),
	}
}

// AfterSweep implements graph.Observer.
func (w *SweepWriter) AfterSweep(info graph.SweepInfo) {
	sweep := w.Base + info.Sweep
	if !info.Converged && sweep%w.Every != 0 {
		return
	}
	if err := w.Store.Save(context.Background(), w.RunID, sweep, info.Bound, w.Nodes); err != nil {
		w.Logger.Warn("checkpoint save failed", "run", w.RunID, "sweep", sweep, "error", err)
	}
}
