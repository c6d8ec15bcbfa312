// Package sqlite is the run journal backed by an SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"fragorder/internal/domain"
	"fragorder/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS peers (
	peer_id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	sources TEXT NOT NULL,
	connected_at_ns INTEGER NOT NULL,
	disconnected_at_ns INTEGER,
	clean INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	started_at_ns INTEGER NOT NULL,
	ended_at_ns INTEGER
);

CREATE TABLE IF NOT EXISTS barriers (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	source_id INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	peer_id TEXT NOT NULL,
	recorded_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_barriers_run ON barriers(run_id, kind, source_id);

CREATE TABLE IF NOT EXISTS source_counts (
	run_id TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	fragments INTEGER NOT NULL DEFAULT 0,
	bytes INTEGER NOT NULL DEFAULT 0,
	first_timestamp INTEGER NOT NULL,
	last_timestamp INTEGER NOT NULL,
	PRIMARY KEY (run_id, source_id)
);

CREATE TRIGGER IF NOT EXISTS trg_barriers_no_update
BEFORE UPDATE ON barriers
BEGIN
	SELECT RAISE(ABORT, 'barriers are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_barriers_no_delete
BEFORE DELETE ON barriers
BEGIN
	SELECT RAISE(ABORT, 'barriers are append-only: DELETE forbidden');
END;
`

// OutsideRun is the run id data fragments are counted under when no run is
// active.
const OutsideRun = storage.OutsideRun

type Journal struct {
	db  *sql.DB
	now func() time.Time

	mu   sync.Mutex
	runs *storage.RunTracker
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	j := &Journal{db: db, now: time.Now, runs: storage.NewRunTracker()}
	if err := j.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// restore resumes the run that was active when the journal was last closed.
func (j *Journal) restore() error {
	var active string
	row := j.db.QueryRow(`SELECT run_id FROM runs WHERE state=? ORDER BY started_at_ns DESC LIMIT 1`, string(storage.RunActive))
	if err := row.Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	begins, err := j.barrierSources(active, domain.BarrierBeginRun)
	if err != nil {
		return err
	}
	ends, err := j.barrierSources(active, domain.BarrierEndRun)
	if err != nil {
		return err
	}
	j.runs.Restore(active, begins, ends)
	return nil
}

func (j *Journal) barrierSources(runID string, kind domain.BarrierKind) ([]domain.SourceID, error) {
	rows, err := j.db.Query(`SELECT DISTINCT source_id FROM barriers WHERE run_id=? AND kind=?`, runID, int(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SourceID
	for rows.Next() {
		var sid int64
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		out = append(out, domain.SourceID(sid))
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) PeerConnected(ctx context.Context, peerID, description string, sources []domain.SourceID) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO peers(peer_id, description, sources, connected_at_ns) VALUES(?, ?, ?, ?)`,
		peerID, description, joinSources(sources), j.now().UTC().UnixNano())
	return err
}

func (j *Journal) PeerDisconnected(ctx context.Context, peerID string, clean bool) error {
	res, err := j.db.ExecContext(ctx, `
UPDATE peers SET disconnected_at_ns=?, clean=? WHERE peer_id=?`,
		j.now().UTC().UnixNano(), boolInt(clean), peerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: peer %s", domain.ErrNotFound, peerID)
	}
	return nil
}

// Record journals one fragment and returns the run it belongs to. Barriers
// open and close runs; data fragments are counted against the active run.
// An end-run barrier outside a run is not journaled.
func (j *Journal) Record(ctx context.Context, peerID string, f domain.Fragment) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	step := j.runs.Plan(f)
	if f.Barrier == domain.BarrierEndRun && step.RunID == OutsideRun {
		return OutsideRun, nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := j.now().UTC().UnixNano()
	if step.Opened {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO runs(run_id, state, started_at_ns) VALUES(?, ?, ?)`, step.RunID, string(storage.RunActive), now); err != nil {
			return "", err
		}
	}
	switch f.Barrier {
	case domain.BarrierBeginRun, domain.BarrierEndRun:
		if err := insertBarrier(ctx, tx, step.RunID, peerID, f, now); err != nil {
			return "", err
		}
	default:
		if _, err := tx.ExecContext(ctx, `
INSERT INTO source_counts(run_id, source_id, fragments, bytes, first_timestamp, last_timestamp)
VALUES(?, ?, 1, ?, ?, ?)
ON CONFLICT(run_id, source_id)
DO UPDATE SET fragments=fragments+1, bytes=bytes+excluded.bytes, last_timestamp=excluded.last_timestamp`,
			step.RunID, int64(f.SourceID), int64(len(f.Payload)), int64(f.Timestamp), int64(f.Timestamp)); err != nil {
			return "", err
		}
	}
	if step.Closed {
		if _, err := tx.ExecContext(ctx, `
UPDATE runs SET state=?, ended_at_ns=? WHERE run_id=?`, string(storage.RunEnded), now, step.RunID); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	j.runs.Apply(step)
	return step.RunID, nil
}

// ActiveRun returns the run currently in progress.
func (j *Journal) ActiveRun(ctx context.Context) (storage.Run, bool, error) {
	id := j.runs.Current()
	if id == OutsideRun {
		return storage.Run{}, false, nil
	}
	return j.Run(ctx, id)
}

// runSourceCounts selects the begin and end source counts of run r. Only
// ends from sources that began the run are counted.
const runSourceCounts = `
	(SELECT count(DISTINCT source_id) FROM barriers b WHERE b.run_id=r.run_id AND b.kind=?),
	(SELECT count(DISTINCT e.source_id) FROM barriers e WHERE e.run_id=r.run_id AND e.kind=?
		AND e.source_id IN (SELECT source_id FROM barriers s WHERE s.run_id=r.run_id AND s.kind=?))`

func (j *Journal) Run(ctx context.Context, runID string) (storage.Run, bool, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT run_id, state, started_at_ns, ended_at_ns,
` + runSourceCounts + `
FROM runs r WHERE run_id=?`, int(domain.BarrierBeginRun), int(domain.BarrierEndRun), int(domain.BarrierBeginRun), runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Run{}, false, nil
	}
	if err != nil {
		return storage.Run{}, false, err
	}
	return r, true, nil
}

// Runs lists every run, oldest first.
func (j *Journal) Runs(ctx context.Context) ([]storage.Run, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT run_id, state, started_at_ns, ended_at_ns,
` + runSourceCounts + `
FROM runs r ORDER BY started_at_ns ASC, rowid ASC`, int(domain.BarrierBeginRun), int(domain.BarrierEndRun), int(domain.BarrierBeginRun))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) SourceCounts(ctx context.Context, runID string) ([]storage.SourceCount, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT run_id, source_id, fragments, bytes, first_timestamp, last_timestamp
FROM source_counts WHERE run_id=? ORDER BY source_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.SourceCount
	for rows.Next() {
		var c storage.SourceCount
		var sid, frags, bytes, first, last int64
		if err := rows.Scan(&c.RunID, &sid, &frags, &bytes, &first, &last); err != nil {
			return nil, err
		}
		c.SourceID, c.Fragments, c.Bytes = domain.SourceID(sid), uint64(frags), uint64(bytes)
		c.FirstTimestamp, c.LastTimestamp = uint64(first), uint64(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (j *Journal) Barriers(ctx context.Context, runID string) ([]storage.Barrier, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT run_id, source_id, kind, timestamp, peer_id, recorded_at_ns
FROM barriers WHERE run_id=? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Barrier
	for rows.Next() {
		var b storage.Barrier
		var sid, kind, ts, at int64
		if err := rows.Scan(&b.RunID, &sid, &kind, &ts, &b.PeerID, &at); err != nil {
			return nil, err
		}
		b.SourceID, b.Kind, b.Timestamp = domain.SourceID(sid), domain.BarrierKind(kind), uint64(ts)
		b.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (j *Journal) Peer(ctx context.Context, peerID string) (storage.Peer, bool, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT peer_id, description, sources, connected_at_ns, disconnected_at_ns, clean
FROM peers WHERE peer_id=?`, peerID)
	var p storage.Peer
	var sources string
	var connected int64
	var disconnected sql.NullInt64
	var clean int
	err := row.Scan(&p.ID, &p.Description, &sources, &connected, &disconnected, &clean)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Peer{}, false, nil
	}
	if err != nil {
		return storage.Peer{}, false, err
	}
	p.Sources, err = splitSources(sources)
	if err != nil {
		return storage.Peer{}, false, err
	}
	p.ConnectedAt = time.Unix(0, connected).UTC()
	if disconnected.Valid {
		p.DisconnectedAt = time.Unix(0, disconnected.Int64).UTC()
	}
	p.Clean = clean != 0
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (storage.Run, error) {
	var r storage.Run
	var state string
	var started int64
	var ended sql.NullInt64
	if err := s.Scan(&r.ID, &state, &started, &ended, &r.BeginSources, &r.EndSources); err != nil {
		return storage.Run{}, err
	}
	r.State = storage.RunState(state)
	r.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		r.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	return r, nil
}

func insertBarrier(ctx context.Context, tx *sql.Tx, runID, peerID string, f domain.Fragment, now int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO barriers(run_id, source_id, kind, timestamp, peer_id, recorded_at_ns) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, int64(f.SourceID), int64(f.Barrier), int64(f.Timestamp), peerID, now)
	return err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func joinSources(ids []domain.SourceID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func splitSources(s string) ([]domain.SourceID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.SourceID, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("journal source list %q: %w", s, err)
		}
		out[i] = domain.SourceID(v)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
