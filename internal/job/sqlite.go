package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jobagent/jobagent/internal/clock"
	"github.com/jobagent/jobagent/internal/codec"
)

const cursorKey = "last_processed_timestamp"

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used to stamp state-entry and update times.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One connection: SQLite has a single writer, and every ":memory:"
	// connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, clock: clock.Real()}
	for _, opt := range opts {
		opt(s)
	}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS jobs (
			job_id           TEXT PRIMARY KEY,
			state            TEXT NOT NULL DEFAULT 'open',
			title            TEXT NOT NULL DEFAULT '',
			tags             BLOB,
			amount           TEXT NOT NULL DEFAULT '0',
			details          BLOB,
			created_at       INTEGER NOT NULL,
			state_entered_at INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			tx_hash          TEXT NOT NULL DEFAULT '',
			content_id       TEXT NOT NULL DEFAULT '',
			pending_action   TEXT NOT NULL DEFAULT '',
			pending_tx       TEXT NOT NULL DEFAULT '',
			pending_since    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, state_entered_at);
		CREATE TABLE IF NOT EXISTS transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			tx_hash    TEXT NOT NULL DEFAULT '',
			content_id TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_job ON transitions(job_id, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *SQLiteStore) Cursor(ctx context.Context) (int64, error) {
	return readCursor(s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, cursorKey))
}

func readCursor(row *sql.Row) (int64, error) {
	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", raw, err)
	}
	return v, nil
}

func (s *SQLiteStore) AdvanceCursor(ctx context.Context, t int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := readCursor(tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, cursorKey))
	if err != nil {
		return err
	}
	if t < current {
		return fmt.Errorf("advance cursor to %d from %d: %w", t, current, ErrInvalidCursor)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, cursorKey, strconv.FormatInt(t, 10)); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, j Job) (bool, error) {
	if j.ID == "" {
		return false, errors.New("upsert job: empty job id")
	}
	state := j.State
	if state == "" {
		state = StateOpen
	}
	if !state.Valid() {
		return false, fmt.Errorf("upsert job %s: invalid state %q", j.ID, state)
	}
	tags, err := codec.Marshal(j.Tags)
	if err != nil {
		return false, fmt.Errorf("encode tags for job %s: %w", j.ID, err)
	}
	details, err := codec.Marshal(j.Details)
	if err != nil {
		return false, fmt.Errorf("encode details for job %s: %w", j.ID, err)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(job_id, state, title, tags, amount, details, created_at, state_entered_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`,
		j.ID,
		state,
		j.Title,
		tags,
		j.Amount.String(),
		details,
		j.CreatedAt.Unix(),
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetJobState(ctx context.Context, id string, state State) error {
	return s.CompleteTransition(ctx, id, state, Proof{})
}

func (s *SQLiteStore) CompleteTransition(ctx context.Context, id string, state State, proof Proof) error {
	if !state.Valid() {
		return fmt.Errorf("set state for job %s: invalid state %q", id, state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set state for job %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var from State
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE job_id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set state for job %s: %w", id, ErrUnknownJob)
	}
	if err != nil {
		return fmt.Errorf("set state for job %s: %w", id, err)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?, state_entered_at = ?, updated_at = ?,
			tx_hash = ?,
			content_id = CASE WHEN ? = '' THEN content_id ELSE ? END,
			pending_action = '', pending_tx = '', pending_since = NULL
		WHERE job_id = ?
	`, state, now, now, proof.TxHash, proof.ContentID, proof.ContentID, id); err != nil {
		return fmt.Errorf("set state for job %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (job_id, from_state, to_state, tx_hash, content_id, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, from, state, proof.TxHash, proof.ContentID, now); err != nil {
		return fmt.Errorf("record transition for job %s: %w", id, err)
	}
	return tx.Commit()
}

const jobColumns = `job_id, state, title, tags, amount, details, created_at, state_entered_at,
		updated_at, tx_hash, content_id, pending_action, pending_tx, pending_since`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		tags, details                   []byte
		amount                          string
		createdAt, enteredAt, updatedAt int64
		pendingSince                    sql.NullInt64
	)
	if err := row.Scan(
		&j.ID, &j.State, &j.Title, &tags, &amount, &details, &createdAt, &enteredAt,
		&updatedAt, &j.TxHash, &j.ContentID, &j.PendingAction, &j.PendingTx, &pendingSince,
	); err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := codec.Unmarshal(tags, &j.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for job %s: %w", j.ID, err)
		}
	}
	if len(details) > 0 {
		if err := codec.Unmarshal(details, &j.Details); err != nil {
			return nil, fmt.Errorf("decode details for job %s: %w", j.ID, err)
		}
	}
	if _, _, err := j.Amount.SetString(amount); err != nil {
		return nil, fmt.Errorf("decode amount for job %s: %w", j.ID, err)
	}
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.StateEnteredAt = time.UnixMilli(enteredAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if pendingSince.Valid {
		t := time.UnixMilli(pendingSince.Int64).UTC()
		j.PendingSince = &t
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListByState returns all jobs in state, oldest first.
func (s *SQLiteStore) ListByState(ctx context.Context, state State) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ?
		ORDER BY created_at ASC, job_id ASC
	`, state)
	if err != nil {
		return nil, fmt.Errorf("list %q jobs: %w", state, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %q jobs: %w", state, err)
	}
	return jobs, nil
}

func (s *SQLiteStore) ListAwaitingDelivery(ctx context.Context, minAge time.Duration, simulated bool) ([]string, error) {
	cutoff := s.clock.Now().Add(-minAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM jobs
		WHERE state = ? AND state_entered_at <= ?
		ORDER BY state_entered_at ASC, job_id ASC
	`, Taken(simulated), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query jobs awaiting delivery: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs awaiting delivery: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// History returns the audit trail of id, oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, from_state, to_state, tx_hash, content_id, at
		FROM transitions WHERE job_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("history for job %s: %w", id, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var at int64
		if err := rows.Scan(&tr.JobID, &tr.From, &tr.To, &tr.TxHash, &tr.ContentID, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.At = time.UnixMilli(at).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkAttempt(ctx context.Context, id string, action Action) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pending_action = ?, pending_tx = '', pending_since = ?
		WHERE job_id = ?
	`, action, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark attempt for job %s: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("mark attempt for job %s", id), ErrUnknownJob)
}

func (s *SQLiteStore) RecordAttemptTx(ctx context.Context, id, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pending_tx = ? WHERE job_id = ? AND pending_action != ''
	`, txHash, id)
	if err != nil {
		return fmt.Errorf("record attempt tx for job %s: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("record attempt tx for job %s", id), ErrNoAttempt)
}

func (s *SQLiteStore) ClearAttempt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pending_action = '', pending_tx = '', pending_since = NULL
		WHERE job_id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("clear attempt for job %s: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("clear attempt for job %s", id), ErrUnknownJob)
}

func requireRow(res sql.Result, op string, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, missing)
	}
	return nil
}
