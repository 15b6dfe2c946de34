package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so that text ordering is time ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing). Rows expire
// ttl after their last update; a zero ttl keeps them forever.
func Open(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, st *schema.JobState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling job state: %w", err)
	}

	now := s.now().UTC()
	var expires any
	if s.ttl > 0 {
		expires = now.Add(s.ttl).Format(timeFormat)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, environment, checks, state, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			environment = excluded.environment,
			checks = excluded.checks,
			state = excluded.state,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		st.ID, string(st.Status), st.Environment, len(st.Outputs), string(data),
		now.Format(timeFormat), now.Format(timeFormat), expires,
	)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", st.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*schema.JobState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM jobs WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, s.now().UTC().Format(timeFormat)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	var st schema.JobState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("unmarshaling job state: %w", err)
	}
	return &st, nil
}

// Resolve matches prefixes with substr rather than LIKE so that ids are
// compared literally.
func (s *SQLiteStore) Resolve(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", storage.NotFound(prefix)
	}
	now := s.now().UTC().Format(timeFormat)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE substr(id, 1, length(?)) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY id = ? DESC
		LIMIT 2`, prefix, prefix, now, prefix)
	if err != nil {
		return "", fmt.Errorf("querying job: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch {
	case len(matches) == 0:
		return "", storage.NotFound(prefix)
	case matches[0] == prefix, len(matches) == 1:
		return matches[0], nil
	default:
		return "", storage.Ambiguous(prefix, len(matches))
	}
}

func (s *SQLiteStore) List(ctx context.Context, opts storage.ListOptions) ([]storage.JobSummary, error) {
	query := `SELECT id, status, environment, checks, created_at, updated_at FROM jobs
		WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{s.now().UTC().Format(timeFormat)}

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, opts.EffectiveLimit(), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []storage.JobSummary
	for rows.Next() {
		var (
			j                    storage.JobSummary
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&j.ID, &status, &j.Environment, &j.Checks, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.Status = schema.Status(status)
		j.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		j.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, s.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFound(id)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
