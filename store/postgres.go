package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/nomis52/tenantflow/execution"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	workflow_type TEXT NOT NULL,
	version       INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_seq      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS executions_tenant_status_idx ON executions (tenant_id, status);

CREATE TABLE IF NOT EXISTS execution_events (
	execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	seq          BIGINT NOT NULL,
	type         TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	body         JSONB NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	// DSN is a libpq connection string or URL.
	DSN string `yaml:"dsn"`
	// MaxConns caps the pool size. Zero uses the pgx default.
	MaxConns int32 `yaml:"max_conns"`
	// ConnectAttempts is how many times to try reaching the database at
	// startup.
	ConnectAttempts uint64 `yaml:"connect_attempts"`
	// ConnectBackoff is the initial delay between connection attempts.
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// PostgresStore stores histories in PostgreSQL.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to the database, retrying with exponential backoff
// while it is unavailable, and applies the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var pool *pgxpool.Pool
	err = retry.Do(ctx, retry.WithMaxRetries(attempts-1, retry.NewExponential(backoff)), func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("database not reachable, retrying", "error", err)
			return retry.RetryableError(err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewPostgresStore(pool, logger)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. Call Migrate before use.
func NewPostgresStore(db *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Append implements Store. The header update is conditional on the stored
// last_seq, which serialises concurrent writers.
func (s *PostgresStore) Append(ctx context.Context, h Header, events ...execution.Event) error {
	if len(events) == 0 {
		return fmt.Errorf("append to %s: no events", h.ID)
	}
	first := events[0].Seq
	if err := checkAppend(h, events, first != 1, first-1); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if first == 1 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO executions (id, tenant_id, workflow_type, version, status, created_at, updated_at, last_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			h.ID, h.TenantID, h.WorkflowType, h.Version, string(h.Status), h.CreatedAt, h.UpdatedAt, h.LastSeq)
		if err != nil {
			return fmt.Errorf("failed to insert execution %s: %w", h.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s already exists", ErrSequenceConflict, h.ID)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE executions SET status = $2, updated_at = $3, last_seq = $4
			WHERE id = $1 AND last_seq = $5`,
			h.ID, string(h.Status), h.UpdatedAt, h.LastSeq, first-1)
		if err != nil {
			return fmt.Errorf("failed to update execution %s: %w", h.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var stored int64
			err := tx.QueryRow(ctx, `SELECT last_seq FROM executions WHERE id = $1`, h.ID).Scan(&stored)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, h.ID)
			}
			return fmt.Errorf("%w: %s has seq %d, append starts at %d", ErrSequenceConflict, h.ID, stored, first)
		}
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d of %s: %w", e.Seq, h.ID, err)
		}
		batch.Queue(`INSERT INTO execution_events (execution_id, seq, type, recorded_at, body) VALUES ($1, $2, $3, $4, $5)`,
			h.ID, e.Seq, string(e.Type), e.Time, body)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert events of %s: %w", h.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append to %s: %w", h.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, id string) (Header, []execution.Event, error) {
	h, err := scanHeader(s.db.QueryRow(ctx, `
		SELECT id, tenant_id, workflow_type, version, status, created_at, updated_at, last_seq
		FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Header{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `SELECT body FROM execution_events WHERE execution_id = $1 ORDER BY seq`, id)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to load events of %s: %w", id, err)
	}
	defer rows.Close()

	var events []execution.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return Header{}, nil, err
		}
		var e execution.Event
		if err := json.Unmarshal(body, &e); err != nil {
			return Header{}, nil, fmt.Errorf("failed to decode event of %s: %w", id, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return Header{}, nil, err
	}
	return h, events, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Header, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = "+arg(f.TenantID))
	}
	if f.WorkflowType != "" {
		where = append(where, "workflow_type = "+arg(f.WorkflowType))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.NonTerminal {
		var terminal []string
		for _, st := range execution.Statuses() {
			if st.IsTerminal() {
				terminal = append(terminal, string(st))
			}
		}
		where = append(where, "NOT (status = ANY("+arg(terminal)+"))")
	}

	query := `SELECT id, tenant_id, workflow_type, version, status, created_at, updated_at, last_seq FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanHeader(row pgx.Row) (Header, error) {
	var (
		h      Header
		status string
	)
	err := row.Scan(&h.ID, &h.TenantID, &h.WorkflowType, &h.Version, &status, &h.CreatedAt, &h.UpdatedAt, &h.LastSeq)
	h.Status = execution.Status(status)
	return h, err
}
