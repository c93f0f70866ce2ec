package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists checkpoints to PostgreSQL.
// It is suitable for multi-process deployments sharing one database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to dsn and creates the checkpoint table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flow_checkpoints (
			flow_id TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			data BYTEA NOT NULL
		)
	`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, flowID string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_checkpoints (flow_id, revision, updated_at, data)
		VALUES ($1, 1, now(), $2)
		ON CONFLICT (flow_id) DO UPDATE SET
			revision = flow_checkpoints.revision + 1,
			updated_at = now(),
			data = EXCLUDED.data
	`, flowID, data)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, flowID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM flow_checkpoints WHERE flow_id = $1`, flowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT flow_id, revision, updated_at, octet_length(data)
		FROM flow_checkpoints
		ORDER BY flow_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.FlowID, &info.Revision, &info.UpdatedAt, &info.Size); err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return infos, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, flowID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM flow_checkpoints WHERE flow_id = $1`, flowID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}
