package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/myogestic/myogestic/internal/conformal"
)

// PostgresStore keeps snapshots in a single table.
//
// Schema:
//
//	CREATE TABLE calibrator_snapshots (
//	  name       VARCHAR(128) PRIMARY KEY,
//	  algorithm  VARCHAR(8) NOT NULL,
//	  payload    BYTEA NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createSnapshotTable = `
	CREATE TABLE IF NOT EXISTS calibrator_snapshots (
		name       VARCHAR(128) PRIMARY KEY,
		algorithm  VARCHAR(8) NOT NULL,
		payload    BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// NewPostgresStore connects, pings and creates the table if it is missing.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, createSnapshotTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, name string) (*conformal.Calibrator, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM calibrator_snapshots WHERE name = $1`, name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return decode(payload)
}

func (p *PostgresStore) Put(ctx context.Context, name string, c *conformal.Calibrator) error {
	if err := CheckName(name); err != nil {
		return err
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calibrator_snapshots (name, algorithm, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET algorithm = EXCLUDED.algorithm, payload = EXCLUDED.payload, updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, name, c.Algorithm().String(), payload); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM calibrator_snapshots WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM calibrator_snapshots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres scan failed: %w", err)
	}
	return names, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
