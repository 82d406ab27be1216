package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS autorun_history (
	id INTEGER PRIMARY KEY,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend keeps the document in a single jsonb row.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with dsn, pings, and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Load(ctx context.Context) (*Document, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT document FROM autorun_history WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse history from postgres: %w", err)
	}
	return doc.normalize(), nil
}

func (p *PostgresBackend) Save(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO autorun_history (id, document, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`, string(data))
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
