package registry

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists instances in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS distributor_instances (
    name TEXT PRIMARY KEY,
    asset TEXT NOT NULL,
    root TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, name string) (*Instance, error) {
	row := p.pool.QueryRow(ctx, `
SELECT name, asset, root, created_at
FROM distributor_instances
WHERE name = $1
`, name)

	var inst Instance
	if err := row.Scan(&inst.Name, &inst.Asset, &inst.Root, &inst.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

func (p *PostgresStore) Save(ctx context.Context, inst Instance) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO distributor_instances (name, asset, root, created_at)
VALUES ($1, $2, $3, $4)
`, inst.Name, inst.Asset, inst.Root, inst.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateName
		}
		return err
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Instance, error) {
	rows, err := p.pool.Query(ctx, `
SELECT name, asset, root, created_at
FROM distributor_instances
ORDER BY created_at, name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.Name, &inst.Asset, &inst.Root, &inst.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
