package credentials

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	versionTable = "schema_version"
	lookupQuery  = `SELECT token, name, type, secrets FROM credentials WHERE token = $1 LIMIT 1`
)

// Postgres resolves credentials from the credentials table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a store using pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Lookup(ctx context.Context, token string) (Credentials, error) {
	var c Credentials
	err := p.pool.QueryRow(ctx, lookupQuery, token).Scan(&c.Token, &c.Name, &c.Type, &c.Secrets)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("query credentials: %w", err)
	}
	return c, nil
}

// Migrate brings the schema up to date on a pooled connection.
func (p *Postgres) Migrate(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return Migrate(ctx, conn.Conn())
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate applies the embedded migrations on conn.
func Migrate(ctx context.Context, conn *pgx.Conn) error {
	m, err := migrate.NewMigrator(ctx, conn, versionTable)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	if err := m.LoadMigrations(sub); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
