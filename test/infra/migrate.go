package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carhunter/db"
)

// ApplyMigrations opens a pool on dsn and applies the embedded migrations.
// With isolate, everything lands in a fresh stress_run_<n> schema that the
// returned teardown drops; otherwise teardown is a no-op.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	teardown := func(context.Context) error { return nil }
	opts := db.PoolOptions{MaxConns: 32, MaxConnLifetime: 5 * time.Minute}

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		if err := schemaDDL(ctx, dsn, "CREATE SCHEMA %s", schema); err != nil {
			return nil, nil, err
		}
		opts.SearchPath = schema
		teardown = func(ctx context.Context) error {
			return schemaDDL(ctx, dsn, "DROP SCHEMA IF EXISTS %s CASCADE", schema)
		}
	}

	pool, err := db.NewPoolWithOptions(ctx, dsn, opts)
	if err == nil {
		_, err = db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
		}
	}
	if err != nil {
		if dropErr := teardown(ctx); dropErr != nil {
			err = fmt.Errorf("%w (teardown: %v)", err, dropErr)
		}
		return nil, nil, err
	}
	return pool, teardown, nil
}

// schemaDDL runs a one-off schema statement on a dedicated connection so it
// is not affected by the pool's search_path.
func schemaDDL(ctx context.Context, dsn, format, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("infra: connect for %s: %w", schema, err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, fmt.Sprintf(format, pgx.Identifier{schema}.Sanitize())); err != nil {
		return fmt.Errorf("infra: %s: %w", fmt.Sprintf(format, schema), err)
	}
	return nil
}
