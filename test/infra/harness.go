package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a stress or integration run works against: a
// container, a local scratch database or a caller supplied DSN, migrated and
// optionally isolated in its own schema.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness picks a database in order of preference: dsn, STRESS_TEST_PG_DSN,
// a Postgres 16 container, then a local server. Shared databases get a
// throwaway schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := true

	switch {
	case dsn != "":
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	case dockerAvailable(ctx):
		c, containerDSN, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container, dsn, shared = c, containerDSN, false
	default:
		localDSN, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, err
		}
		dsn, shared = localDSN, false
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.pool, h.teardown, h.dsn = pool, teardown, dsn
	return h, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Reset empties every governance table. TRUNCATE bypasses the audit_log row
// triggers, which only guard UPDATE and DELETE.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{"audit_log", "approval_queue", "processed_events", "negotiation_contexts", "deals"}
	idents := make([]string, 0, len(tables))
	for _, t := range tables {
		idents = append(idents, pgx.Identifier{t}.Sanitize())
	}
	stmt := "TRUNCATE " + strings.Join(idents, ", ") + " RESTART IDENTITY"
	if _, err := h.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close tears down resources. Errors are returned from the schema drop only.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
	return err
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
