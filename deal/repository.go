package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carhunter/lifecycle"
)

var (
	// ErrNotFound signals the requested deal does not exist.
	ErrNotFound = errors.New("deal: not found")
	// ErrDuplicate signals a deal with the same id already exists.
	ErrDuplicate = errors.New("deal: already exists")
)

// Reader is the read governance needs: the active set behind portfolio
// exposure. Single-deal lookups go through the concrete repository.
type Reader interface {
	ListDealsByStatus(ctx context.Context, statuses []lifecycle.Status) ([]Deal, error)
}

// PGRepository implements Reader backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const dealColumns = `id, title, listing_url, listed_price, negotiated_price, estimated_total_cost, status, status_updated_at, created_at, updated_at`

// InsertDeal registers a newly discovered listing. Used by seeding tools and
// tests; the orchestrator normally writes deals itself.
func (r *PGRepository) InsertDeal(ctx context.Context, d Deal) (Deal, error) {
	if d.ID == "" {
		return Deal{}, fmt.Errorf("deal: missing id")
	}
	if d.Status == "" {
		d.Status = lifecycle.StatusDiscovered
	}

	const insertSQL = `
		INSERT INTO deals (id, title, listing_url, listed_price, negotiated_price, estimated_total_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + dealColumns

	created, err := scanDeal(r.pool.QueryRow(ctx, insertSQL, d.ID, d.Title, d.ListingURL, d.ListedPrice, d.NegotiatedPrice, d.EstimatedTotalCost, string(d.Status)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Deal{}, ErrDuplicate
		}
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetDeal(ctx context.Context, id string) (Deal, error) {
	d, err := scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListDealsByStatus(ctx context.Context, statuses []lifecycle.Status) ([]Deal, error) {
	if len(statuses) == 0 {
		return []Deal{}, nil
	}
	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+dealColumns+` FROM deals WHERE status = ANY($1) ORDER BY id`, raw)
	if err != nil {
		return nil, fmt.Errorf("deal: list by status: %w", err)
	}
	defer rows.Close()

	out := make([]Deal, 0, 8)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate: %w", err)
	}
	return out, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d      Deal
		status string
	)
	if err := row.Scan(
		&d.ID,
		&d.Title,
		&d.ListingURL,
		&d.ListedPrice,
		&d.NegotiatedPrice,
		&d.EstimatedTotalCost,
		&status,
		&d.StatusUpdatedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return Deal{}, err
	}
	d.Status = lifecycle.Status(status)
	return d, nil
}
