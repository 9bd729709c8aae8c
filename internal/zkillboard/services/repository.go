package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists backfill progress so interrupted runs resume
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new zkillboard repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LastPage returns the last successfully completed page of a named run,
// zero when the run has no recorded progress
func (r *Repository) LastPage(ctx context.Context, name string) (int, error) {
	var page int
	err := r.pool.QueryRow(ctx,
		`SELECT last_page FROM backfill_state WHERE name = $1`,
		name,
	).Scan(&page)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load backfill state %q: %w", name, err)
	}
	return page, nil
}

// SavePage records a completed page
func (r *Repository) SavePage(ctx context.Context, name string, page int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO backfill_state (name, last_page)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET
		   last_page = EXCLUDED.last_page,
		   updated_at = now()`,
		name, page,
	)
	if err != nil {
		return fmt.Errorf("failed to save backfill state %q: %w", name, err)
	}
	return nil
}

// Clear removes a run's recorded progress
func (r *Repository) Clear(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM backfill_state WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to clear backfill state %q: %w", name, err)
	}
	return nil
}
