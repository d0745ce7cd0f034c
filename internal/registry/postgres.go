package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/streamvault/internal/models"
)

// Postgres implements Registry using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres registry from a DSN. Caller must call Close
// when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) List(ctx context.Context) ([]models.CustomSource, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, COALESCE(url, ''), kind, created_at
		 FROM custom_sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []models.CustomSource
	for rows.Next() {
		var s models.CustomSource
		if err := rows.Scan(&s.ID, &s.Name, &s.URL, &s.Kind, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("List scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Add(ctx context.Context, src *models.CustomSource) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO custom_sources (id, name, url, kind)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 RETURNING created_at`,
		src.ID, src.Name, src.URL, src.Kind,
	).Scan(&src.CreatedAt)
	if err != nil {
		return fmt.Errorf("Add: %w", err)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM custom_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("Remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
