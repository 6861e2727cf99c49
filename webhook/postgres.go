package webhook

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists webhook registrations so subscriptions survive a
// restart. The dispatcher works without one; registrations are then
// process-local.
type Store interface {
	Save(ctx context.Context, reg Registration) error
	SetActive(ctx context.Context, id string, active bool) error
	LoadAll(ctx context.Context) ([]Registration, error)
}

// PostgresStore is the production webhook store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const webhooksSchema = `
CREATE TABLE IF NOT EXISTS webhooks (
	id         TEXT PRIMARY KEY,
	url        TEXT        NOT NULL,
	secret     TEXT        NOT NULL DEFAULT '',
	events     TEXT[]      NOT NULL,
	active     BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects and ensures the webhooks table exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, webhooksSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create webhooks table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, reg Registration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhooks (id, url, secret, events, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET url = $2, secret = $3, events = $4, active = $5`,
		reg.ID, reg.URL, reg.Secret, reg.Events, reg.Active, reg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]Registration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, secret, events, active, created_at FROM webhooks`)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhooks: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var reg Registration
		if err := rows.Scan(&reg.ID, &reg.URL, &reg.Secret, &reg.Events, &reg.Active, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
