package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production nonce store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const noncesSchema = `
CREATE TABLE IF NOT EXISTS nonces (
	payer         TEXT        NOT NULL,
	nonce         TEXT        NOT NULL,
	token_address TEXT        NOT NULL,
	used_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	tx_id         TEXT,
	PRIMARY KEY (payer, nonce)
)`

// NewPostgresStore connects to the durable store and ensures the nonces
// table exists.
func NewPostgresStore(ctx context.Context, url string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, noncesSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create nonces table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Lookup answers Unknown on any database failure: the caller fails
// closed rather than this driver guessing.
func (s *PostgresStore) Lookup(ctx context.Context, payer, nonce string) Answer {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM nonces WHERE payer = $1 AND nonce = $2`,
		strings.ToLower(payer), nonce,
	).Scan(&one)
	switch {
	case err == nil:
		return Used
	case errors.Is(err, pgx.ErrNoRows):
		return Unused
	default:
		s.logger.Error("nonce lookup failed", "err", err)
		return Unknown
	}
}

// MarkUsed inserts the nonce with do-nothing-on-conflict semantics:
// (payer, nonce) is the primary key, so the first writer wins and every
// later mark is a no-op.
func (s *PostgresStore) MarkUsed(ctx context.Context, payer, nonce, tokenAddress, txID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nonces (payer, nonce, token_address, tx_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (payer, nonce) DO NOTHING`,
		strings.ToLower(payer), nonce, strings.ToLower(tokenAddress), txID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark nonce used: %w", err)
	}
	return nil
}

func (s *PostgresStore) Durable() bool { return true }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
