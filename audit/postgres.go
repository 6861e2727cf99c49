package audit

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production audit store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const transactionsSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	nonce         TEXT        NOT NULL,
	payer         TEXT        NOT NULL,
	receiver      TEXT        NOT NULL,
	token_address TEXT        NOT NULL,
	token_symbol  TEXT        NOT NULL,
	amount        NUMERIC(78) NOT NULL,
	fee           NUMERIC(78) NOT NULL DEFAULT 0,
	fee_bps       INT         NOT NULL DEFAULT 0,
	network       TEXT        NOT NULL,
	tx_id         TEXT,
	status        TEXT        NOT NULL,
	error_reason  TEXT,
	protocol      TEXT        NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	settled_at    TIMESTAMPTZ,
	UNIQUE (payer, nonce)
)`

// NewPostgresStore connects and ensures the transactions table exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, transactionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create transactions table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions
		 (id, nonce, payer, receiver, token_address, token_symbol,
		  amount, fee, fee_bps, network, tx_id, status, error_reason, protocol, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, rec.Nonce, strings.ToLower(rec.Payer), strings.ToLower(rec.Receiver),
		strings.ToLower(rec.TokenAddress), rec.TokenSymbol,
		rec.Amount, zeroIfEmpty(rec.Fee), rec.FeeBps, rec.Network,
		nullable(rec.TxID), string(rec.Status), nullable(rec.ErrorReason),
		rec.Protocol, rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create audit record: %w", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.TxID != nil {
		add("tx_id", *patch.TxID)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ErrorReason != nil {
		add("error_reason", *patch.ErrorReason)
	}
	if patch.Fee != nil {
		add("fee", *patch.Fee)
	}
	if patch.SettledAt != nil {
		add("settled_at", *patch.SettledAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE transactions SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update audit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("audit record not found: %s", id)
	}
	return nil
}

const recordColumns = `id, nonce, payer, receiver, token_address, token_symbol,
	amount::TEXT, fee::TEXT, fee_bps, network,
	COALESCE(tx_id, ''), status, COALESCE(error_reason, ''), protocol,
	created_at, settled_at`

func (s *PostgresStore) Read(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM transactions WHERE id = $1`, id)

	var rec Record
	var status string
	err := row.Scan(&rec.ID, &rec.Nonce, &rec.Payer, &rec.Receiver,
		&rec.TokenAddress, &rec.TokenSymbol, &rec.Amount, &rec.Fee,
		&rec.FeeBps, &rec.Network, &rec.TxID, &status, &rec.ErrorReason,
		&rec.Protocol, &rec.CreatedAt, &rec.SettledAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read audit record: %w", err)
	}
	rec.Status = Status(status)
	return rec, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM transactions
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status string
		err := rows.Scan(&rec.ID, &rec.Nonce, &rec.Payer, &rec.Receiver,
			&rec.TokenAddress, &rec.TokenSymbol, &rec.Amount, &rec.Fee,
			&rec.FeeBps, &rec.Network, &rec.TxID, &status, &rec.ErrorReason,
			&rec.Protocol, &rec.CreatedAt, &rec.SettledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{VolumeBySymbol: make(map[string]string)}

	row := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'success'),
		       count(*) FILTER (WHERE status = 'failed'),
		       count(*) FILTER (WHERE status = 'pending'),
		       COALESCE(sum(amount) FILTER (WHERE status = 'success'), 0)::TEXT,
		       COALESCE(sum(fee) FILTER (WHERE status = 'success'), 0)::TEXT
		FROM transactions`)
	err := row.Scan(&stats.Total, &stats.Successful, &stats.Failed,
		&stats.Pending, &stats.TotalVolume, &stats.TotalFees)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT token_symbol, COALESCE(sum(amount), 0)::TEXT
		FROM transactions WHERE status = 'success'
		GROUP BY token_symbol`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate per-symbol volume: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, volume string
		if err := rows.Scan(&symbol, &volume); err != nil {
			return Stats{}, err
		}
		stats.VolumeBySymbol[symbol] = volume
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return big.NewInt(0).String()
	}
	return s
}
