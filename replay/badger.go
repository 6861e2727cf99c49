package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded durable nonce store for single-node
// deployments.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	// owned is false when the handle is shared with another store and
	// closed elsewhere.
	owned bool
}

type badgerNonceRecord struct {
	TokenAddress string    `json:"tokenAddress"`
	TxID         string    `json:"txId"`
	UsedAt       time.Time `json:"usedAt"`
}

func nonceKey(payer, nonce string) []byte {
	return []byte("nonce/" + Key(payer, nonce))
}

// NewBadgerStore opens (or creates) the embedded store at path.
func NewBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger, owned: true}, nil
}

// NewBadgerStoreWithDB wraps an already-open handle so the nonce and
// audit stores can share one database. The caller keeps ownership.
func NewBadgerStoreWithDB(db *badger.DB, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, logger: logger}
}

// DB exposes the underlying handle for stores sharing the database.
func (s *BadgerStore) DB() *badger.DB { return s.db }

func (s *BadgerStore) Lookup(_ context.Context, payer, nonce string) Answer {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nonceKey(payer, nonce))
		return err
	})
	switch {
	case err == nil:
		return Used
	case errors.Is(err, badger.ErrKeyNotFound):
		return Unused
	default:
		s.logger.Error("nonce lookup failed", "err", err)
		return Unknown
	}
}

func (s *BadgerStore) MarkUsed(_ context.Context, payer, nonce, tokenAddress, txID string) error {
	key := nonceKey(payer, nonce)
	return s.db.Update(func(txn *badger.Txn) error {
		// First writer wins; re-marking is a no-op.
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check nonce key: %w", err)
		}

		contents, err := json.Marshal(badgerNonceRecord{
			TokenAddress: tokenAddress,
			TxID:         txID,
			UsedAt:       time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := txn.Set(key, contents); err != nil {
			return fmt.Errorf("failed to set nonce key: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Durable() bool { return true }

func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
