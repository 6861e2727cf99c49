package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore is the embedded audit store for single-node deployments.
type BadgerStore struct {
	db *badger.DB
	// owned is false when the handle is shared with the replay store
	// and closed there.
	owned bool
}

func recordKey(id string) []byte {
	return []byte("txrecord/" + id)
}

// NewBadgerStore opens (or creates) the embedded store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db, owned: true}, nil
}

// NewBadgerStoreWithDB wraps an already-open handle.
func NewBadgerStoreWithDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Create(_ context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	contents, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.ID), contents)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create audit record: %w", err)
	}
	return rec.ID, nil
}

func (s *BadgerStore) Update(_ context.Context, id string, patch Patch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return fmt.Errorf("audit record not found: %s", id)
		}
		var rec Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		applyPatch(&rec, patch)

		contents, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(id), contents)
	})
}

func (s *BadgerStore) Read(_ context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return fmt.Errorf("audit record not found: %s", id)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

func (s *BadgerStore) all() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("txrecord/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Recent(_ context.Context, limit int) ([]Record, error) {
	records, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *BadgerStore) Stats(_ context.Context) (Stats, error) {
	records, err := s.all()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{VolumeBySymbol: make(map[string]string)}
	volume := new(big.Int)
	fees := new(big.Int)
	bySymbol := make(map[string]*big.Int)

	for _, rec := range records {
		stats.Total++
		switch rec.Status {
		case StatusSuccess:
			stats.Successful++
			if amount, ok := new(big.Int).SetString(rec.Amount, 10); ok {
				volume.Add(volume, amount)
				if _, exists := bySymbol[rec.TokenSymbol]; !exists {
					bySymbol[rec.TokenSymbol] = new(big.Int)
				}
				bySymbol[rec.TokenSymbol].Add(bySymbol[rec.TokenSymbol], amount)
			}
			if fee, ok := new(big.Int).SetString(rec.Fee, 10); ok {
				fees.Add(fees, fee)
			}
		case StatusFailed:
			stats.Failed++
		case StatusPending:
			stats.Pending++
		}
	}

	stats.TotalVolume = volume.String()
	stats.TotalFees = fees.String()
	for sym, v := range bySymbol {
		stats.VolumeBySymbol[sym] = v.String()
	}
	return stats, nil
}

func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
