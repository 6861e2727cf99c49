package audit

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in-process. Non-production only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	stored := rec
	s.records[rec.ID] = &stored
	s.order = append(s.order, rec.ID)
	return rec.ID, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("audit record not found: %s", id)
	}
	applyPatch(rec, patch)
	return nil
}

func applyPatch(rec *Record, patch Patch) {
	if patch.TxID != nil {
		rec.TxID = *patch.TxID
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.ErrorReason != nil {
		rec.ErrorReason = *patch.ErrorReason
	}
	if patch.Fee != nil {
		rec.Fee = *patch.Fee
	}
	if patch.SettledAt != nil {
		rec.SettledAt = patch.SettledAt
	}
}

func (s *MemoryStore) Read(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("audit record not found: %s", id)
	}
	return *rec, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.records[s.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{VolumeBySymbol: make(map[string]string)}
	volume := new(big.Int)
	fees := new(big.Int)
	bySymbol := make(map[string]*big.Int)

	for _, rec := range s.records {
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

func (s *MemoryStore) Close() error { return nil }
