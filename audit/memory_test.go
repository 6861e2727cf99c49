package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRecord(nonce, amount, fee, symbol string) Record {
	return Record{
		Nonce:        nonce,
		Payer:        "0xPayer",
		Receiver:     "0xReceiver",
		TokenAddress: "0xToken",
		TokenSymbol:  symbol,
		Amount:       amount,
		Fee:          fee,
		FeeBps:       10,
		Network:      "eip155:8453",
		Protocol:     "direct-auth",
	}
}

func TestCreateAssignsIDAndPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.Create(ctx, pendingRecord("1", "1000000", "1000", "USDC"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestUpdateAppliesPatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.Create(ctx, pendingRecord("1", "1000000", "1000", "USDC"))
	require.NoError(t, err)

	status := StatusSuccess
	txID := "0xhash"
	settled := time.Now().UTC()
	require.NoError(t, s.Update(ctx, id, Patch{Status: &status, TxID: &txID, SettledAt: &settled}))

	rec, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "0xhash", rec.TxID)
	require.NotNil(t, rec.SettledAt)
}

func TestUpdateUnknownID(t *testing.T) {
	s := NewMemoryStore()
	status := StatusFailed
	assert.Error(t, s.Update(context.Background(), "missing", Patch{Status: &status}))
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, nonce := range []string{"1", "2", "3"} {
		rec := pendingRecord(nonce, "100", "0", "USDC")
		rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		_, err := s.Create(ctx, rec)
		require.NoError(t, err)
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].Nonce)
	assert.Equal(t, "2", recent[1].Nonce)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	success := StatusSuccess
	failed := StatusFailed

	id1, _ := s.Create(ctx, pendingRecord("1", "1000000", "1000", "USDC"))
	require.NoError(t, s.Update(ctx, id1, Patch{Status: &success}))

	id2, _ := s.Create(ctx, pendingRecord("2", "500000", "500", "USDC"))
	require.NoError(t, s.Update(ctx, id2, Patch{Status: &success}))

	id3, _ := s.Create(ctx, pendingRecord("3", "42", "0", "DAI"))
	require.NoError(t, s.Update(ctx, id3, Patch{Status: &failed}))

	_, _ = s.Create(ctx, pendingRecord("4", "7", "0", "DAI"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, "1500000", stats.TotalVolume)
	assert.Equal(t, "1500", stats.TotalFees)
	assert.Equal(t, "1500000", stats.VolumeBySymbol["USDC"])
	_, hasDai := stats.VolumeBySymbol["DAI"]
	assert.False(t, hasDai, "failed settlements do not count toward volume")
}
