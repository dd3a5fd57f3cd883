package pricestore

import (
	"context"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type batchCountingStore struct {
	*MemoryStore
	batches chan []Record
	fail    error
}

func (s *batchCountingStore) PutBatch(ctx context.Context, recs []Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.batches <- recs
	return s.MemoryStore.PutBatch(ctx, recs)
}

func newPool(t *testing.T) *ants.Pool {
	t.Helper()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func TestBatcherKeepsLatestPerSymbol(t *testing.T) {
	store := &batchCountingStore{MemoryStore: NewMemoryStore(), batches: make(chan []Record, 4)}
	b := NewBatcher(store, newPool(t), &BatcherConfig{FlushInterval: time.Hour}, zaptest.NewLogger(t))

	b.Add(Record{Symbol: "A", Price: 1}, Record{Symbol: "B", Price: 2})
	b.Add(Record{Symbol: "A", Price: 3})
	require.Equal(t, 2, b.Pending())

	require.NoError(t, b.Stop())
	require.Len(t, <-store.batches, 2)

	got, ok, err := store.Get(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3.0, got.Price)
	require.Equal(t, 0, b.Pending())
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	store := &batchCountingStore{MemoryStore: NewMemoryStore(), batches: make(chan []Record, 4)}
	b := NewBatcher(store, newPool(t), &BatcherConfig{FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	defer b.Stop()

	b.Add(Record{Symbol: "A", Price: 1})

	select {
	case batch := <-store.batches:
		require.Equal(t, "A", batch[0].Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not flushed")
	}
}

func TestBatcherRequeuesOnFailure(t *testing.T) {
	store := &batchCountingStore{MemoryStore: NewMemoryStore(), batches: make(chan []Record, 4), fail: errors.New("down")}
	b := NewBatcher(store, newPool(t), &BatcherConfig{FlushInterval: time.Hour}, zaptest.NewLogger(t))

	b.Add(Record{Symbol: "A", Price: 1})
	require.Error(t, b.Flush())
	require.Equal(t, 1, b.Pending())

	store.fail = nil
	require.NoError(t, b.Stop())
	require.Equal(t, 0, b.Pending())
}
