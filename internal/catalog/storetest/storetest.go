// Package storetest holds the behaviour every catalog backend must share.
// Backend test files call Run with a constructor for a fresh, empty backend.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
)

// Factory returns an empty backend. Run closes it when the subtest ends.
type Factory func(t *testing.T) catalog.Backend

func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b catalog.Backend)
	}{
		{"InsertAssignsIDs", testInsertAssignsIDs},
		{"InsertRejectsDuplicate", testInsertRejectsDuplicate},
		{"ConcurrentInsertOneWinner", testConcurrentInsert},
		{"ListAllNamesInsertionOrder", testListOrder},
		{"DeleteRemovesName", testDelete},
		{"LookupByNames", testLookup},
		{"RecordTransactionIdempotent", testRecordTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { b.Close() })
			tt.fn(t, b)
		})
	}
}

func insert(t *testing.T, b catalog.Backend, raw string) catalog.Entry {
	t.Helper()
	e, err := b.Insert(context.Background(), catalog.Entry{Name: catalog.Name(raw), SellerID: "s1", Price: 1.5, Quantity: 3})
	require.NoError(t, err)
	return e
}

func testInsertAssignsIDs(t *testing.T, b catalog.Backend) {
	a := insert(t, b, "Milk")
	e := insert(t, b, "Eggs")
	assert.NotZero(t, a.ID)
	assert.NotEqual(t, a.ID, e.ID)
	assert.Equal(t, catalog.Name("milk"), a.Name)
	assert.Equal(t, "Milk", a.DisplayName)
	assert.False(t, a.CreatedAt.IsZero())

	ok, err := b.Exists(context.Background(), "milk")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Exists(context.Background(), "bread")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testInsertRejectsDuplicate(t *testing.T, b catalog.Backend) {
	insert(t, b, "Milk")
	_, err := b.Insert(context.Background(), catalog.Entry{Name: "  MILK "})
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
}

func testConcurrentInsert(t *testing.T, b catalog.Backend) {
	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Insert(context.Background(), catalog.Entry{Name: "Cheese"})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrDuplicate)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func testListOrder(t *testing.T, b catalog.Backend) {
	for _, n := range []string{"Tomato", "Tomatoe", "Potato"} {
		insert(t, b, n)
	}
	names, err := b.ListAllNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []catalog.Name{"tomato", "tomatoe", "potato"}, names)
}

func testDelete(t *testing.T, b catalog.Backend) {
	e := insert(t, b, "Bread")
	got, err := b.Delete(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)

	ok, err := b.Exists(context.Background(), "bread")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Delete(context.Background(), e.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// The name is free again once deleted.
	insert(t, b, "Bread")
}

func testLookup(t *testing.T, b catalog.Backend) {
	insert(t, b, "Milk")
	insert(t, b, "Eggs")
	got, err := b.LookupByNames(context.Background(), []catalog.Name{"milk", "eggs", "bread"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "s1", got["milk"].SellerID)
	assert.Equal(t, 3, got["eggs"].Quantity)

	empty, err := b.LookupByNames(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRecordTransaction(t *testing.T, b catalog.Backend) {
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := catalog.HistoryEntry{TransactionID: "t1", Buyer: "A", ItemName: "Bread", Quantity: 1, Timestamp: at}
	require.NoError(t, b.RecordTransaction(ctx, h))
	require.NoError(t, b.RecordTransaction(ctx, h))
	require.NoError(t, b.RecordTransaction(ctx, catalog.HistoryEntry{TransactionID: "t2", Buyer: "B", ItemName: "bread", Timestamp: at.Add(time.Minute)}))

	got, err := b.ListCompletedTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, catalog.Name("bread"), got[0].ItemName)
	assert.Equal(t, "t1", got[0].TransactionID)
	assert.True(t, got[0].Timestamp.Equal(at))

	err = b.RecordTransaction(ctx, catalog.HistoryEntry{TransactionID: "t3", ItemName: "bread"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
