package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog/memstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/proto"
)

func serve(t *testing.T, store *memstore.Store) *Client {
	t.Helper()
	cfg := config.Default().Engine
	cfg.InstanceID = "rpc-test"
	e, err := engine.New(cfg, engine.Deps{Store: store, History: store})
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.WithCallTimeout(5 * time.Second))
	Register(srv, e, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeListener(ln)
	t.Cleanup(srv.Stop)

	c, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAdmitOverTheWire(t *testing.T) {
	c := serve(t, memstore.New().Seed("Milk", "Eggs"))
	ctx := context.Background()

	res, err := c.CheckAndAdmit(ctx, proto.AdmitRequest{Name: "Milk", SellerID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "rejected", res.Decision)
	assert.Equal(t, "duplicate", res.Reason)
	assert.Nil(t, res.Entry)

	res, err = c.CheckAndAdmit(ctx, proto.AdmitRequest{Name: "Bread", SellerID: "s1", Price: 2, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Decision)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "bread", res.Entry.Name)
	assert.EqualValues(t, 4, res.Entry.Quantity)
	assert.NotZero(t, res.Entry.CreatedAt)
}

func TestSearchUsesDefaultTolerance(t *testing.T) {
	c := serve(t, memstore.New().Seed("Tomato", "Tomatoe", "Potato"))
	ctx := context.Background()

	res, err := c.FuzzySearch(ctx, proto.FuzzySearchRequest{Text: "Tomato"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Tolerance)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "tomato", res.Hits[0].Name)
	assert.Equal(t, "tomatoe", res.Hits[1].Name)

	two := int32(2)
	res, err = c.FuzzySearch(ctx, proto.FuzzySearchRequest{Text: "Tomato", Tolerance: &two})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 3)
}

func TestBatchOverTheWire(t *testing.T) {
	c := serve(t, memstore.New().Seed("Milk"))

	res, err := c.BatchSearch(context.Background(), proto.BatchSearchRequest{Queries: []string{"milk", "   "}})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.NotNil(t, res.Items[0].Result)
	assert.Len(t, res.Items[0].Result.Hits, 1)
	assert.Nil(t, res.Items[1].Result)
	assert.NotEmpty(t, res.Items[1].Error)
}

func TestHistoryOverTheWire(t *testing.T) {
	c := serve(t, memstore.New().Seed("Bread"))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, buyer := range []string{"A", "A", "B"} {
		err := c.ObserveTransaction(ctx, proto.Transaction{
			TransactionID: string(rune('1' + i)),
			Buyer:         buyer,
			ItemName:      "Bread",
			Quantity:      1,
			Timestamp:     at.Add(time.Duration(i) * time.Minute).UnixMilli(),
		})
		require.NoError(t, err)
	}

	res, err := c.HistoryLookup(ctx, proto.HistoryLookupRequest{Query: "rea"})
	require.NoError(t, err)
	assert.Equal(t, "substring", res.Mode)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, at.UnixMilli(), res.Entries[0].Transaction.Timestamp)
	assert.Equal(t, "bread", res.Entries[0].Item.Name)
	assert.Equal(t, []string{"A", "B"}, res.Buyers)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	c := serve(t, memstore.New().Seed("Milk"))
	ctx := context.Background()

	_, err := c.CheckAndAdmit(ctx, proto.AdmitRequest{Name: "  "})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), "got %v", err)

	_, err = c.HistoryLookup(ctx, proto.HistoryLookupRequest{Query: "milk", Mode: "prefix"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), "got %v", err)

	_, err = c.Remove(ctx, 99)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

func TestRemoveRebuildAndStats(t *testing.T) {
	c := serve(t, memstore.New().Seed("Milk", "Eggs"))
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", h.Status)

	rep, err := c.Rebuild(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rep.Names)

	h, err = c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", h.Status)

	removed, err := c.Remove(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "milk", removed.Name)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.MatcherNames)
	assert.NotZero(t, st.LastRebuildAt)
	assert.Equal(t, "closed", st.CatalogBreaker)
}
