package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog/memstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/metrics"
)

type option func(*config.EngineConfig, *Deps)

func newTestEngine(t testing.TB, store catalog.Backend, opts ...option) *Engine {
	t.Helper()
	cfg := config.Default().Engine
	cfg.InstanceID = "test"
	cfg.StalenessBound = time.Hour
	deps := Deps{Store: store, History: store}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	return e
}

func withMetrics(m *metrics.Metrics) option {
	return func(_ *config.EngineConfig, d *Deps) { d.Metrics = m }
}

var errBackend = errors.New("backend down")

// flakyStore injects failures and latency into a memstore.
type flakyStore struct {
	*memstore.Store
	failList   atomic.Bool
	failExists atomic.Bool
	failInsert atomic.Bool
	existsWait atomic.Int64
}

func (f *flakyStore) ListAllNames(ctx context.Context) ([]catalog.Name, error) {
	if f.failList.Load() {
		return nil, errBackend
	}
	return f.Store.ListAllNames(ctx)
}

func (f *flakyStore) Exists(ctx context.Context, name catalog.Name) (bool, error) {
	if d := time.Duration(f.existsWait.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if f.failExists.Load() {
		return false, errBackend
	}
	return f.Store.Exists(ctx, name)
}

func (f *flakyStore) Insert(ctx context.Context, e catalog.Entry) (catalog.Entry, error) {
	if f.failInsert.Load() {
		return catalog.Entry{}, errBackend
	}
	return f.Store.Insert(ctx, e)
}

// countingStore counts full catalog listings.
type countingStore struct {
	*memstore.Store
	lists atomic.Int64
}

func (c *countingStore) ListAllNames(ctx context.Context) ([]catalog.Name, error) {
	c.lists.Add(1)
	return c.Store.ListAllNames(ctx)
}

func hitNames(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = fmt.Sprintf("%s:%d", h.Name, h.Distance)
	}
	return out
}

func TestAdmitRejectsExistingAcceptsNew(t *testing.T) {
	e := newTestEngine(t, memstore.New().Seed("Milk", "Eggs"))
	ctx := context.Background()

	res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Milk", SellerID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Nil(t, res.Entry)

	res, err = e.CheckAndAdmit(ctx, AdmitRequest{Name: "Bread", SellerID: "s1", Price: 2.5, Quantity: 10})
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)
	require.NotNil(t, res.Entry)
	assert.Equal(t, catalog.Name("bread"), res.Entry.Name)
	assert.Equal(t, "Bread", res.Entry.DisplayName)
	assert.Equal(t, 10, res.Entry.Quantity)
}

func TestAdmitRejectionIsIdempotent(t *testing.T) {
	e := newTestEngine(t, memstore.New())
	ctx := context.Background()

	first, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Oat  Milk"})
	require.NoError(t, err)
	require.Equal(t, Accepted, first.Decision)

	for _, raw := range []string{"oat milk", "OAT MILK", " Oat Milk "} {
		res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: raw})
		require.NoError(t, err)
		assert.Equal(t, Rejected, res.Decision, raw)
		assert.Equal(t, ReasonDuplicate, res.Reason, raw)
	}
}

func TestAdmitDistinctNamesAllAccepted(t *testing.T) {
	e := newTestEngine(t, memstore.New())
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: fmt.Sprintf("item %d", i)})
		require.NoError(t, err)
		require.Equal(t, Accepted, res.Decision, i)
	}
	for i := 0; i < 50; i++ {
		res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: fmt.Sprintf("Item %d", i)})
		require.NoError(t, err)
		require.Equal(t, Rejected, res.Decision, i)
	}
}

func TestOwnAdmissionsDoNotReloadCatalog(t *testing.T) {
	store := &countingStore{Store: memstore.New().Seed("Milk")}
	e := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)
	loads := store.lists.Load()

	for i := range 20 {
		res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: fmt.Sprintf("item %d", i)})
		require.NoError(t, err)
		require.Equal(t, Accepted, res.Decision, i)
	}
	assert.Equal(t, loads, store.lists.Load())
	assert.Equal(t, 20, e.Stats().Oracle.PendingLog)

	res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Item 3"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, loads, store.lists.Load())
	assert.True(t, e.Stats().Snapshot.Stale)

	// The first read reloads once for all of them.
	for range 2 {
		sr, err := e.FuzzySearch(ctx, "item 7", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"item 7:0"}, hitNames(sr.Hits))
	}
	assert.Equal(t, loads+1, store.lists.Load())
	assert.False(t, e.Stats().Snapshot.Stale)
}

func TestAdmitRejectsInvalidInput(t *testing.T) {
	e := newTestEngine(t, memstore.New())
	ctx := context.Background()
	for _, req := range []AdmitRequest{
		{Name: "   "},
		{Name: "Milk", Price: -1},
		{Name: "Milk", Quantity: -3},
	} {
		_, err := e.CheckAndAdmit(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, "%+v", req)
	}
}

func TestConcurrentAdmitExactlyOneAccepted(t *testing.T) {
	e := newTestEngine(t, memstore.New())
	const callers = 16
	var wg sync.WaitGroup
	results := make([]AdmitResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.CheckAndAdmit(context.Background(), AdmitRequest{Name: "Cheese"})
		}()
	}
	wg.Wait()

	accepted := 0
	for i := range callers {
		require.NoError(t, errs[i])
		if results[i].Decision == Accepted {
			accepted++
		} else {
			assert.Equal(t, ReasonDuplicate, results[i].Reason)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 0, e.keys.size())
}

func TestConcurrentAdmitAcrossInstances(t *testing.T) {
	store := memstore.New()
	a := newTestEngine(t, store)
	b := newTestEngine(t, store)
	ctx := context.Background()
	_, err := a.Rebuild(ctx)
	require.NoError(t, err)
	_, err = b.Rebuild(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	decisions := make(chan Decision, 2)
	for _, e := range []*Engine{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
			assert.NoError(t, err)
			decisions <- res.Decision
		}()
	}
	wg.Wait()
	close(decisions)

	var got []Decision
	for d := range decisions {
		got = append(got, d)
	}
	assert.ElementsMatch(t, []Decision{Accepted, Rejected}, got)
}

func TestAdmitRecoversFromStaleStructures(t *testing.T) {
	store := memstore.New()
	m := metrics.New(prometheus.NewRegistry())
	a := newTestEngine(t, store, withMetrics(m))
	b := newTestEngine(t, store)
	ctx := context.Background()
	_, err := a.Rebuild(ctx)
	require.NoError(t, err)

	res, err := b.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Decision)

	// a's snapshot predates b's insert, so its oracle still says absent.
	res, err = a.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleResultsRecovered))

	res, err = a.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleResultsRecovered))
}

func TestAdmitFailsClosedWhenConfirmationFails(t *testing.T) {
	store := &flakyStore{Store: memstore.New().Seed("Milk")}
	e := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)

	store.failExists.Store(true)
	_, err = e.CheckAndAdmit(ctx, AdmitRequest{Name: "Milk"})
	require.ErrorIs(t, err, apperrors.ErrCollaboratorUnavailable)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestAdmitFailsClosedOnConfirmationTimeout(t *testing.T) {
	store := &flakyStore{Store: memstore.New().Seed("Milk")}
	e := newTestEngine(t, store, func(c *config.EngineConfig, _ *Deps) {
		c.ConfirmTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)

	store.existsWait.Store(int64(time.Second))
	start := time.Now()
	_, err = e.CheckAndAdmit(ctx, AdmitRequest{Name: "Milk"})
	require.ErrorIs(t, err, apperrors.ErrCollaboratorUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAdmitInsertFailureLeavesNoTrace(t *testing.T) {
	store := &flakyStore{Store: memstore.New()}
	e := newTestEngine(t, store)
	ctx := context.Background()

	store.failInsert.Store(true)
	_, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Bread"})
	require.ErrorIs(t, err, apperrors.ErrCollaboratorUnavailable)

	store.failInsert.Store(false)
	res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Bread"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Decision)
}

func TestAdmitNearDuplicates(t *testing.T) {
	ctx := context.Background()

	advisory := newTestEngine(t, memstore.New().Seed("Tomato"))
	res, err := advisory.CheckAndAdmit(ctx, AdmitRequest{Name: "Tomatoe"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Decision)
	require.Len(t, res.Similar, 1)
	assert.Equal(t, matcher.Match{Name: "tomato", Distance: 1}, res.Similar[0])

	strict := newTestEngine(t, memstore.New().Seed("Tomato"), func(c *config.EngineConfig, _ *Deps) {
		c.RejectNearDuplicates = true
	})
	res, err = strict.CheckAndAdmit(ctx, AdmitRequest{Name: "Tomatoe"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
	assert.Equal(t, ReasonNearDuplicate, res.Reason)
	require.Len(t, res.Similar, 1)

	res, err = strict.CheckAndAdmit(ctx, AdmitRequest{Name: "Cabbage"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Decision)
	assert.Empty(t, res.Similar)
}

func TestFuzzySearchRanksWithinTolerance(t *testing.T) {
	e := newTestEngine(t, memstore.New().Seed("Tomato", "Tomatoe", "Potato"))
	ctx := context.Background()

	res, err := e.FuzzySearch(ctx, "Tomato", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomato:0", "tomatoe:1"}, hitNames(res.Hits))
	assert.Equal(t, catalog.Name("tomato"), res.Query)
	assert.False(t, res.Stale)
	assert.NotZero(t, res.SnapshotVersion)
	for _, h := range res.Hits {
		assert.Equal(t, h.Name, h.Entry.Name)
	}

	res, err = e.FuzzySearch(ctx, "tomatoe", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomatoe:0", "tomato:1"}, hitNames(res.Hits))

	res, err = e.FuzzySearch(ctx, "tomato", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomato:0", "tomatoe:1", "potato:2"}, hitNames(res.Hits))
}

func TestFuzzySearchToleranceZeroRoundTrip(t *testing.T) {
	names := []string{"Milk", "Eggs", "Bread", "Butter", "Oat Milk"}
	e := newTestEngine(t, memstore.New().Seed(names...))
	for _, n := range names {
		res, err := e.FuzzySearch(context.Background(), n, 0)
		require.NoError(t, err)
		require.Len(t, res.Hits, 1, n)
		assert.Equal(t, catalog.MustNormalize(n), res.Hits[0].Name)
		assert.Zero(t, res.Hits[0].Distance)
	}
}

func TestFuzzySearchRejectsBadInput(t *testing.T) {
	e := newTestEngine(t, memstore.New())
	ctx := context.Background()
	_, err := e.FuzzySearch(ctx, "milk", -1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = e.FuzzySearch(ctx, "milk", e.cfg.MaxTolerance+1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = e.FuzzySearch(ctx, "  ", 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestFuzzySearchDropsDeletedEntries(t *testing.T) {
	store := memstore.New().Seed("Tomato", "Tomatoe")
	e := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)

	// Deleted behind the engine's back; the built tree still holds it.
	_, err = store.Delete(ctx, 1)
	require.NoError(t, err)

	res, err := e.FuzzySearch(ctx, "tomato", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomatoe:1"}, hitNames(res.Hits))
	assert.Equal(t, 2, e.Stats().Matcher.Names)
}

func TestFuzzySearchCapsResults(t *testing.T) {
	e := newTestEngine(t, memstore.New().Seed("aa", "ab", "ac", "ad", "ae"), func(c *config.EngineConfig, _ *Deps) {
		c.MaxResults = 3
	})
	res, err := e.FuzzySearch(context.Background(), "aa", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:0", "ab:1", "ac:1"}, hitNames(res.Hits))
}

func TestFuzzySearchServesStaleWhenRefreshFails(t *testing.T) {
	store := &flakyStore{Store: memstore.New().Seed("Tomato")}
	e := newTestEngine(t, store, func(c *config.EngineConfig, _ *Deps) {
		c.StalenessBound = 0
	})
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)
	version := e.matcher.Version()

	store.failList.Store(true)
	res, err := e.FuzzySearch(ctx, "tomato", 0)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, version, res.SnapshotVersion)
	assert.Len(t, res.Hits, 1)
}

func TestFuzzySearchUnavailableBeforeFirstBuild(t *testing.T) {
	store := &flakyStore{Store: memstore.New().Seed("Tomato")}
	store.failList.Store(true)
	e := newTestEngine(t, store)

	_, err := e.FuzzySearch(context.Background(), "tomato", 0)
	assert.ErrorIs(t, err, apperrors.ErrCollaboratorUnavailable)
}

func TestRebuildFailureKeepsPreviousVersions(t *testing.T) {
	store := &flakyStore{Store: memstore.New().Seed("Milk", "Eggs")}
	m := metrics.New(prometheus.NewRegistry())
	e := newTestEngine(t, store, withMetrics(m))
	ctx := context.Background()

	report, err := e.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Names)
	before := e.Stats()

	store.failList.Store(true)
	_, err = e.Rebuild(ctx)
	require.ErrorIs(t, err, apperrors.ErrCollaboratorUnavailable)

	after := e.Stats()
	assert.Equal(t, before.Matcher.SnapshotVersion, after.Matcher.SnapshotVersion)
	assert.Equal(t, before.Oracle.SnapshotVersion, after.Oracle.SnapshotVersion)
	assert.NotEmpty(t, after.LastRebuildError)
	require.NotNil(t, after.LastRebuild)
	assert.Equal(t, report.SnapshotVersion, after.LastRebuild.SnapshotVersion)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StructureRebuilds.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StructureRebuilds.WithLabelValues("error")))

	res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Milk"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Decision)
}

func TestBatchSearch(t *testing.T) {
	e := newTestEngine(t, memstore.New().Seed("Tomato", "Tomatoe", "Potato", "Milk"))
	ctx := context.Background()

	res, err := e.BatchSearch(ctx, []string{"Tomato", "milk", "", "TOMATO", "Eggs"}, 1)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	assert.Equal(t, 1, res.Tolerance)

	assert.Equal(t, []string{"tomato:0", "tomatoe:1"}, hitNames(res.Items[0].Result.Hits))
	assert.Equal(t, []string{"milk:0"}, hitNames(res.Items[1].Result.Hits))
	assert.Nil(t, res.Items[2].Result)
	assert.NotEmpty(t, res.Items[2].Error)
	assert.Same(t, res.Items[0].Result, res.Items[3].Result)
	assert.Equal(t, "TOMATO", res.Items[3].Query)
	assert.Empty(t, res.Items[4].Result.Hits)
}

func TestBatchSearchLimits(t *testing.T) {
	e := newTestEngine(t, memstore.New(), func(c *config.EngineConfig, _ *Deps) {
		c.MaxBatchSize = 2
	})
	ctx := context.Background()
	_, err := e.BatchSearch(ctx, nil, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = e.BatchSearch(ctx, []string{"a", "b", "c"}, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = e.BatchSearch(ctx, []string{"a"}, 99)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func recordBread(t *testing.T, store *memstore.Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, buyer := range []string{"A", "A", "B"} {
		require.NoError(t, store.RecordTransaction(context.Background(), catalog.HistoryEntry{
			TransactionID: fmt.Sprintf("t%d", i+1),
			Buyer:         buyer,
			ItemName:      "Bread",
			Quantity:      1,
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestHistoryLookupKeepsRepeatPurchases(t *testing.T) {
	store := memstore.New().Seed("Bread", "Milk")
	recordBread(t, store)
	e := newTestEngine(t, store)
	ctx := context.Background()

	res, err := e.HistoryLookup(ctx, "Bread", ModeExact)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, []string{"A", "B"}, res.Buyers)
	for i, h := range res.Entries {
		assert.Equal(t, fmt.Sprintf("t%d", i+1), h.TransactionID)
		assert.Equal(t, catalog.Name("bread"), h.Item.Name)
	}

	res, err = e.HistoryLookup(ctx, "rea", "")
	require.NoError(t, err)
	assert.Equal(t, ModeSubstring, res.Mode)
	assert.Len(t, res.Entries, 3)

	res, err = e.HistoryLookup(ctx, "rea", ModeExact)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Empty(t, res.Buyers)
}

func TestHistoryLookupDropsUnresolvedItems(t *testing.T) {
	store := memstore.New().Seed("Bread")
	recordBread(t, store)
	require.NoError(t, store.RecordTransaction(context.Background(), catalog.HistoryEntry{
		TransactionID: "t9", Buyer: "C", ItemName: "Breadsticks",
	}))
	e := newTestEngine(t, store)

	res, err := e.HistoryLookup(context.Background(), "bread", ModeSubstring)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)
	assert.NotContains(t, res.Buyers, "C")
}

func TestHistoryLookupRejectsUnknownMode(t *testing.T) {
	e := newTestEngine(t, memstore.New())
	_, err := e.HistoryLookup(context.Background(), "bread", HistoryMode("prefix"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestObserveTransactionVisibleWithoutRebuild(t *testing.T) {
	store := memstore.New().Seed("Bread")
	recordBread(t, store)
	e := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)
	version := e.index.Version()

	h := catalog.HistoryEntry{TransactionID: "t4", Buyer: "C", ItemName: "BREAD"}
	require.NoError(t, e.ObserveTransaction(ctx, h))
	require.NoError(t, e.ObserveTransaction(ctx, h))

	res, err := e.HistoryLookup(ctx, "bread", ModeExact)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 4)
	assert.Equal(t, []string{"A", "B", "C"}, res.Buyers)
	assert.Equal(t, version, res.IndexVersion)

	stored, err := store.ListCompletedTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	err = e.ObserveTransaction(ctx, catalog.HistoryEntry{Buyer: "C", ItemName: "bread"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestRemove(t *testing.T) {
	store := memstore.New().Seed("Tomato", "Potato")
	pub := &fakePublisher{}
	e := newTestEngine(t, store, func(_ *config.EngineConfig, d *Deps) { d.Publisher = pub })
	ctx := context.Background()

	removed, err := e.Remove(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, catalog.Name("potato"), removed.Name)

	res, err := e.FuzzySearch(ctx, "potato", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	_, err = e.Remove(ctx, 2)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = e.Remove(ctx, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ChangeDeleted, evs[0].Type)
	assert.Equal(t, "test", evs[0].Origin)

	// The freed name can be admitted again.
	adm, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Potato"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, adm.Decision)
}

type fakePublisher struct {
	mu  sync.Mutex
	evs []events.CatalogChangeEvent
}

func (f *fakePublisher) PublishCatalogChange(ev events.CatalogChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evs = append(f.evs, ev)
}

func (f *fakePublisher) all() []events.CatalogChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.CatalogChangeEvent(nil), f.evs...)
}

func TestAdmitPublishesInsert(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, memstore.New(), func(_ *config.EngineConfig, d *Deps) { d.Publisher = pub })
	ctx := context.Background()

	res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
	require.NoError(t, err)
	_, err = e.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
	require.NoError(t, err)

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ChangeInserted, evs[0].Type)
	assert.Equal(t, res.Entry.ID, evs[0].EntryID)
	assert.Equal(t, catalog.Name("cheese"), evs[0].Name)
}

type fakeCache struct {
	mu            sync.Mutex
	entries       map[string][]matcher.Match
	invalidations int
}

func (f *fakeCache) GetOrCompute(ctx context.Context, version uint64, query catalog.Name, tolerance int, compute func() ([]matcher.Match, error)) ([]matcher.Match, bool, error) {
	key := fmt.Sprintf("%d|%s|%d", version, query, tolerance)
	f.mu.Lock()
	defer f.mu.Unlock()
	if ms, ok := f.entries[key]; ok {
		return ms, true, nil
	}
	ms, err := compute()
	if err != nil {
		return nil, false, err
	}
	f.entries[key] = ms
	return ms, false, nil
}

func (f *fakeCache) Invalidate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = map[string][]matcher.Match{}
	f.invalidations++
	return nil
}

func TestFuzzySearchUsesResultCache(t *testing.T) {
	cache := &fakeCache{entries: map[string][]matcher.Match{}}
	m := metrics.New(prometheus.NewRegistry())
	e := newTestEngine(t, memstore.New().Seed("Tomato", "Potato"), withMetrics(m), func(_ *config.EngineConfig, d *Deps) {
		d.Cache = cache
	})
	ctx := context.Background()

	first, err := e.FuzzySearch(ctx, "tomato", 1)
	require.NoError(t, err)
	second, err := e.FuzzySearch(ctx, "tomato", 1)
	require.NoError(t, err)
	assert.Equal(t, first.Hits, second.Hits)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))

	_, err = e.CheckAndAdmit(ctx, AdmitRequest{Name: "Tomatillo"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidations)
}

// swappingCache runs beforeMiss ahead of every computation, letting a
// test rebuild the engine between key selection and compute.
type swappingCache struct {
	fakeCache
	beforeMiss func()
}

func (s *swappingCache) GetOrCompute(ctx context.Context, version uint64, query catalog.Name, tolerance int, compute func() ([]matcher.Match, error)) ([]matcher.Match, bool, error) {
	return s.fakeCache.GetOrCompute(ctx, version, query, tolerance, func() ([]matcher.Match, error) {
		s.beforeMiss()
		return compute()
	})
}

func TestFuzzySearchNeverCachesUnderOlderVersion(t *testing.T) {
	store := memstore.New().Seed("Tomato")
	cache := &swappingCache{fakeCache: fakeCache{entries: map[string][]matcher.Match{}}}
	e := newTestEngine(t, store, func(_ *config.EngineConfig, d *Deps) { d.Cache = cache })
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)
	before := e.matcher.Version()

	cache.beforeMiss = func() {
		_, err := store.Insert(ctx, catalog.Entry{Name: "Potato"})
		require.NoError(t, err)
		_, err = e.Rebuild(ctx)
		require.NoError(t, err)
	}
	res, err := e.FuzzySearch(ctx, "potato", 0)
	require.NoError(t, err)
	assert.Greater(t, res.SnapshotVersion, before)
	assert.Equal(t, e.matcher.Version(), res.SnapshotVersion)
	assert.Equal(t, []string{"potato:0"}, hitNames(res.Hits))

	cache.mu.Lock()
	assert.Empty(t, cache.entries)
	cache.mu.Unlock()
}

type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]string
	tries atomic.Int32
}

func (f *fakeLocker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.tries.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = token
	return true, nil
}

func (f *fakeLocker) Unlock(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
	}
	return nil
}

func TestAdmitTakesDistributedLock(t *testing.T) {
	locker := &fakeLocker{held: map[string]string{"admit-lock:cheese": "someone-else"}}
	e := newTestEngine(t, memstore.New(), func(_ *config.EngineConfig, d *Deps) { d.Locker = locker })

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = locker.Unlock(context.Background(), "admit-lock:cheese", "someone-else")
	}()
	res, err := e.CheckAndAdmit(context.Background(), AdmitRequest{Name: "Cheese"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Decision)
	assert.Greater(t, locker.tries.Load(), int32(1))

	locker.mu.Lock()
	assert.Empty(t, locker.held)
	locker.mu.Unlock()
}

func TestAdmitUnavailableWhenLockNeverFrees(t *testing.T) {
	locker := &fakeLocker{held: map[string]string{"admit-lock:cheese": "someone-else"}}
	e := newTestEngine(t, memstore.New(), func(_ *config.EngineConfig, d *Deps) { d.Locker = locker })

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: "Cheese"})
	assert.ErrorIs(t, err, apperrors.ErrCollaboratorUnavailable)
	assert.Equal(t, 0, e.keys.size())
}

func TestInvalidateReloadsSnapshot(t *testing.T) {
	store := memstore.New().Seed("Tomato")
	e := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Rebuild(ctx)
	require.NoError(t, err)

	// Written by another instance.
	_, err = store.Insert(ctx, catalog.Entry{Name: "Potato"})
	require.NoError(t, err)
	res, err := e.FuzzySearch(ctx, "potato", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	require.NoError(t, e.Invalidate(ctx))
	res, err = e.FuzzySearch(ctx, "potato", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"potato:0"}, hitNames(res.Hits))
}

func TestStartBuildsAndStops(t *testing.T) {
	store := memstore.New().Seed("Milk")
	recordBread(t, store)
	e := newTestEngine(t, store, func(c *config.EngineConfig, _ *Deps) {
		c.RefreshInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	assert.True(t, e.Built())
	st := e.Stats()
	assert.Equal(t, 1, st.Matcher.Names)
	assert.Equal(t, 3, st.History.Transactions)
	assert.Equal(t, "closed", st.CatalogBreaker)

	cancel()
	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}

func TestNewFillsUnsetLimits(t *testing.T) {
	store := memstore.New().Seed("Tomato")
	e, err := New(config.EngineConfig{StalenessBound: time.Hour}, Deps{Store: store, History: store})
	require.NoError(t, err)
	d := config.Default().Engine
	assert.Equal(t, d.MaxTolerance, e.cfg.MaxTolerance)
	assert.Equal(t, d.ConfirmTimeout, e.cfg.ConfirmTimeout)
	assert.Equal(t, d.MaxResults, e.cfg.MaxResults)

	res, err := e.FuzzySearch(context.Background(), "tomatoe", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomato:1"}, hitNames(res.Hits))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(config.Default().Engine, Deps{})
	assert.Error(t, err)
	_, err = New(config.Default().Engine, Deps{Store: memstore.New()})
	assert.Error(t, err)
}
