// Package engine is the integration façade of the catalog similarity
// engine. It owns the snapshot provider and the three derived structures
// (existence oracle, fuzzy matcher, history index), keeps them consistent
// with the authoritative catalog, and exposes the request operations:
// admission, fuzzy search, batch search and history lookup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/history"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/oracle"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/resilience"
)

// Deps are the engine's collaborators. Store and History are required; the
// rest are optional.
type Deps struct {
	Store   catalog.Store
	History catalog.HistorySource
	// Locker serialises admissions of the same name across instances.
	Locker    Locker
	LockTTL   time.Duration
	Cache     ResultCache
	Publisher ChangePublisher
	Metrics   *metrics.Metrics
}

type Engine struct {
	cfg       config.EngineConfig
	store     catalog.Store
	history   catalog.HistorySource
	locker    Locker
	lockTTL   time.Duration
	cache     ResultCache
	publisher ChangePublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	snapshots *snapshot.Provider
	oracle    *oracle.Oracle
	matcher   *matcher.Matcher
	index     *history.Index

	keys           *keyLock
	catalogBreaker *resilience.CircuitBreaker
	historyBreaker *resilience.CircuitBreaker
	retry          resilience.RetryConfig

	rebuilds     singleflight.Group
	historyBuilt atomic.Bool
	historyDirty atomic.Bool
	// catalogDirty marks writes made by this engine since the last build.
	// Admission covers them through the oracle's pending log; reads and
	// the maintenance loop reload once for all of them.
	catalogDirty atomic.Bool

	mu             sync.Mutex
	lastRebuild    *RebuildReport
	lastRebuildAt  time.Time
	lastRebuildErr string

	startOnce sync.Once
	done      chan struct{}
}

func New(cfg config.EngineConfig, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: catalog store is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("engine: history source is required")
	}
	cfg = withDefaults(cfg)
	if deps.LockTTL <= 0 {
		deps.LockTTL = 5 * time.Second
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		history:   deps.History,
		locker:    deps.Locker,
		lockTTL:   deps.LockTTL,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    slog.Default().With("component", "engine", "instance", cfg.InstanceID),
		oracle: oracle.New(oracle.Config{
			ExpectedItems:     cfg.ExpectedItems,
			FalsePositiveRate: cfg.FalsePositiveRate,
			PendingLogLimit:   cfg.PendingLogLimit,
		}),
		matcher: matcher.New(),
		index:   history.NewIndex(cfg.HistoryTailLimit),
		keys:    newKeyLock(),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Retryable:    apperrors.IsRetryable,
			OnRetry: func(name string, _ int, _ error) {
				if deps.Metrics != nil {
					deps.Metrics.CollaboratorRetries.WithLabelValues(name).Inc()
				}
			},
		},
		done: make(chan struct{}),
	}
	// ListAllNames errors arrive unwrapped, so the snapshot retry only
	// gives up on cancellation.
	listRetry := e.retry
	listRetry.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	e.snapshots = snapshot.NewProvider(e.store, snapshot.Config{
		StalenessBound: cfg.StalenessBound,
		Retry:          listRetry,
	})
	e.catalogBreaker = e.newBreaker("catalog-store")
	e.historyBreaker = e.newBreaker("history-source")
	return e, nil
}

func withDefaults(cfg config.EngineConfig) config.EngineConfig {
	d := config.Default().Engine
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = d.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = d.FalsePositiveRate
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = d.MaxNameLength
	}
	if cfg.MaxTolerance <= 0 {
		cfg.MaxTolerance = d.MaxTolerance
	}
	if cfg.DefaultTolerance < 0 || cfg.DefaultTolerance > cfg.MaxTolerance {
		cfg.DefaultTolerance = min(d.DefaultTolerance, cfg.MaxTolerance)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = d.ConfirmTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = d.MaxBatchSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = d.BatchConcurrency
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "engine-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return cfg
}

func (e *Engine) newBreaker(name string) *resilience.CircuitBreaker {
	if e.metrics != nil {
		e.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(resilience.StateClosed))
	}
	return resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(name string, to resilience.State) {
			if e.metrics != nil {
				e.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
		IsFailure: isCollaboratorFailure,
	})
}

// isCollaboratorFailure reports whether err says something about the
// collaborator's health rather than about the request.
func isCollaboratorFailure(err error) bool {
	return !errors.Is(err, apperrors.ErrDuplicate) &&
		!errors.Is(err, apperrors.ErrInvalidInput) &&
		!errors.Is(err, apperrors.ErrNotFound)
}

// guarded runs fn under the confirmation timeout and cb. Failures that are
// not about the request itself come back as ErrCollaboratorUnavailable.
func guarded[T any](ctx context.Context, e *Engine, cb *resilience.CircuitBreaker, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.Call(cb, func() (T, error) {
		return resilience.TimeoutValue(ctx, e.cfg.ConfirmTimeout, name, fn)
	})
	if err != nil && isCollaboratorFailure(err) && !errors.Is(err, apperrors.ErrCollaboratorUnavailable) {
		return v, apperrors.Unavailable(name, err)
	}
	return v, err
}

func (e *Engine) exists(ctx context.Context, name catalog.Name) (bool, error) {
	return guarded(ctx, e, e.catalogBreaker, "catalog exists", func(ctx context.Context) (bool, error) {
		return e.store.Exists(ctx, name)
	})
}

func (e *Engine) insert(ctx context.Context, entry catalog.Entry) (catalog.Entry, error) {
	return guarded(ctx, e, e.catalogBreaker, "catalog insert", func(ctx context.Context) (catalog.Entry, error) {
		return e.store.Insert(ctx, entry)
	})
}

func (e *Engine) lookup(ctx context.Context, names []catalog.Name) (map[catalog.Name]catalog.Entry, error) {
	if len(names) == 0 {
		return map[catalog.Name]catalog.Entry{}, nil
	}
	return guarded(ctx, e, e.catalogBreaker, "catalog lookup", func(ctx context.Context) (map[catalog.Name]catalog.Entry, error) {
		return e.store.LookupByNames(ctx, names)
	})
}

// Remove deletes a catalog entry. The oracle may keep answering
// PossiblyPresent for its name until the next rebuild.
func (e *Engine) Remove(ctx context.Context, id int64) (catalog.Entry, error) {
	if id <= 0 {
		return catalog.Entry{}, apperrors.Invalid("id must be positive, got %d", id)
	}
	entry, err := guarded(ctx, e, e.catalogBreaker, "catalog delete", func(ctx context.Context) (catalog.Entry, error) {
		return e.store.Delete(ctx, id)
	})
	if err != nil {
		return catalog.Entry{}, err
	}
	e.catalogDirty.Store(true)
	e.dropCache(ctx)
	e.publish(events.ChangeDeleted, entry)
	e.logger.Info("catalog entry removed", "id", entry.ID, "name", entry.Name)
	return entry, nil
}

// Invalidate drops catalog-derived state after a write made elsewhere. The
// next request reloads the snapshot and rebuilds.
func (e *Engine) Invalidate(ctx context.Context) error {
	e.snapshots.Invalidate()
	e.dropCache(ctx)
	return nil
}

func (e *Engine) dropCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("result cache invalidation failed", "error", err)
	}
}

func (e *Engine) publish(t events.ChangeType, entry catalog.Entry) {
	if e.publisher == nil {
		return
	}
	e.publisher.PublishCatalogChange(events.CatalogChangeEvent{
		Type:    t,
		EntryID: entry.ID,
		Name:    entry.Name,
		Origin:  e.cfg.InstanceID,
		At:      time.Now().UTC(),
	})
}

// Built reports whether catalog structures have been built at least once.
func (e *Engine) Built() bool {
	return e.matcher.Version() > 0
}

// Degraded reports whether the last full rebuild failed, leaving older
// structures to answer.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRebuildErr != ""
}

// Ping checks the authoritative catalog when it supports it.
func (e *Engine) Ping(ctx context.Context) error {
	if p, ok := e.store.(catalog.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (e *Engine) InstanceID() string {
	return e.cfg.InstanceID
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Oracle:         e.oracle.Stats(),
		Matcher:        e.matcher.Stats(),
		History:        e.index.Stats(),
		CatalogBreaker: e.catalogBreaker.GetState().String(),
		HistoryBreaker: e.historyBreaker.GetState().String(),
	}
	if s := e.snapshots.Peek(); s != nil {
		st.Snapshot = SnapshotStats{
			Version: s.Version,
			Names:   s.Len(),
			TakenAt: s.TakenAt,
			Age:     s.Age(time.Now()).Round(time.Millisecond).String(),
		}
	}
	st.Snapshot.Stale = e.snapshots.IsStale() || e.catalogDirty.Load()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRebuild != nil {
		r := *e.lastRebuild
		st.LastRebuild = &r
	}
	st.LastRebuildAt = e.lastRebuildAt
	st.LastRebuildError = e.lastRebuildErr
	return st
}

func (e *Engine) observeLatency(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
