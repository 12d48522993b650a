package engine

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/snapshot"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/tracing"
)

// Rebuild loads a fresh snapshot and the full transaction history
// concurrently and rebuilds every structure from them. When either load
// fails nothing is swapped and the previous versions keep serving.
// Concurrent calls share one rebuild.
func (e *Engine) Rebuild(ctx context.Context) (RebuildReport, error) {
	ch := e.rebuilds.DoChan("full", func() (any, error) {
		return e.rebuild(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return RebuildReport{}, res.Err
		}
		return res.Val.(RebuildReport), nil
	case <-ctx.Done():
		return RebuildReport{}, apperrors.Unavailable("rebuild", ctx.Err())
	}
}

func (e *Engine) rebuild(ctx context.Context) (RebuildReport, error) {
	ctx, span := tracing.Start(ctx, "rebuild")
	defer span.End()
	start := time.Now()

	e.historyDirty.Store(false)
	wrote := e.catalogDirty.Swap(false)
	var (
		snap *snapshot.Snapshot
		txs  []catalog.HistoryEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := e.snapshots.Refresh(gctx)
		snap = s
		return err
	})
	g.Go(func() error {
		t, err := e.listTransactions(gctx)
		txs = t
		return err
	})
	if err := g.Wait(); err != nil {
		e.historyDirty.Store(true)
		if wrote {
			e.catalogDirty.Store(true)
		}
		e.recordRebuild(nil, err)
		logger.FromContext(ctx).Error("rebuild failed, keeping previous structures", "error", err)
		return RebuildReport{}, err
	}

	e.applySnapshot(snap)
	e.index.Rebuild(txs)
	e.historyBuilt.Store(true)

	report := RebuildReport{
		SnapshotVersion: snap.Version,
		Names:           snap.Len(),
		Transactions:    len(txs),
		Duration:        time.Since(start),
	}
	span.SetAttr("snapshot", snap.Version)
	span.SetAttr("names", report.Names)
	span.SetAttr("transactions", report.Transactions)
	e.recordRebuild(&report, nil)
	if e.metrics != nil {
		e.metrics.StructureVersion.WithLabelValues("history").Set(float64(e.index.Version()))
	}
	e.logger.Info("structures rebuilt",
		"snapshot", report.SnapshotVersion,
		"names", report.Names,
		"transactions", report.Transactions,
		"duration", report.Duration,
	)
	return report, nil
}

func (e *Engine) recordRebuild(report *RebuildReport, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastRebuildErr = err.Error()
		if e.metrics != nil {
			e.metrics.StructureRebuilds.WithLabelValues("error").Inc()
		}
		return
	}
	e.lastRebuild = report
	e.lastRebuildAt = time.Now()
	e.lastRebuildErr = ""
	if e.metrics != nil {
		e.metrics.StructureRebuilds.WithLabelValues("ok").Inc()
	}
}

// applySnapshot rebuilds the oracle and matcher from s unless both were
// already built from it or something newer.
func (e *Engine) applySnapshot(s *snapshot.Snapshot) {
	key := "apply-" + strconv.FormatUint(s.Version, 10)
	_, _, _ = e.rebuilds.Do(key, func() (any, error) {
		if e.oracle.Version() >= s.Version && e.matcher.Version() >= s.Version {
			return nil, nil
		}
		e.oracle.Rebuild(s)
		e.matcher.Rebuild(s)
		if e.metrics != nil {
			e.metrics.SnapshotSize.Set(float64(s.Len()))
			e.metrics.StructureVersion.WithLabelValues("oracle").Set(float64(e.oracle.Version()))
			e.metrics.StructureVersion.WithLabelValues("matcher").Set(float64(e.matcher.Version()))
		}
		return nil, nil
	})
}

// refreshCatalog brings the oracle and matcher up to the current snapshot,
// reloading it when stale.
func (e *Engine) refreshCatalog(ctx context.Context) error {
	s, err := e.snapshots.Current(ctx)
	if err != nil {
		return err
	}
	e.applySnapshot(s)
	return nil
}

// consumeCatalogWrites invalidates the snapshot when this engine has
// written to the catalog since the last build, so the next load covers
// every such write at once.
func (e *Engine) consumeCatalogWrites() {
	if e.catalogDirty.Swap(false) {
		e.snapshots.Invalidate()
	}
}

// ensureCatalog refreshes catalog structures before a read. A failed
// refresh is tolerated when an older build exists; the answer is then
// flagged stale.
func (e *Engine) ensureCatalog(ctx context.Context) (stale bool, err error) {
	e.consumeCatalogWrites()
	err = e.refreshCatalog(ctx)
	if err == nil {
		return false, nil
	}
	if !e.Built() {
		return false, err
	}
	logger.FromContext(ctx).Warn("catalog refresh failed, serving previous structures", "error", err)
	return true, nil
}

func (e *Engine) listTransactions(ctx context.Context) ([]catalog.HistoryEntry, error) {
	var txs []catalog.HistoryEntry
	err := resilience.Retry(ctx, "list-transactions", e.retry, func() error {
		var err error
		txs, err = guarded(ctx, e, e.historyBreaker, "history list", func(ctx context.Context) ([]catalog.HistoryEntry, error) {
			return e.history.ListCompletedTransactions(ctx)
		})
		return err
	})
	return txs, err
}

// rebuildHistory reindexes the full transaction history. Concurrent calls
// share one load.
func (e *Engine) rebuildHistory(ctx context.Context) error {
	ch := e.rebuilds.DoChan("history", func() (any, error) {
		e.historyDirty.Store(false)
		txs, err := e.listTransactions(context.WithoutCancel(ctx))
		if err != nil {
			e.historyDirty.Store(true)
			return nil, err
		}
		e.index.Rebuild(txs)
		e.historyBuilt.Store(true)
		if e.metrics != nil {
			e.metrics.StructureVersion.WithLabelValues("history").Set(float64(e.index.Version()))
		}
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return apperrors.Unavailable("history rebuild", ctx.Err())
	}
}

// ensureHistory builds the history index on first use and after a failed
// rebuild. Later failures fall back to the previous index.
func (e *Engine) ensureHistory(ctx context.Context) error {
	if e.historyBuilt.Load() && !e.historyDirty.Load() {
		return nil
	}
	err := e.rebuildHistory(ctx)
	if err != nil && e.historyBuilt.Load() {
		logger.FromContext(ctx).Warn("history rebuild failed, serving previous index", "error", err)
		return nil
	}
	return err
}

// Start performs the initial build and launches the maintenance loop, which
// runs every refreshInterval until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		if _, err := e.Rebuild(ctx); err != nil {
			e.logger.Error("initial build failed; requests will retry", "error", err)
		}
		go e.loop(ctx)
		e.logger.Info("engine started", "refresh_interval", e.cfg.RefreshInterval, "staleness_bound", e.cfg.StalenessBound)
	})
}

// Close waits for the maintenance loop started by Start to exit.
func (e *Engine) Close() {
	<-e.done
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	if e.cfg.RefreshInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.maintain(ctx)
		case <-ctx.Done():
			e.logger.Info("engine maintenance loop stopped")
			return
		}
	}
}

// maintain refreshes stale catalog structures (including after this
// engine's own writes), rebuilds the oracle once its
// post-snapshot log overflows, and compacts the history tail.
func (e *Engine) maintain(ctx context.Context) {
	e.consumeCatalogWrites()
	switch {
	case e.oracle.NeedsRebuild():
		s, err := e.snapshots.Refresh(ctx)
		if err != nil {
			e.logger.Warn("oracle rebuild skipped", "error", err)
			break
		}
		e.applySnapshot(s)
	case e.snapshots.IsStale():
		if err := e.refreshCatalog(ctx); err != nil {
			e.logger.Warn("catalog refresh failed", "error", err)
		}
	}
	if e.index.NeedsCompaction() || e.historyDirty.Load() || !e.historyBuilt.Load() {
		if err := e.rebuildHistory(ctx); err != nil {
			e.logger.Warn("history compaction failed", "error", err)
		}
	}
}
