package engine

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/tracing"
)

// HistoryLookup finds completed transactions whose item name equals query
// (ModeExact) or contains it (ModeSubstring, the default). Each transaction
// is paired with the live entry for its item; transactions whose item no
// longer resolves are dropped.
func (e *Engine) HistoryLookup(ctx context.Context, query string, mode HistoryMode) (HistoryResult, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "history-lookup")
	defer span.End()

	if mode == "" {
		mode = ModeSubstring
	}
	res, err := e.historyLookup(ctx, query, mode)
	span.SetAttr("entries", len(res.Entries))
	e.observeLatency("history_lookup", start)
	if e.metrics != nil {
		outcome := "hit"
		switch {
		case err != nil:
			outcome = "error"
		case len(res.Entries) == 0:
			outcome = "zero_result"
		}
		e.metrics.HistoryLookupsTotal.WithLabelValues(string(mode), outcome).Inc()
	}
	return res, err
}

func (e *Engine) historyLookup(ctx context.Context, query string, mode HistoryMode) (HistoryResult, error) {
	if mode != ModeExact && mode != ModeSubstring {
		return HistoryResult{}, apperrors.Invalid("unknown history mode %q", mode)
	}
	q, err := catalog.NormalizeLimit(query, e.cfg.MaxNameLength)
	if err != nil {
		return HistoryResult{}, err
	}
	if err := e.ensureHistory(ctx); err != nil {
		return HistoryResult{}, err
	}

	var found []catalog.HistoryEntry
	if mode == ModeExact {
		found = e.index.FindByName(q)
	} else {
		found = e.index.FindBySubstring(string(q))
	}

	var names []catalog.Name
	seen := make(map[catalog.Name]struct{})
	for _, h := range found {
		if _, ok := seen[h.ItemName]; !ok {
			seen[h.ItemName] = struct{}{}
			names = append(names, h.ItemName)
		}
	}
	live, err := e.lookup(ctx, names)
	if err != nil {
		return HistoryResult{}, err
	}

	res := HistoryResult{
		Query:        q,
		Mode:         mode,
		IndexVersion: e.index.Version(),
		Entries:      make([]HistoryHit, 0, len(found)),
		Buyers:       []string{},
	}
	buyers := make(map[string]struct{})
	for _, h := range found {
		item, ok := live[h.ItemName]
		if !ok {
			continue
		}
		res.Entries = append(res.Entries, HistoryHit{HistoryEntry: h, Item: item})
		if _, ok := buyers[h.Buyer]; !ok {
			buyers[h.Buyer] = struct{}{}
			res.Buyers = append(res.Buyers, h.Buyer)
		}
	}
	return res, nil
}

// ObserveTransaction records a completed transaction in the history source
// and makes it visible to lookups without a rebuild. Observing the same
// transaction twice has no further effect.
func (e *Engine) ObserveTransaction(ctx context.Context, h catalog.HistoryEntry) error {
	ctx, span := tracing.Start(ctx, "observe-transaction")
	defer span.End()

	h, err := h.Normalized()
	if err != nil {
		return err
	}
	_, err = guarded(ctx, e, e.historyBreaker, "history record", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.history.RecordTransaction(ctx, h)
	})
	if err != nil {
		return err
	}
	if e.index.Append(h) && e.metrics != nil {
		e.metrics.TransactionsObserved.Inc()
	}
	return nil
}
