package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/matcher"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/tracing"
)

// FuzzySearch returns live catalog entries whose names are within
// tolerance edits of text, nearest first. Names whose entries have been
// removed since the last build are dropped.
func (e *Engine) FuzzySearch(ctx context.Context, text string, tolerance int) (SearchResult, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "fuzzy-search")
	defer span.End()

	res, err := e.fuzzySearch(ctx, text, tolerance)
	span.SetAttr("hits", len(res.Hits))
	e.observeLatency("fuzzy_search", start)
	if e.metrics != nil {
		switch {
		case err != nil:
			e.metrics.FuzzyQueriesTotal.WithLabelValues("error").Inc()
		case len(res.Hits) == 0:
			e.metrics.FuzzyQueriesTotal.WithLabelValues("zero_result").Inc()
		default:
			e.metrics.FuzzyQueriesTotal.WithLabelValues("hit").Inc()
		}
		if err == nil {
			e.metrics.FuzzyResultsCount.Observe(float64(len(res.Hits)))
		}
	}
	return res, err
}

func (e *Engine) validTolerance(tolerance int) error {
	if tolerance < 0 || tolerance > e.cfg.MaxTolerance {
		return apperrors.Invalid("tolerance must be within [0,%d], got %d", e.cfg.MaxTolerance, tolerance)
	}
	return nil
}

func (e *Engine) fuzzySearch(ctx context.Context, text string, tolerance int) (SearchResult, error) {
	if err := e.validTolerance(tolerance); err != nil {
		return SearchResult{}, err
	}
	query, err := catalog.NormalizeLimit(text, e.cfg.MaxNameLength)
	if err != nil {
		return SearchResult{}, err
	}
	stale, err := e.ensureCatalog(ctx)
	if err != nil {
		return SearchResult{}, err
	}

	matches, version, err := e.matches(ctx, query, tolerance)
	if err != nil {
		return SearchResult{}, err
	}
	names := make([]catalog.Name, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	live, err := e.lookup(ctx, names)
	if err != nil {
		return SearchResult{}, err
	}

	hits := make([]Hit, 0, min(len(matches), e.cfg.MaxResults))
	for _, m := range matches {
		entry, ok := live[m.Name]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Name: m.Name, Distance: m.Distance, Entry: entry})
		if len(hits) == e.cfg.MaxResults {
			break
		}
	}
	return SearchResult{
		Query:           query,
		Tolerance:       tolerance,
		SnapshotVersion: version,
		Hits:            hits,
		Stale:           stale,
	}, nil
}

// errVersionMoved reports a matcher swap between choosing a cache key and
// computing the value for it.
var errVersionMoved = errors.New("matcher version moved")

// matches queries the matcher, through the result cache when one is set,
// and returns the snapshot version the matches were computed from. A
// failing cache is bypassed.
func (e *Engine) matches(ctx context.Context, query catalog.Name, tolerance int) ([]matcher.Match, uint64, error) {
	direct := func() ([]matcher.Match, uint64, error) {
		r, err := e.matcher.Query(string(query), tolerance)
		return r.Matches, r.SnapshotVersion, err
	}
	if e.cache == nil {
		return direct()
	}
	version := e.matcher.Version()
	ms, hit, err := e.cache.GetOrCompute(ctx, version, query, tolerance, func() ([]matcher.Match, error) {
		r, err := e.matcher.Query(string(query), tolerance)
		if err != nil {
			return nil, err
		}
		if r.SnapshotVersion != version {
			return nil, errVersionMoved
		}
		return r.Matches, nil
	})
	switch {
	case errors.Is(err, errVersionMoved):
		return direct()
	case err != nil:
		logger.FromContext(ctx).Warn("result cache failed, querying matcher directly", "error", err)
		return direct()
	}
	if e.metrics != nil {
		if hit {
			e.metrics.CacheHitsTotal.Inc()
		} else {
			e.metrics.CacheMissesTotal.Inc()
		}
	}
	return ms, version, nil
}

// BatchSearch runs FuzzySearch for every query with bounded concurrency and
// returns the results in input order. Repeated queries are answered once.
// A query that is itself invalid gets an error on its item; a collaborator
// failure fails the whole batch.
func (e *Engine) BatchSearch(ctx context.Context, queries []string, tolerance int) (BatchResult, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "batch-search")
	defer span.End()
	defer e.observeLatency("batch_search", start)

	if len(queries) == 0 {
		return BatchResult{}, apperrors.Invalid("batch must contain at least one query")
	}
	if len(queries) > e.cfg.MaxBatchSize {
		return BatchResult{}, apperrors.Invalid("batch holds %d queries, limit is %d", len(queries), e.cfg.MaxBatchSize)
	}
	if err := e.validTolerance(tolerance); err != nil {
		return BatchResult{}, err
	}

	items := make([]BatchItem, len(queries))
	slot := make([]int, len(queries))
	seen := make(map[catalog.Name]int)
	var unique []catalog.Name
	for i, q := range queries {
		items[i].Query = q
		slot[i] = -1
		name, err := catalog.NormalizeLimit(q, e.cfg.MaxNameLength)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		j, ok := seen[name]
		if !ok {
			j = len(unique)
			seen[name] = j
			unique = append(unique, name)
		}
		slot[i] = j
	}
	span.SetAttr("queries", len(queries))
	span.SetAttr("unique", len(unique))

	results := make([]*SearchResult, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for j, name := range unique {
		g.Go(func() error {
			r, err := e.FuzzySearch(gctx, string(name), tolerance)
			if err != nil {
				return err
			}
			results[j] = &r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}

	for i := range items {
		if slot[i] >= 0 {
			items[i].Result = results[slot[i]]
		}
	}
	return BatchResult{Tolerance: tolerance, Items: items}, nil
}
