// Package rpc serves the engine over the JSON-over-TCP protocol in pkg/grpc
// and offers a typed client for it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/handler"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/proto"
)

const (
	MethodCheckAndAdmit = "Catalog.CheckAndAdmit"
	MethodRemove        = "Catalog.Remove"
	MethodFuzzySearch   = "Catalog.FuzzySearch"
	MethodBatchSearch   = "Catalog.BatchSearch"
	MethodHistoryLookup = "History.Lookup"
	MethodObserve       = "History.Observe"
	MethodStats         = "Engine.Stats"
	MethodRebuild       = "Engine.Rebuild"
	MethodHealth        = "Engine.Health"
)

// Register mounts every engine method on srv. defaultTolerance applies when
// a search request leaves the tolerance unset.
func Register(srv *grpc.Server, e handler.Engine, defaultTolerance int) {
	srv.Register(MethodCheckAndAdmit, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in proto.AdmitRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		res, err := e.CheckAndAdmit(ctx, engine.AdmitRequest{
			Name:     in.Name,
			SellerID: in.SellerID,
			Category: in.Category,
			Price:    in.Price,
			Quantity: int(in.Quantity),
		})
		if err != nil {
			return nil, err
		}
		return toAdmitResponse(res), nil
	})

	srv.Register(MethodRemove, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in proto.RemoveRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		entry, err := e.Remove(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return toEntry(entry), nil
	})

	srv.Register(MethodFuzzySearch, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in proto.FuzzySearchRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		res, err := e.FuzzySearch(ctx, in.Text, tolerance(in.Tolerance, defaultTolerance))
		if err != nil {
			return nil, err
		}
		return toSearchResponse(res), nil
	})

	srv.Register(MethodBatchSearch, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in proto.BatchSearchRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		res, err := e.BatchSearch(ctx, in.Queries, tolerance(in.Tolerance, defaultTolerance))
		if err != nil {
			return nil, err
		}
		out := proto.BatchSearchResponse{
			Tolerance: int32(res.Tolerance),
			Items:     make([]proto.BatchItem, len(res.Items)),
		}
		for i, it := range res.Items {
			out.Items[i] = proto.BatchItem{Query: it.Query, Error: it.Error}
			if it.Result != nil {
				r := toSearchResponse(*it.Result)
				out.Items[i].Result = &r
			}
		}
		return out, nil
	})

	srv.Register(MethodHistoryLookup, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in proto.HistoryLookupRequest
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		res, err := e.HistoryLookup(ctx, in.Query, engine.HistoryMode(in.Mode))
		if err != nil {
			return nil, err
		}
		out := proto.HistoryLookupResponse{
			Query:        string(res.Query),
			Mode:         string(res.Mode),
			IndexVersion: res.IndexVersion,
			Entries:      make([]proto.HistoryHit, len(res.Entries)),
			Buyers:       res.Buyers,
		}
		for i, h := range res.Entries {
			out.Entries[i] = proto.HistoryHit{Transaction: toTransaction(h.HistoryEntry), Item: toEntry(h.Item)}
		}
		return out, nil
	})

	srv.Register(MethodObserve, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in proto.Transaction
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		if err := e.ObserveTransaction(ctx, fromTransaction(in)); err != nil {
			return nil, err
		}
		return map[string]string{"status": "recorded"}, nil
	})

	srv.Register(MethodRebuild, func(ctx context.Context, _ json.RawMessage) (any, error) {
		r, err := e.Rebuild(ctx)
		if err != nil {
			return nil, err
		}
		return proto.RebuildResponse{
			SnapshotVersion: r.SnapshotVersion,
			Names:           int32(r.Names),
			Transactions:    int32(r.Transactions),
			DurationMs:      r.Duration.Milliseconds(),
		}, nil
	})

	srv.Register(MethodStats, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return toStats(e.Stats()), nil
	})

	srv.Register(MethodHealth, func(ctx context.Context, _ json.RawMessage) (any, error) {
		st := e.Stats()
		if st.Matcher.SnapshotVersion == 0 {
			return proto.HealthCheckResponse{Status: "NOT_SERVING"}, nil
		}
		return proto.HealthCheckResponse{Status: "SERVING"}, nil
	})
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Invalid("malformed params: %v", err)
	}
	return nil
}

func tolerance(t *int32, def int) int {
	if t == nil {
		return def
	}
	return int(*t)
}

func toEntry(e catalog.Entry) proto.Entry {
	out := proto.Entry{
		ID:          e.ID,
		Name:        string(e.Name),
		DisplayName: e.DisplayName,
		SellerID:    e.SellerID,
		Category:    e.Category,
		Price:       e.Price,
		Quantity:    int32(e.Quantity),
	}
	if !e.CreatedAt.IsZero() {
		out.CreatedAt = e.CreatedAt.UnixMilli()
	}
	return out
}

func toAdmitResponse(r engine.AdmitResult) proto.AdmitResponse {
	out := proto.AdmitResponse{
		Decision:        string(r.Decision),
		Reason:          string(r.Reason),
		Name:            string(r.Name),
		SnapshotVersion: r.SnapshotVersion,
	}
	if r.Entry != nil {
		e := toEntry(*r.Entry)
		out.Entry = &e
	}
	for _, m := range r.Similar {
		out.Similar = append(out.Similar, proto.Match{Name: string(m.Name), Distance: int32(m.Distance)})
	}
	return out
}

func toSearchResponse(r engine.SearchResult) proto.FuzzySearchResponse {
	out := proto.FuzzySearchResponse{
		Query:           string(r.Query),
		Tolerance:       int32(r.Tolerance),
		SnapshotVersion: r.SnapshotVersion,
		Hits:            make([]proto.Hit, len(r.Hits)),
		Stale:           r.Stale,
	}
	for i, h := range r.Hits {
		out.Hits[i] = proto.Hit{Name: string(h.Name), Distance: int32(h.Distance), Entry: toEntry(h.Entry)}
	}
	return out
}

func toTransaction(h catalog.HistoryEntry) proto.Transaction {
	return proto.Transaction{
		TransactionID: h.TransactionID,
		Buyer:         h.Buyer,
		ItemName:      string(h.ItemName),
		ItemID:        h.ItemID,
		SellerID:      h.SellerID,
		Quantity:      int32(h.Quantity),
		Timestamp:     h.Timestamp.UnixMilli(),
	}
}

func fromTransaction(t proto.Transaction) catalog.HistoryEntry {
	h := catalog.HistoryEntry{
		TransactionID: t.TransactionID,
		Buyer:         t.Buyer,
		ItemName:      catalog.Name(t.ItemName),
		ItemID:        t.ItemID,
		SellerID:      t.SellerID,
		Quantity:      int(t.Quantity),
	}
	if t.Timestamp > 0 {
		h.Timestamp = unixMilli(t.Timestamp)
	}
	return h
}

func toStats(s engine.Stats) proto.StatsResponse {
	out := proto.StatsResponse{
		SnapshotVersion:  s.Snapshot.Version,
		SnapshotNames:    int32(s.Snapshot.Names),
		SnapshotAge:      s.Snapshot.Age,
		SnapshotStale:    s.Snapshot.Stale,
		OracleVersion:    s.Oracle.SnapshotVersion,
		OraclePendingLog: int32(s.Oracle.PendingLog),
		OracleFPRate:     fmt.Sprintf("%.4f%%", s.Oracle.EstimatedFPRate*100),
		MatcherVersion:   s.Matcher.SnapshotVersion,
		MatcherNames:     int32(s.Matcher.Names),
		HistoryVersion:   s.History.Version,
		Transactions:     int32(s.History.Transactions),
		HistoryTail:      int32(s.History.Tail),
		CatalogBreaker:   s.CatalogBreaker,
		HistoryBreaker:   s.HistoryBreaker,
		LastRebuildError: s.LastRebuildError,
	}
	if !s.LastRebuildAt.IsZero() {
		out.LastRebuildAt = s.LastRebuildAt.UnixMilli()
	}
	return out
}
