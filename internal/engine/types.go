package engine

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/history"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/oracle"
)

type Decision string

const (
	Accepted Decision = "accepted"
	Rejected Decision = "rejected"
)

type RejectReason string

const (
	ReasonDuplicate     RejectReason = "duplicate"
	ReasonNearDuplicate RejectReason = "near_duplicate"
)

// AdmitRequest proposes a new catalog entry.
type AdmitRequest struct {
	Name     string  `json:"name"`
	SellerID string  `json:"seller_id"`
	Category string  `json:"category,omitempty"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

type AdmitResult struct {
	Decision Decision       `json:"decision"`
	Reason   RejectReason   `json:"reason,omitempty"`
	Name     catalog.Name   `json:"name"`
	Entry    *catalog.Entry `json:"entry,omitempty"`
	// Similar lists existing names within the near-duplicate tolerance.
	Similar         []matcher.Match `json:"similar,omitempty"`
	SnapshotVersion uint64          `json:"snapshot_version"`
}

// Hit is one fuzzy match resolved to its live catalog entry.
type Hit struct {
	Name     catalog.Name  `json:"name"`
	Distance int           `json:"distance"`
	Entry    catalog.Entry `json:"entry"`
}

type SearchResult struct {
	Query           catalog.Name `json:"query"`
	Tolerance       int          `json:"tolerance"`
	SnapshotVersion uint64       `json:"snapshot_version"`
	Hits            []Hit        `json:"hits"`
	// Stale is set when a refresh failed and the previous structures
	// answered.
	Stale bool `json:"stale,omitempty"`
}

type BatchItem struct {
	Query  string        `json:"query"`
	Result *SearchResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type BatchResult struct {
	Tolerance int         `json:"tolerance"`
	Items     []BatchItem `json:"items"`
}

type HistoryMode string

const (
	ModeExact     HistoryMode = "exact"
	ModeSubstring HistoryMode = "substring"
)

// HistoryHit is a transaction enriched with the live entry for its item.
type HistoryHit struct {
	catalog.HistoryEntry
	Item catalog.Entry `json:"item"`
}

type HistoryResult struct {
	Query        catalog.Name `json:"query"`
	Mode         HistoryMode  `json:"mode"`
	IndexVersion uint64       `json:"index_version"`
	Entries      []HistoryHit `json:"entries"`
	// Buyers lists distinct buyers in order of first appearance.
	Buyers []string `json:"buyers"`
}

type RebuildReport struct {
	SnapshotVersion uint64        `json:"snapshot_version"`
	Names           int           `json:"names"`
	Transactions    int           `json:"transactions"`
	Duration        time.Duration `json:"duration_ns"`
}

type SnapshotStats struct {
	Version uint64    `json:"version"`
	Names   int       `json:"names"`
	TakenAt time.Time `json:"taken_at"`
	Age     string    `json:"age"`
	Stale   bool      `json:"stale"`
}

type Stats struct {
	Snapshot         SnapshotStats  `json:"snapshot"`
	Oracle           oracle.Stats   `json:"oracle"`
	Matcher          matcher.Stats  `json:"matcher"`
	History          history.Stats  `json:"history"`
	CatalogBreaker   string         `json:"catalog_breaker"`
	HistoryBreaker   string         `json:"history_breaker"`
	LastRebuild      *RebuildReport `json:"last_rebuild,omitempty"`
	LastRebuildAt    time.Time      `json:"last_rebuild_at,omitzero"`
	LastRebuildError string         `json:"last_rebuild_error,omitempty"`
}

// ResultCache stores raw matcher output keyed by snapshot version, query
// and tolerance. GetOrCompute reports whether the result came from the cache.
type ResultCache interface {
	GetOrCompute(ctx context.Context, version uint64, query catalog.Name, tolerance int, compute func() ([]matcher.Match, error)) ([]matcher.Match, bool, error)
	Invalidate(ctx context.Context) error
}

// Locker is a lock shared between engine instances.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// ChangePublisher announces catalog writes to other instances.
type ChangePublisher interface {
	PublishCatalogChange(ev events.CatalogChangeEvent)
}
