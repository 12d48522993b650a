// Package proto defines the message types exchanged with the engine over
// the JSON-over-TCP RPC layer (see pkg/grpc).
//
// Times travel as Unix milliseconds so non-Go callers need no RFC 3339
// parsing.
package proto

// ---------- Common ----------

// Entry is a live catalog entry.
type Entry struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	SellerID    string  `json:"seller_id"`
	Category    string  `json:"category,omitempty"`
	Price       float64 `json:"price"`
	Quantity    int32   `json:"quantity"`
	CreatedAt   int64   `json:"created_at"`
}

// Match is a catalog name within tolerance of a query.
type Match struct {
	Name     string `json:"name"`
	Distance int32  `json:"distance"`
}

// HealthCheckResponse reports whether the engine can serve.
type HealthCheckResponse struct {
	Status string `json:"status"` // SERVING, NOT_SERVING
}

// ---------- Catalog ----------

// AdmitRequest is the input to Catalog.CheckAndAdmit.
type AdmitRequest struct {
	Name     string  `json:"name"`
	SellerID string  `json:"seller_id"`
	Category string  `json:"category,omitempty"`
	Price    float64 `json:"price"`
	Quantity int32   `json:"quantity"`
}

// AdmitResponse is the output of Catalog.CheckAndAdmit.
type AdmitResponse struct {
	Decision        string  `json:"decision"` // accepted, rejected
	Reason          string  `json:"reason,omitempty"`
	Name            string  `json:"name"`
	Entry           *Entry  `json:"entry,omitempty"`
	Similar         []Match `json:"similar,omitempty"`
	SnapshotVersion uint64  `json:"snapshot_version"`
}

// RemoveRequest is the input to Catalog.Remove.
type RemoveRequest struct {
	ID int64 `json:"id"`
}

// FuzzySearchRequest is the input to Catalog.FuzzySearch. A nil Tolerance
// uses the engine default.
type FuzzySearchRequest struct {
	Text      string `json:"text"`
	Tolerance *int32 `json:"tolerance,omitempty"`
}

// Hit is one fuzzy match with its live entry.
type Hit struct {
	Name     string `json:"name"`
	Distance int32  `json:"distance"`
	Entry    Entry  `json:"entry"`
}

// FuzzySearchResponse is the output of Catalog.FuzzySearch.
type FuzzySearchResponse struct {
	Query           string `json:"query"`
	Tolerance       int32  `json:"tolerance"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	Hits            []Hit  `json:"hits"`
	Stale           bool   `json:"stale,omitempty"`
}

// BatchSearchRequest is the input to Catalog.BatchSearch.
type BatchSearchRequest struct {
	Queries   []string `json:"queries"`
	Tolerance *int32   `json:"tolerance,omitempty"`
}

// BatchItem is the answer for one query of a batch.
type BatchItem struct {
	Query  string               `json:"query"`
	Result *FuzzySearchResponse `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// BatchSearchResponse is the output of Catalog.BatchSearch.
type BatchSearchResponse struct {
	Tolerance int32       `json:"tolerance"`
	Items     []BatchItem `json:"items"`
}

// ---------- History ----------

// Transaction is one completed purchase.
type Transaction struct {
	TransactionID string `json:"transaction_id"`
	Buyer         string `json:"buyer"`
	ItemName      string `json:"item_name"`
	ItemID        int64  `json:"item_id,omitempty"`
	SellerID      string `json:"seller_id,omitempty"`
	Quantity      int32  `json:"quantity"`
	Timestamp     int64  `json:"timestamp"`
}

// HistoryLookupRequest is the input to History.Lookup.
type HistoryLookupRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"` // exact, substring (default)
}

// HistoryHit is a transaction with the live entry of its item.
type HistoryHit struct {
	Transaction Transaction `json:"transaction"`
	Item        Entry       `json:"item"`
}

// HistoryLookupResponse is the output of History.Lookup.
type HistoryLookupResponse struct {
	Query        string       `json:"query"`
	Mode         string       `json:"mode"`
	IndexVersion uint64       `json:"index_version"`
	Entries      []HistoryHit `json:"entries"`
	Buyers       []string     `json:"buyers"`
}

// ---------- Engine ----------

// RebuildResponse is the output of Engine.Rebuild.
type RebuildResponse struct {
	SnapshotVersion uint64 `json:"snapshot_version"`
	Names           int32  `json:"names"`
	Transactions    int32  `json:"transactions"`
	DurationMs      int64  `json:"duration_ms"`
}

// StatsResponse is the output of Engine.Stats.
type StatsResponse struct {
	SnapshotVersion  uint64 `json:"snapshot_version"`
	SnapshotNames    int32  `json:"snapshot_names"`
	SnapshotAge      string `json:"snapshot_age"`
	SnapshotStale    bool   `json:"snapshot_stale"`
	OracleVersion    uint64 `json:"oracle_version"`
	OraclePendingLog int32  `json:"oracle_pending_log"`
	OracleFPRate     string `json:"oracle_fp_rate"`
	MatcherVersion   uint64 `json:"matcher_version"`
	MatcherNames     int32  `json:"matcher_names"`
	HistoryVersion   uint64 `json:"history_version"`
	Transactions     int32  `json:"transactions"`
	HistoryTail      int32  `json:"history_tail"`
	CatalogBreaker   string `json:"catalog_breaker"`
	HistoryBreaker   string `json:"history_breaker"`
	LastRebuildAt    int64  `json:"last_rebuild_at,omitempty"`
	LastRebuildError string `json:"last_rebuild_error,omitempty"`
}
