// Package catalog defines the catalog data model and the two collaborators
// the engine depends on: the authoritative Store of live entries and the
// append-only HistorySource of completed transactions.
package catalog

import (
	"context"
	"time"
)

// Entry is a live catalog entry. Name is unique across the catalog.
type Entry struct {
	ID          int64     `json:"id"`
	Name        Name      `json:"name"`
	DisplayName string    `json:"display_name"`
	SellerID    string    `json:"seller_id"`
	Category    string    `json:"category,omitempty"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryEntry is one completed transaction.
type HistoryEntry struct {
	TransactionID string    `json:"transaction_id"`
	Buyer         string    `json:"buyer"`
	ItemName      Name      `json:"item_name"`
	ItemID        int64     `json:"item_id,omitempty"`
	SellerID      string    `json:"seller_id,omitempty"`
	Quantity      int       `json:"quantity"`
	Timestamp     time.Time `json:"timestamp"`
}

// Normalized returns a copy of h with ItemName normalized and the required
// fields checked.
func (h HistoryEntry) Normalized() (HistoryEntry, error) {
	name, err := Normalize(string(h.ItemName))
	if err != nil {
		return HistoryEntry{}, err
	}
	h.ItemName = name
	if h.TransactionID == "" {
		return HistoryEntry{}, invalid("transaction id must not be empty")
	}
	if h.Buyer == "" {
		return HistoryEntry{}, invalid("buyer must not be empty")
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	return h, nil
}

// Store is the authoritative catalog. Implementations must enforce name
// uniqueness in Insert and report a conflict with errors.ErrDuplicate.
type Store interface {
	// ListAllNames returns every live name in catalog insertion order.
	ListAllNames(ctx context.Context) ([]Name, error)
	Exists(ctx context.Context, name Name) (bool, error)
	// Insert assigns the entry an ID and creation time.
	Insert(ctx context.Context, e Entry) (Entry, error)
	// Delete removes the entry and returns it, or errors.ErrNotFound.
	Delete(ctx context.Context, id int64) (Entry, error)
	// LookupByNames resolves names to live entries. Missing names are absent
	// from the result.
	LookupByNames(ctx context.Context, names []Name) (map[Name]Entry, error)
}

// HistorySource is the append-only record of completed transactions.
type HistorySource interface {
	ListCompletedTransactions(ctx context.Context) ([]HistoryEntry, error)
	// RecordTransaction is idempotent on TransactionID.
	RecordTransaction(ctx context.Context, h HistoryEntry) error
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is a Store and HistorySource served by the same storage.
type Backend interface {
	Store
	HistorySource
	Close() error
}
