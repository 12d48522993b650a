// Package events carries catalog changes and completed transactions between
// engine instances over Kafka.
package events

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
)

type ChangeType string

const (
	ChangeInserted ChangeType = "catalog.inserted"
	ChangeDeleted  ChangeType = "catalog.deleted"
)

// OriginHeader names the Kafka header carrying the publishing instance.
const OriginHeader = "origin"

type CatalogChangeEvent struct {
	Type    ChangeType   `json:"type"`
	EntryID int64        `json:"entry_id"`
	Name    catalog.Name `json:"name"`
	Origin  string       `json:"origin"`
	At      time.Time    `json:"at"`
}

type TransactionEvent struct {
	catalog.HistoryEntry
}
