package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/kafka"
)

// Invalidator drops derived state after a catalog write made elsewhere.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// TransactionObserver accepts completed transactions.
type TransactionObserver interface {
	ObserveTransaction(ctx context.Context, h catalog.HistoryEntry) error
}

// HandleCatalogChange invalidates target for every change published by an
// instance other than origin.
func HandleCatalogChange(target Invalidator, origin string) kafka.MessageHandler {
	logger := slog.Default().With("component", "catalog-change-consumer")
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeJSON[CatalogChangeEvent](msg.Value)
		if err != nil {
			// A malformed event cannot become valid on redelivery.
			logger.Warn("skipping malformed catalog change", "error", err)
			return nil
		}
		from := msg.Headers[OriginHeader]
		if from == "" {
			from = ev.Origin
		}
		if from != "" && from == origin {
			return nil
		}
		logger.Debug("catalog changed elsewhere", "type", ev.Type, "name", ev.Name, "origin", from)
		return target.Invalidate(ctx)
	}
}

// HandleTransaction feeds completed transactions to obs. Invalid entries
// are logged and skipped.
func HandleTransaction(obs TransactionObserver) kafka.MessageHandler {
	logger := slog.Default().With("component", "transaction-consumer")
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeJSON[TransactionEvent](msg.Value)
		if err != nil {
			logger.Warn("skipping malformed transaction", "error", err)
			return nil
		}
		err = obs.ObserveTransaction(ctx, ev.HistoryEntry)
		if errors.Is(err, apperrors.ErrInvalidInput) {
			logger.Warn("skipping invalid transaction", "transaction_id", ev.TransactionID, "error", err)
			return nil
		}
		return err
	}
}
