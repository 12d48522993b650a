// Package pgstore is the PostgreSQL catalog backend.
//
// It requires the following tables (created by EnsureSchema):
//
//	CREATE TABLE catalog_items (
//	    id              BIGSERIAL PRIMARY KEY,
//	    normalized_name TEXT NOT NULL UNIQUE,
//	    display_name    TEXT NOT NULL,
//	    seller_id       TEXT NOT NULL DEFAULT '',
//	    category        TEXT NOT NULL DEFAULT '',
//	    price           DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    quantity        INTEGER NOT NULL DEFAULT 0,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE transactions (
//	    seq            BIGSERIAL PRIMARY KEY,
//	    transaction_id TEXT NOT NULL UNIQUE,
//	    buyer          TEXT NOT NULL,
//	    item_name      TEXT NOT NULL,
//	    item_id        BIGINT NOT NULL DEFAULT 0,
//	    seller_id      TEXT NOT NULL DEFAULT '',
//	    quantity       INTEGER NOT NULL DEFAULT 0,
//	    completed_at   TIMESTAMPTZ NOT NULL
//	);
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS catalog_items (
    id              BIGSERIAL PRIMARY KEY,
    normalized_name TEXT NOT NULL UNIQUE,
    display_name    TEXT NOT NULL,
    seller_id       TEXT NOT NULL DEFAULT '',
    category        TEXT NOT NULL DEFAULT '',
    price           DOUBLE PRECISION NOT NULL DEFAULT 0,
    quantity        INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS transactions (
    seq            BIGSERIAL PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    buyer          TEXT NOT NULL,
    item_name      TEXT NOT NULL,
    item_id        BIGINT NOT NULL DEFAULT 0,
    seller_id      TEXT NOT NULL DEFAULT '',
    quantity       INTEGER NOT NULL DEFAULT 0,
    completed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_item_name_idx ON transactions (item_name);
`

const entryColumns = `id, normalized_name, display_name, seller_id, category, price, quantity, created_at`

type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "pg-catalog"),
	}
}

// EnsureSchema creates the catalog tables if they do not exist. Concurrent
// starts serialize on an advisory lock.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('catalog_schema'))`); err != nil {
			return fmt.Errorf("locking schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating catalog schema: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (catalog.Entry, error) {
	var e catalog.Entry
	var name string
	err := row.Scan(&e.ID, &name, &e.DisplayName, &e.SellerID, &e.Category, &e.Price, &e.Quantity, &e.CreatedAt)
	e.Name = catalog.Name(name)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, err
}

func (s *Store) ListAllNames(ctx context.Context) ([]catalog.Name, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT normalized_name FROM catalog_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing names: %w", err)
	}
	defer rows.Close()
	var names []catalog.Name
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning name: %w", err)
		}
		names = append(names, catalog.Name(n))
	}
	return names, rows.Err()
}

func (s *Store) Exists(ctx context.Context, name catalog.Name) (bool, error) {
	var ok bool
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM catalog_items WHERE normalized_name = $1)`, string(name),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking %q: %w", name, err)
	}
	return ok, nil
}

func (s *Store) Insert(ctx context.Context, e catalog.Entry) (catalog.Entry, error) {
	e, err := catalog.ValidateEntry(e, 0)
	if err != nil {
		return catalog.Entry{}, err
	}
	row := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO catalog_items (normalized_name, display_name, seller_id, category, price, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+entryColumns,
		string(e.Name), e.DisplayName, e.SellerID, e.Category, e.Price, e.Quantity, time.Now().UTC(),
	)
	out, err := scanEntry(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return catalog.Entry{}, catalog.DuplicateError(e.Name)
		}
		return catalog.Entry{}, fmt.Errorf("inserting %q: %w", e.Name, err)
	}
	s.logger.Debug("catalog entry inserted", "id", out.ID, "name", out.Name)
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (catalog.Entry, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`DELETE FROM catalog_items WHERE id = $1 RETURNING `+entryColumns, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Entry{}, catalog.NotFoundError(id)
	}
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("deleting %d: %w", id, err)
	}
	return e, nil
}

func (s *Store) LookupByNames(ctx context.Context, names []catalog.Name) (map[catalog.Name]catalog.Entry, error) {
	out := make(map[catalog.Name]catalog.Entry, len(names))
	if len(names) == 0 {
		return out, nil
	}
	raw := make([]string, len(names))
	for i, n := range names {
		raw[i] = string(n)
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_items WHERE normalized_name = ANY($1)`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("looking up names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		out[e.Name] = e
	}
	return out, rows.Err()
}

func (s *Store) ListCompletedTransactions(ctx context.Context) ([]catalog.HistoryEntry, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT transaction_id, buyer, item_name, item_id, seller_id, quantity, completed_at
		 FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()
	var out []catalog.HistoryEntry
	for rows.Next() {
		var h catalog.HistoryEntry
		var name string
		if err := rows.Scan(&h.TransactionID, &h.Buyer, &name, &h.ItemID, &h.SellerID, &h.Quantity, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		h.ItemName = catalog.Name(name)
		h.Timestamp = h.Timestamp.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) RecordTransaction(ctx context.Context, h catalog.HistoryEntry) error {
	h, err := h.Normalized()
	if err != nil {
		return err
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO transactions (transaction_id, buyer, item_name, item_id, seller_id, quantity, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		h.TransactionID, h.Buyer, string(h.ItemName), h.ItemID, h.SellerID, h.Quantity, h.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("recording transaction %s: %w", h.TransactionID, err)
	}
	return nil
}
