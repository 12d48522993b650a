// Package boltstore is an embedded catalog backend on bbolt. Entries are
// keyed by their big-endian ID so a cursor walk yields insertion order; a
// second bucket maps normalized names to IDs and enforces uniqueness inside
// the write transaction.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
)

var (
	bucketEntries      = []byte("entries")
	bucketNames        = []byte("names")
	bucketTransactions = []byte("transactions")
	bucketTxIDs        = []byte("transaction_ids")
)

type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures its buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketNames, bucketTransactions, bucketTxIDs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return ctx.Err() })
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *Store) ListAllNames(ctx context.Context) ([]catalog.Name, error) {
	var names []catalog.Name
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		names = make([]catalog.Name, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e catalog.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			names = append(names, e.Name)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing names: %w", err)
	}
	return names, nil
}

func (s *Store) Exists(ctx context.Context, name catalog.Name) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketNames).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (s *Store) Insert(ctx context.Context, e catalog.Entry) (catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Entry{}, err
	}
	e, err := catalog.ValidateEntry(e, 0)
	if err != nil {
		return catalog.Entry{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(e.Name)) != nil {
			return catalog.DuplicateError(e.Name)
		}
		entries := tx.Bucket(bucketEntries)
		seq, err := entries.NextSequence()
		if err != nil {
			return fmt.Errorf("assigning id: %w", err)
		}
		e.ID = int64(seq)
		e.CreatedAt = s.now()
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		if err := entries.Put(itob(seq), data); err != nil {
			return err
		}
		return names.Put([]byte(e.Name), itob(seq))
	})
	if err != nil {
		return catalog.Entry{}, err
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Entry{}, err
	}
	var e catalog.Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		key := itob(uint64(id))
		v := entries.Get(key)
		if v == nil {
			return catalog.NotFoundError(id)
		}
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		if err := entries.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketNames).Delete([]byte(e.Name))
	})
	if err != nil {
		return catalog.Entry{}, err
	}
	return e, nil
}

func (s *Store) LookupByNames(ctx context.Context, names []catalog.Name) (map[catalog.Name]catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[catalog.Name]catalog.Entry, len(names))
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketNames)
		entries := tx.Bucket(bucketEntries)
		for _, n := range names {
			id := idx.Get([]byte(n))
			if id == nil {
				continue
			}
			v := entries.Get(id)
			if v == nil {
				continue
			}
			var e catalog.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			out[n] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListCompletedTransactions(ctx context.Context) ([]catalog.HistoryEntry, error) {
	var out []catalog.HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var h catalog.HistoryEntry
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("decoding transaction: %w", err)
			}
			out = append(out, h)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return out, nil
}

func (s *Store) RecordTransaction(ctx context.Context, h catalog.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := h.Normalized()
	if err != nil {
		return err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketTxIDs)
		if ids.Get([]byte(h.TransactionID)) != nil {
			return nil
		}
		txs := tx.Bucket(bucketTransactions)
		seq, err := txs.NextSequence()
		if err != nil {
			return err
		}
		if err := txs.Put(itob(seq), data); err != nil {
			return err
		}
		return ids.Put([]byte(h.TransactionID), itob(seq))
	})
}
