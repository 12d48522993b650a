// Package history indexes completed transactions by item name so that exact
// and fragment lookups resolve without scanning the whole history. The
// index is one built Segment plus a short append-only tail of transactions
// observed since that build.
package history

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
)

type state struct {
	segment *Segment
	tail    []catalog.HistoryEntry
	tailIDs map[string]struct{}
	version uint64
	builtAt time.Time
}

type Index struct {
	current   atomic.Pointer[state]
	mu        sync.Mutex
	tailLimit int
	logger    *slog.Logger
}

// NewIndex returns an empty index. tailLimit is the tail length past which
// NeedsCompaction reports true.
func NewIndex(tailLimit int) *Index {
	if tailLimit <= 0 {
		tailLimit = 512
	}
	idx := &Index{
		tailLimit: tailLimit,
		logger:    slog.Default().With("component", "history-index"),
	}
	idx.current.Store(&state{
		segment: NewSegment(nil),
		tailIDs: map[string]struct{}{},
		builtAt: time.Now(),
	})
	return idx
}

// Rebuild indexes entries off to the side and swaps the result in. Tail
// entries absent from entries are carried over, so an Append racing the
// rebuild is not lost.
func (x *Index) Rebuild(entries []catalog.HistoryEntry) {
	start := time.Now()
	seg := NewSegment(entries)

	x.mu.Lock()
	defer x.mu.Unlock()
	old := x.current.Load()
	next := &state{
		segment: seg,
		tailIDs: make(map[string]struct{}),
		version: old.version + 1,
		builtAt: time.Now(),
	}
	for _, e := range old.tail {
		if !seg.contains(e.TransactionID) {
			next.tail = append(next.tail, e)
			next.tailIDs[e.TransactionID] = struct{}{}
		}
	}
	x.current.Store(next)
	x.logger.Debug("history index rebuilt",
		"version", next.version,
		"transactions", seg.Len(),
		"names", seg.Names(),
		"carried_tail", len(next.tail),
		"duration", time.Since(start),
	)
}

// Append adds e to the tail unless its transaction is already indexed.
// It reports whether e was added.
func (x *Index) Append(e catalog.HistoryEntry) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.current.Load()
	if cur.segment.contains(e.TransactionID) {
		return false
	}
	if _, ok := cur.tailIDs[e.TransactionID]; ok {
		return false
	}
	next := &state{
		segment: cur.segment,
		tail:    make([]catalog.HistoryEntry, len(cur.tail), len(cur.tail)+1),
		tailIDs: make(map[string]struct{}, len(cur.tailIDs)+1),
		version: cur.version,
		builtAt: cur.builtAt,
	}
	copy(next.tail, cur.tail)
	next.tail = append(next.tail, e)
	for id := range cur.tailIDs {
		next.tailIDs[id] = struct{}{}
	}
	next.tailIDs[e.TransactionID] = struct{}{}
	x.current.Store(next)
	return true
}

// FindByName returns every transaction for exactly name, ordered by
// timestamp then transaction ID.
func (x *Index) FindByName(name catalog.Name) []catalog.HistoryEntry {
	st := x.current.Load()
	out := st.segment.FindByName(name)
	for _, e := range st.tail {
		if e.ItemName == name {
			out = append(out, e)
		}
	}
	return merge(out, len(st.tail) > 0)
}

// FindBySubstring returns every transaction whose item name contains
// fragment, ordered by timestamp then transaction ID.
func (x *Index) FindBySubstring(fragment string) []catalog.HistoryEntry {
	if fragment == "" {
		return nil
	}
	st := x.current.Load()
	out := st.segment.FindBySubstring(fragment)
	for _, e := range st.tail {
		if strings.Contains(string(e.ItemName), fragment) {
			out = append(out, e)
		}
	}
	return merge(out, len(st.tail) > 0)
}

func merge(out []catalog.HistoryEntry, hadTail bool) []catalog.HistoryEntry {
	if hadTail {
		sortEntries(out)
	}
	return out
}

// NeedsCompaction reports whether the tail outgrew its limit.
func (x *Index) NeedsCompaction() bool {
	return len(x.current.Load().tail) > x.tailLimit
}

func (x *Index) Version() uint64 {
	return x.current.Load().version
}

type Stats struct {
	Version      uint64    `json:"version"`
	BuiltAt      time.Time `json:"built_at"`
	Transactions int       `json:"transactions"`
	Names        int       `json:"names"`
	Tail         int       `json:"tail"`
}

func (x *Index) Stats() Stats {
	st := x.current.Load()
	return Stats{
		Version:      st.version,
		BuiltAt:      st.builtAt,
		Transactions: st.segment.Len() + len(st.tail),
		Names:        st.segment.Names(),
		Tail:         len(st.tail),
	}
}
