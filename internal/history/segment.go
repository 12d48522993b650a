package history

import (
	"bytes"
	"index/suffixarray"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
)

const separator = 0x00

// Segment is an immutable, suffix-indexed view over a batch of transactions.
// Distinct item names are joined with a separator byte into one buffer;
// starts[i] is the offset of the i-th distinct name, so a match offset maps
// back to its name with a binary search.
type Segment struct {
	entries []catalog.HistoryEntry
	txIDs   map[string]struct{}

	data   []byte
	index  *suffixarray.Index
	starts []int
	// postings[i] lists indexes into entries whose item is the i-th name.
	postings [][]int
	byName   map[catalog.Name]int
}

// NewSegment indexes entries. Entries are copied and ordered by timestamp,
// then transaction ID; repeated transaction IDs keep the first occurrence.
func NewSegment(entries []catalog.HistoryEntry) *Segment {
	s := &Segment{
		txIDs:  make(map[string]struct{}, len(entries)),
		byName: make(map[catalog.Name]int),
	}
	for _, e := range entries {
		if _, dup := s.txIDs[e.TransactionID]; dup {
			continue
		}
		s.txIDs[e.TransactionID] = struct{}{}
		s.entries = append(s.entries, e)
	}
	sortEntries(s.entries)

	var buf bytes.Buffer
	for i, e := range s.entries {
		ni, ok := s.byName[e.ItemName]
		if !ok {
			ni = len(s.starts)
			s.byName[e.ItemName] = ni
			s.starts = append(s.starts, buf.Len())
			s.postings = append(s.postings, nil)
			buf.WriteString(string(e.ItemName))
			buf.WriteByte(separator)
		}
		s.postings[ni] = append(s.postings[ni], i)
	}
	s.data = buf.Bytes()
	s.index = suffixarray.New(s.data)
	return s
}

func sortEntries(entries []catalog.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.TransactionID < b.TransactionID
	})
}

// Len is the number of transactions in the segment.
func (s *Segment) Len() int { return len(s.entries) }

// Names is the number of distinct item names in the segment.
func (s *Segment) Names() int { return len(s.starts) }

func (s *Segment) contains(txID string) bool {
	_, ok := s.txIDs[txID]
	return ok
}

// FindByName returns every transaction for exactly name.
func (s *Segment) FindByName(name catalog.Name) []catalog.HistoryEntry {
	ni, ok := s.byName[name]
	if !ok {
		return nil
	}
	return s.collect(map[int]struct{}{ni: {}})
}

// FindBySubstring returns every transaction whose item name contains
// fragment. A transaction is returned once however often the fragment
// occurs in its name.
func (s *Segment) FindBySubstring(fragment string) []catalog.HistoryEntry {
	if fragment == "" || len(s.data) == 0 || bytes.IndexByte([]byte(fragment), separator) >= 0 {
		return nil
	}
	offsets := s.index.Lookup([]byte(fragment), -1)
	if len(offsets) == 0 {
		return nil
	}
	names := make(map[int]struct{})
	for _, off := range offsets {
		// Largest start <= off.
		ni := sort.SearchInts(s.starts, off+1) - 1
		names[ni] = struct{}{}
	}
	return s.collect(names)
}

func (s *Segment) collect(names map[int]struct{}) []catalog.HistoryEntry {
	var idx []int
	for ni := range names {
		idx = append(idx, s.postings[ni]...)
	}
	sort.Ints(idx)
	out := make([]catalog.HistoryEntry, len(idx))
	for i, ei := range idx {
		out[i] = s.entries[ei]
	}
	return out
}
