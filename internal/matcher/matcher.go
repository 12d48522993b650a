// Package matcher answers "did-you-mean" queries: every catalog name within
// an edit-distance tolerance of a query, nearest first.
package matcher

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/snapshot"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
)

type built struct {
	tree            *Tree
	snapshotVersion uint64
	builtAt         time.Time
	buildTime       time.Duration
}

// Matcher holds the current Tree and swaps in rebuilt ones atomically.
type Matcher struct {
	current atomic.Pointer[built]
	logger  *slog.Logger
}

func New() *Matcher {
	m := &Matcher{logger: slog.Default().With("component", "fuzzy-matcher")}
	m.current.Store(&built{tree: &Tree{}, builtAt: time.Now()})
	return m
}

// Result is a query answer tagged with the snapshot it was computed from.
type Result struct {
	SnapshotVersion uint64  `json:"snapshot_version"`
	Matches         []Match `json:"matches"`
}

// Query runs against the last fully built tree.
func (m *Matcher) Query(text string, tolerance int) (Result, error) {
	if tolerance < 0 {
		return Result{}, apperrors.Invalid("tolerance must not be negative, got %d", tolerance)
	}
	b := m.current.Load()
	return Result{
		SnapshotVersion: b.snapshotVersion,
		Matches:         b.tree.Search(text, tolerance),
	}, nil
}

// Rebuild builds a tree from s off to the side and swaps it in. Snapshots
// older than the current tree are ignored.
func (m *Matcher) Rebuild(s *snapshot.Snapshot) bool {
	if s.Version < m.current.Load().snapshotVersion {
		return false
	}
	start := time.Now()
	tree := Build(s.Names)
	next := &built{
		tree:            tree,
		snapshotVersion: s.Version,
		builtAt:         time.Now(),
		buildTime:       time.Since(start),
	}
	for {
		cur := m.current.Load()
		if s.Version < cur.snapshotVersion {
			return false
		}
		if m.current.CompareAndSwap(cur, next) {
			break
		}
	}
	m.logger.Debug("match tree rebuilt", "snapshot", s.Version, "names", tree.Len(), "duration", next.buildTime)
	return true
}

func (m *Matcher) Version() uint64 {
	return m.current.Load().snapshotVersion
}

type Stats struct {
	SnapshotVersion uint64        `json:"snapshot_version"`
	BuiltAt         time.Time     `json:"built_at"`
	Names           int           `json:"names"`
	BuildTime       time.Duration `json:"build_time_ns"`
}

func (m *Matcher) Stats() Stats {
	b := m.current.Load()
	return Stats{
		SnapshotVersion: b.snapshotVersion,
		BuiltAt:         b.builtAt,
		Names:           b.tree.Len(),
		BuildTime:       b.buildTime,
	}
}
