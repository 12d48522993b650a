// Package oracle answers "has this name possibly been seen?" with one-sided
// error. A built filter version is derived from one catalog snapshot plus
// the names recorded since that snapshot was taken.
package oracle

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/snapshot"
)

type Presence int

const (
	DefinitelyAbsent Presence = iota
	PossiblyPresent
)

func (p Presence) String() string {
	if p == PossiblyPresent {
		return "possibly_present"
	}
	return "definitely_absent"
}

type Config struct {
	ExpectedItems     int
	FalsePositiveRate float64
	// PendingLogLimit is the number of post-snapshot names after which
	// NeedsRebuild reports true. The log itself is never truncated early.
	PendingLogLimit int
}

type version struct {
	filter          *Filter
	snapshotVersion uint64
	takenAt         time.Time
	builtAt         time.Time
}

type Oracle struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[version]

	// mu orders Record against the replay-then-swap step of Rebuild.
	mu      sync.Mutex
	pending map[catalog.Name]time.Time
}

func New(cfg Config) *Oracle {
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = 10000
	}
	if cfg.PendingLogLimit <= 0 {
		cfg.PendingLogLimit = 1024
	}
	o := &Oracle{
		cfg:     cfg,
		logger:  slog.Default().With("component", "existence-oracle"),
		now:     time.Now,
		pending: make(map[catalog.Name]time.Time),
	}
	o.current.Store(&version{
		filter:  NewFilter(cfg.ExpectedItems, cfg.FalsePositiveRate),
		builtAt: o.now(),
	})
	return o
}

// ProbablyExists never returns DefinitelyAbsent for a name built into or
// recorded into the current version.
func (o *Oracle) ProbablyExists(name catalog.Name) Presence {
	if o.current.Load().filter.Test(string(name)) {
		return PossiblyPresent
	}
	return DefinitelyAbsent
}

// Record adds name to the current version and to the post-snapshot log so
// the next rebuild carries it over. Recording a name twice is the same as
// recording it once.
func (o *Oracle) Record(name catalog.Name) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.Load().filter.Add(string(name))
	o.pending[name] = o.now()
}

// Rebuild builds a new version from s, replays recorded names the snapshot
// may have missed, and swaps it in. Snapshots older than the current
// version are ignored. It reports whether a swap happened.
func (o *Oracle) Rebuild(s *snapshot.Snapshot) bool {
	if cur := o.current.Load(); s.Version < cur.snapshotVersion {
		o.logger.Debug("ignoring older snapshot", "snapshot", s.Version, "current", cur.snapshotVersion)
		return false
	}

	n := o.cfg.ExpectedItems
	if 2*len(s.Names) > n {
		n = 2 * len(s.Names)
	}
	f := NewFilter(n, o.cfg.FalsePositiveRate)
	for _, name := range s.Names {
		f.Add(string(name))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.Version < o.current.Load().snapshotVersion {
		return false
	}
	replayed := 0
	for name, at := range o.pending {
		if at.Before(s.TakenAt) {
			delete(o.pending, name)
			continue
		}
		f.Add(string(name))
		replayed++
	}
	o.current.Store(&version{
		filter:          f,
		snapshotVersion: s.Version,
		takenAt:         s.TakenAt,
		builtAt:         o.now(),
	})
	o.logger.Debug("filter rebuilt",
		"snapshot", s.Version,
		"names", len(s.Names),
		"replayed", replayed,
		"bits", f.Bits(),
		"hashes", f.Hashes(),
	)
	return true
}

// Version is the snapshot version the current filter was built from.
func (o *Oracle) Version() uint64 {
	return o.current.Load().snapshotVersion
}

// NeedsRebuild reports whether the post-snapshot log outgrew its limit.
func (o *Oracle) NeedsRebuild() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) > o.cfg.PendingLogLimit
}

type Stats struct {
	SnapshotVersion uint64    `json:"snapshot_version"`
	BuiltAt         time.Time `json:"built_at"`
	Bits            uint64    `json:"bits"`
	Hashes          uint32    `json:"hashes"`
	Items           uint64    `json:"items"`
	PendingLog      int       `json:"pending_log"`
	EstimatedFPRate float64   `json:"estimated_false_positive_rate"`
}

func (o *Oracle) Stats() Stats {
	v := o.current.Load()
	o.mu.Lock()
	pending := len(o.pending)
	o.mu.Unlock()
	return Stats{
		SnapshotVersion: v.snapshotVersion,
		BuiltAt:         v.builtAt,
		Bits:            v.filter.Bits(),
		Hashes:          v.filter.Hashes(),
		Items:           v.filter.Added(),
		PendingLog:      pending,
		EstimatedFPRate: v.filter.EstimatedFalsePositiveRate(),
	}
}
