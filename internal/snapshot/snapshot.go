// Package snapshot supplies immutable, versioned point-in-time views of the
// catalog's names. Derived structures are rebuilt from a Snapshot rather
// than persisted on their own.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/resilience"
)

// Snapshot is never mutated after a Provider returns it.
type Snapshot struct {
	Version uint64
	TakenAt time.Time
	Names   []catalog.Name
}

// Len returns the number of names in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Names)
}

// Age is the time elapsed since the snapshot was taken.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.TakenAt)
}

// Lister is the part of catalog.Store a Provider reads from.
type Lister interface {
	ListAllNames(ctx context.Context) ([]catalog.Name, error)
}

type Config struct {
	// StalenessBound is how old the cached snapshot may get before Current
	// reloads it. Zero reloads on every call.
	StalenessBound time.Duration
	Retry          resilience.RetryConfig
}

type Provider struct {
	source Lister
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[Snapshot]
	stale   atomic.Bool
	version atomic.Uint64
	// generation increments on every Invalidate so a load that started
	// before an invalidation cannot clear the stale flag it raised.
	generation atomic.Uint64
	group      singleflight.Group
	mu         sync.Mutex
}

func NewProvider(source Lister, cfg Config) *Provider {
	return &Provider{
		source: source,
		cfg:    cfg,
		logger: slog.Default().With("component", "snapshot-provider"),
		now:    time.Now,
	}
}

// Current returns the cached snapshot unless it is missing, invalidated or
// older than the staleness bound, in which case it loads a new one.
func (p *Provider) Current(ctx context.Context) (*Snapshot, error) {
	if s := p.current.Load(); s != nil && !p.stale.Load() && s.Age(p.now()) <= p.cfg.StalenessBound {
		return s, nil
	}
	return p.load(ctx, "current")
}

// Refresh always loads a snapshot that began after the call, so writes the
// caller completed beforehand are visible in it.
func (p *Provider) Refresh(ctx context.Context) (*Snapshot, error) {
	// Bumping the generation keys a fresh singleflight call, so a load that
	// was already in flight is not reused.
	gen := p.generation.Add(1)
	return p.loadKeyed(ctx, "refresh-"+strconv.FormatUint(gen, 10))
}

// Invalidate marks the cached snapshot stale without loading.
func (p *Provider) Invalidate() {
	p.generation.Add(1)
	p.stale.Store(true)
}

// Peek returns the cached snapshot, possibly stale or nil, without loading.
func (p *Provider) Peek() *Snapshot {
	return p.current.Load()
}

// IsStale reports whether the next Current call would reload.
func (p *Provider) IsStale() bool {
	s := p.current.Load()
	return s == nil || p.stale.Load() || s.Age(p.now()) > p.cfg.StalenessBound
}

func (p *Provider) load(ctx context.Context, kind string) (*Snapshot, error) {
	return p.loadKeyed(ctx, kind+"-"+strconv.FormatUint(p.generation.Load(), 10))
}

func (p *Provider) loadKeyed(ctx context.Context, key string) (*Snapshot, error) {
	ch := p.group.DoChan(key, func() (any, error) {
		return p.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, apperrors.Unavailable("catalog snapshot", ctx.Err())
	}
}

func (p *Provider) fetch(ctx context.Context) (*Snapshot, error) {
	gen := p.generation.Load()
	takenAt := p.now()
	var names []catalog.Name
	err := resilience.Retry(ctx, "list-catalog-names", p.cfg.Retry, func() error {
		var err error
		names, err = p.source.ListAllNames(ctx)
		return err
	})
	if err != nil {
		p.logger.Error("snapshot load failed, keeping previous", "error", err)
		return nil, apperrors.Unavailable("catalog snapshot", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.current.Load(); cur != nil && cur.TakenAt.After(takenAt) {
		// A load that started later already landed; it supersedes this one.
		return cur, nil
	}
	s := &Snapshot{
		Version: p.version.Add(1),
		TakenAt: takenAt,
		Names:   names,
	}
	p.current.Store(s)
	if p.generation.Load() == gen {
		p.stale.Store(false)
	}
	p.logger.Debug("snapshot loaded", "version", s.Version, "names", len(names))
	return s, nil
}

// String describes the snapshot for logs.
func (s *Snapshot) String() string {
	if s == nil {
		return "snapshot<nil>"
	}
	return fmt.Sprintf("snapshot v%d (%d names, taken %s)", s.Version, len(s.Names), s.TakenAt.Format(time.RFC3339Nano))
}
