package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/oracle"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/tracing"
)

const lockPollInterval = 25 * time.Millisecond

// CheckAndAdmit decides whether req names a new catalog entry and, if so,
// inserts it. Admissions of the same name are serialised, and the store's
// uniqueness check is the final arbiter. When a collaborator fails the
// request fails with ErrCollaboratorUnavailable rather than guessing.
func (e *Engine) CheckAndAdmit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "check-and-admit")
	defer span.End()

	res, err := e.admit(ctx, req)
	e.observeAdmission(res, err, start)
	span.SetAttr("decision", res.Decision)
	return res, err
}

func (e *Engine) admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	entry, err := catalog.ValidateEntry(catalog.Entry{
		Name:     catalog.Name(req.Name),
		SellerID: req.SellerID,
		Category: req.Category,
		Price:    req.Price,
		Quantity: req.Quantity,
	}, e.cfg.MaxNameLength)
	if err != nil {
		return AdmitResult{}, err
	}
	name := entry.Name
	log := logger.FromContext(ctx).With("component", "engine", "name", name)

	if err := e.keys.Lock(ctx, string(name)); err != nil {
		return AdmitResult{}, apperrors.Unavailable("admission lock", err)
	}
	defer e.keys.Unlock(string(name))
	if e.locker != nil {
		release, err := e.lockDistributed(ctx, name)
		if err != nil {
			return AdmitResult{}, err
		}
		defer release()
	}

	if err := e.refreshCatalog(ctx); err != nil {
		// The store decides admission; older structures only cost an extra
		// confirmation round trip.
		log.Warn("admitting against previous structures", "error", err)
	}

	res := AdmitResult{Name: name, SnapshotVersion: e.matcher.Version()}
	similar := e.similarTo(name)

	if e.oracle.ProbablyExists(name) == oracle.PossiblyPresent {
		exists, err := e.exists(ctx, name)
		if err != nil {
			return AdmitResult{}, err
		}
		if exists {
			return rejected(res, ReasonDuplicate), nil
		}
		if e.metrics != nil {
			e.metrics.OracleFalsePositives.Inc()
		}
		log.Debug("oracle false positive")
	}

	if e.cfg.RejectNearDuplicates && len(similar) > 0 {
		live, err := e.liveMatches(ctx, similar)
		if err != nil {
			return AdmitResult{}, err
		}
		if len(live) > 0 {
			res.Similar = live
			return rejected(res, ReasonNearDuplicate), nil
		}
		similar = nil
	}
	res.Similar = similar

	created, err := e.insert(ctx, entry)
	if errors.Is(err, apperrors.ErrDuplicate) {
		// The structures said absent but the store disagrees: another
		// instance inserted it after our snapshot.
		if e.metrics != nil {
			e.metrics.StaleResultsRecovered.Inc()
		}
		e.oracle.Record(name)
		exists, cerr := e.exists(ctx, name)
		if cerr != nil {
			return AdmitResult{}, cerr
		}
		if exists {
			return rejected(res, ReasonDuplicate), nil
		}
		created, err = e.insert(ctx, entry)
		if errors.Is(err, apperrors.ErrDuplicate) {
			return rejected(res, ReasonDuplicate), nil
		}
	}
	if err != nil {
		return AdmitResult{}, err
	}

	e.oracle.Record(name)
	e.catalogDirty.Store(true)
	e.dropCache(ctx)
	e.publish(events.ChangeInserted, created)

	res.Decision = Accepted
	res.Entry = &created
	log.Info("catalog entry admitted", "id", created.ID)
	return res, nil
}

func rejected(res AdmitResult, reason RejectReason) AdmitResult {
	res.Decision = Rejected
	res.Reason = reason
	return res
}

// similarTo lists built names within the near-duplicate tolerance of name,
// excluding name itself.
func (e *Engine) similarTo(name catalog.Name) []matcher.Match {
	if e.cfg.NearDuplicateTolerance <= 0 {
		return nil
	}
	r, err := e.matcher.Query(string(name), e.cfg.NearDuplicateTolerance)
	if err != nil {
		return nil
	}
	var out []matcher.Match
	for _, m := range r.Matches {
		if m.Distance == 0 {
			continue
		}
		out = append(out, m)
		if len(out) == e.cfg.MaxResults {
			break
		}
	}
	return out
}

// liveMatches drops matches whose names no longer resolve in the store.
func (e *Engine) liveMatches(ctx context.Context, ms []matcher.Match) ([]matcher.Match, error) {
	names := make([]catalog.Name, len(ms))
	for i, m := range ms {
		names[i] = m.Name
	}
	live, err := e.lookup(ctx, names)
	if err != nil {
		return nil, err
	}
	out := ms[:0:0]
	for _, m := range ms {
		if _, ok := live[m.Name]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// lockDistributed takes the cross-instance admission lock for name,
// polling until it is free or ctx is done.
func (e *Engine) lockDistributed(ctx context.Context, name catalog.Name) (func(), error) {
	key := "admit-lock:" + string(name)
	token := newLockToken()
	for {
		ok, err := e.locker.TryLock(ctx, key, token, e.lockTTL)
		if err != nil {
			return nil, apperrors.Unavailable("distributed admission lock", err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				if err := e.locker.Unlock(ctx, key, token); err != nil {
					e.logger.Warn("releasing admission lock failed", "key", key, "error", err)
				}
			}, nil
		}
		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return nil, apperrors.Unavailable("distributed admission lock", ctx.Err())
		}
	}
}

func newLockToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (e *Engine) observeAdmission(res AdmitResult, err error, start time.Time) {
	e.observeLatency("admit", start)
	if e.metrics == nil {
		return
	}
	outcome := string(res.Decision)
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		outcome = "invalid"
	case err != nil:
		outcome = "unavailable"
	case res.Decision == Rejected:
		outcome = string(res.Reason)
	}
	e.metrics.AdmissionsTotal.WithLabelValues(outcome).Inc()
}
