// Package rotator is the AccountRotator (spec §4.D): selection policies over
// the accounts the registry tracks, with ties broken lexicographically by
// SessionHandle so that selection is deterministic for a given health
// snapshot.
package rotator

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/gateway"
	"spectra/internal/infra/clock"
	"spectra/internal/model"
	"spectra/internal/registry"
)

// Mode selects the rotation policy spec §4.D and §6.C enumerate.
type Mode string

const (
	Sequential Mode = "sequential"
	Random     Mode = "random"
	LeastUsed  Mode = "leastUsed"
	Smart      Mode = "smart"
)

// smartRecencyWeight and smartUsageWeight are the coefficients spec §4.D
// fixes for the "smart" score: 0.7*hoursSinceLastUse + 0.3*1/(usageCount+1).
const (
	smartRecencyWeight = 0.7
	smartUsageWeight   = 0.3
)

// Rotator selects the next account to bind a task to, according to Mode. It
// persists usage updates through the registry on every successful Next.
type Rotator struct {
	reg   *registry.Registry
	mode  Mode
	clock clock.Clock

	mu       sync.Mutex
	seqIndex int
}

// New creates a Rotator over reg using the given mode.
func New(reg *registry.Registry, mode Mode) *Rotator {
	if mode == "" {
		mode = Smart
	}
	return &Rotator{reg: reg, mode: mode, clock: clock.Default}
}

// WithClock overrides the clock seam, for tests.
func (r *Rotator) WithClock(c clock.Clock) *Rotator {
	r.clock = c
	return r
}

// Next selects one eligible account per the configured Mode, marks it used
// (usageCount++, lastUsedAt=now, persisted), and returns it. Returns
// *gateway.NoAccountAvailableError if no account is eligible.
func (r *Rotator) Next(ctx context.Context) (model.Account, error) {
	accounts, err := r.reg.List(ctx)
	if err != nil {
		return model.Account{}, errors.Wrap(err, "rotator: list accounts")
	}

	now := r.clock.Now()
	eligible := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Eligible(now) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return model.Account{}, &gateway.NoAccountAvailableError{}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].SessionHandle < eligible[j].SessionHandle
	})

	var chosen model.Account
	switch r.mode {
	case Sequential:
		chosen = r.pickSequential(eligible)
	case Random:
		chosen = eligible[rand.IntN(len(eligible))]
	case LeastUsed:
		chosen = pickLeastUsed(eligible)
	case Smart:
		chosen = pickSmart(eligible, now)
	default:
		chosen = pickSmart(eligible, now)
	}

	if err := r.bumpUsage(ctx, chosen); err != nil {
		return model.Account{}, err
	}
	return chosen, nil
}

// PickFrom applies this Rotator's Mode to an already-filtered candidate set
// with no persistence side effects, for callers (the scheduler) that
// maintain their own availability bookkeeping on top of plain eligibility.
// Returns *gateway.NoAccountAvailableError if candidates is empty.
func (r *Rotator) PickFrom(candidates []model.Account) (model.Account, error) {
	if len(candidates) == 0 {
		return model.Account{}, &gateway.NoAccountAvailableError{}
	}

	sorted := make([]model.Account, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SessionHandle < sorted[j].SessionHandle
	})

	switch r.mode {
	case Sequential:
		return r.pickSequential(sorted), nil
	case Random:
		return sorted[rand.IntN(len(sorted))], nil
	case LeastUsed:
		return pickLeastUsed(sorted), nil
	default:
		return pickSmart(sorted, r.clock.Now()), nil
	}
}

// bumpUsage increments usageCount and sets lastUsedAt, independent of
// MarkSuccess's successCount bump, since selection itself is the event
// spec §4.D ties usageCount to ("On selection: usageCount++...").
func (r *Rotator) bumpUsage(ctx context.Context, a model.Account) error {
	h := a.Health
	h.UsageCount++
	h.LastUsedAt = r.clock.Now()
	return errors.Wrap(r.reg.UpdateHealth(ctx, a.SessionHandle, h), "rotator: bump usage")
}

// pickSequential cycles through eligible in lexicographic SessionHandle
// order, advancing an internal cursor each call.
func (r *Rotator) pickSequential(eligible []model.Account) model.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.seqIndex % len(eligible)
	r.seqIndex++
	return eligible[idx]
}

func pickLeastUsed(eligible []model.Account) model.Account {
	best := eligible[0]
	for _, a := range eligible[1:] {
		if a.Health.UsageCount < best.Health.UsageCount {
			best = a
		}
	}
	return best
}

func pickSmart(eligible []model.Account, now time.Time) model.Account {
	var best model.Account
	bestScore := -1.0
	for _, a := range eligible {
		score := smartScore(a, now)
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	return best
}

func smartScore(a model.Account, now time.Time) float64 {
	hoursSinceLastUse := 0.0
	if !a.Health.LastUsedAt.IsZero() {
		hoursSinceLastUse = now.Sub(a.Health.LastUsedAt).Hours()
		if hoursSinceLastUse < 0 {
			hoursSinceLastUse = 0
		}
	} else {
		// never used: treat as maximally stale so new accounts are favoured.
		hoursSinceLastUse = 1e6
	}
	usageTerm := 1.0 / float64(a.Health.UsageCount+1)
	return smartRecencyWeight*hoursSinceLastUse + smartUsageWeight*usageTerm
}
