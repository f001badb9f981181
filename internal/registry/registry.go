// Package registry is the AccountRegistry (spec §4.C): the persistent
// per-account usage, cooldown, ban, and success/error counters every other
// component consults before binding work to an account. It also hands out a
// per-account token-bucket limiter so a worker can pace its own calls
// without round-tripping through the store on every request.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"

	"spectra/internal/gateway"
	"spectra/internal/infra/clock"
	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/store"
)

// DefaultRPS is the default per-account request rate used when the fleet
// config does not override it.
const DefaultRPS = 1.0

// floodWaitSchedulerCooldown is the cooldown MarkSchedulerFailure applies to
// flood-wait errors (spec §4.G uses 1h for scheduler-observed flood waits);
// channelsTooMuchCooldown is the cooldown MarkFailureFromError applies to
// ChannelsTooMuch (§7 uses 24h).
const (
	floodWaitSchedulerCooldown = time.Hour
	channelsTooMuchCooldown    = 24 * time.Hour
)

// Registry wraps the store's account table with an in-memory rate limiter
// per account. Safe for concurrent use.
type Registry struct {
	st    *store.Store
	clock clock.Clock
	rps   float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Registry backed by st. rps configures the default per-account
// request rate; pass <= 0 to use DefaultRPS.
func New(st *store.Store, rps float64) *Registry {
	if rps <= 0 {
		rps = DefaultRPS
	}
	return &Registry{
		st:       st,
		clock:    clock.Default,
		rps:      rps,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithClock overrides the clock seam, for tests.
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.clock = c
	return r
}

// Register upserts an account's static credentials, making it known to the
// registry (and eligible for rotation) without affecting its health.
func (r *Registry) Register(ctx context.Context, a model.Account) error {
	return r.st.UpsertAccount(ctx, a)
}

// List returns every known account in session-handle order.
func (r *Registry) List(ctx context.Context) ([]model.Account, error) {
	return r.st.ListAccounts(ctx)
}

// UpdateHealth persists a full health snapshot for sessionHandle, bypassing
// the Mark*/success/failure bookkeeping. Used by the rotator to bump
// usageCount/lastUsedAt on selection (spec §4.D), which is a distinct event
// from MarkSuccess's successCount bump.
func (r *Registry) UpdateHealth(ctx context.Context, sessionHandle string, h model.AccountHealth) error {
	return r.st.UpdateAccountHealth(ctx, sessionHandle, h)
}

// Limiter returns the per-account token-bucket limiter, creating it
// lazily on first use.
func (r *Registry) Limiter(sessionHandle string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[sessionHandle]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), 1)
		r.limiters[sessionHandle] = l
	}
	return l
}

// Wait blocks until sessionHandle's limiter admits one request or ctx is
// cancelled.
func (r *Registry) Wait(ctx context.Context, sessionHandle string) error {
	return r.Limiter(sessionHandle).Wait(ctx)
}

// MarkSuccess increments successCount and records the usage timestamp.
func (r *Registry) MarkSuccess(ctx context.Context, sessionHandle string) error {
	acc, ok, err := r.st.GetAccount(ctx, sessionHandle)
	if err != nil {
		return errors.Wrap(err, "mark success")
	}
	if !ok {
		return errors.Errorf("registry: unknown account %q", sessionHandle)
	}

	h := acc.Health
	h.SuccessCount++
	h.LastUsedAt = r.clock.Now()
	h.LastError = ""

	if err := r.st.UpdateAccountHealth(ctx, sessionHandle, h); err != nil {
		return errors.Wrap(err, "mark success")
	}
	return nil
}

// MarkFailure records lastError, and applies cooldown if cooldown > 0. If
// cause denotes account-fatal deactivation/auth-key-invalidity, the account
// is banned regardless of cooldown.
func (r *Registry) MarkFailure(ctx context.Context, sessionHandle string, cause error, cooldown time.Duration) error {
	acc, ok, err := r.st.GetAccount(ctx, sessionHandle)
	if err != nil {
		return errors.Wrap(err, "mark failure")
	}
	if !ok {
		return errors.Errorf("registry: unknown account %q", sessionHandle)
	}

	h := acc.Health
	if cause != nil {
		h.LastError = cause.Error()
	}
	if cooldown > 0 {
		h.CooldownUntil = r.clock.Now().Add(cooldown)
	}
	if gateway.IsAccountFatal(cause) {
		h.IsBanned = true
	}
	if _, ok := asFloodWait(cause); ok {
		h.FloodWaitCount++
	}

	if err := r.st.UpdateAccountHealth(ctx, sessionHandle, h); err != nil {
		return errors.Wrap(err, "mark failure")
	}
	logger.Warnf("registry: account %s marked failure (cooldown=%s banned=%v): %v",
		sessionHandle, cooldown, h.IsBanned, cause)
	return nil
}

// MarkFailureFromError inspects cause and applies the cooldown spec §7
// prescribes per error kind: flood-wait's own Wait() duration for flood
// waits, 24h for ChannelsTooMuch, none otherwise (caller decides).
func (r *Registry) MarkFailureFromError(ctx context.Context, sessionHandle string, cause error) error {
	var cooldown time.Duration
	switch {
	case isChannelsTooMuch(cause):
		cooldown = channelsTooMuchCooldown
	default:
		if fw, ok := asFloodWait(cause); ok {
			cooldown = fw.Wait()
		}
	}
	return r.MarkFailure(ctx, sessionHandle, cause, cooldown)
}

// MarkSchedulerFailure applies the scheduler's own cooldown policy (spec
// §4.G): 1h cooldown for flood-wait-class errors, otherwise delegates to the
// error-kind-derived cooldown.
func (r *Registry) MarkSchedulerFailure(ctx context.Context, sessionHandle string, cause error) error {
	if _, ok := asFloodWait(cause); ok {
		return r.MarkFailure(ctx, sessionHandle, cause, floodWaitSchedulerCooldown)
	}
	return r.MarkFailureFromError(ctx, sessionHandle, cause)
}

func asFloodWait(err error) (*gateway.FloodWaitError, bool) {
	var fw *gateway.FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}

func isChannelsTooMuch(err error) bool {
	var ctm *gateway.ChannelsTooMuchError
	return errors.As(err, &ctm)
}
