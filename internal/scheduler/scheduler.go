// Package scheduler is the TaskScheduler (spec §4.G): runs a set of targets
// through a task function across the eligible account fleet, bounding both
// global concurrency and per-account concurrency to at most one in-flight
// task each.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/kr/pretty"
	"golang.org/x/sync/semaphore"

	"spectra/internal/archive"
	"spectra/internal/discovery"
	"spectra/internal/gateway"
	"spectra/internal/groupmgr"
	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/registry"
	"spectra/internal/rotator"
	"spectra/internal/store"
)

// TaskFn is one unit of work a Scheduler dispatches to an account's gateway.
type TaskFn func(ctx context.Context, gw gateway.TelegramGateway, target string) (any, error)

// Result is one target's outcome from ExecuteParallel.
type Result struct {
	Value any
	Err   error
}

// Scheduler binds an account pool to task execution, recording each
// dispatched unit of work as a ParallelTask row (spec §4.G).
type Scheduler struct {
	st  *store.Store
	reg *registry.Registry
	rot *rotator.Rotator
	gm  *groupmgr.Manager
}

// New builds a Scheduler.
func New(st *store.Store, reg *registry.Registry, rot *rotator.Rotator, gm *groupmgr.Manager) *Scheduler {
	return &Scheduler{st: st, reg: reg, rot: rot, gm: gm}
}

// ExecuteParallel runs taskFn over every target, spreading work across
// eligible accounts. maxConcurrent bounds the total number of in-flight
// tasks globally; it is additionally bounded by len(eligible) since each
// account may run at most one task at a time (spec §8 testable property 3).
// maxConcurrent <= 0 means "use the eligible account count".
func (s *Scheduler) ExecuteParallel(ctx context.Context, kind string, targets []string, taskFn TaskFn, maxConcurrent int) (map[string]Result, error) {
	accounts, err := s.reg.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "scheduler: list accounts")
	}

	now := time.Now()
	eligible := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Eligible(now) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil, &gateway.NoAccountAvailableError{}
	}

	if maxConcurrent <= 0 || maxConcurrent > len(eligible) {
		maxConcurrent = len(eligible)
	}

	// slots bounds how many accounts may be checked out at once (exactly
	// one per eligible account). availHandles is the set of session handles
	// currently free to check out; eligibility itself is re-verified
	// against the registry on every acquire rather than snapshotted once,
	// so an account that earns a cooldown mid-run (e.g. a scheduler-marked
	// flood-wait) drops out of selection the moment it is next considered,
	// never only at the start of the call (spec §3: "cooldownUntil > now
	// => rotator must not select it"). The Rotator's configured Mode
	// decides which of the currently-eligible free accounts an acquire
	// picks (spec §4.D) rather than plain FIFO order.
	slots := make(chan struct{}, len(eligible))
	for range eligible {
		slots <- struct{}{}
	}
	var availMu sync.Mutex
	availHandles := make(map[string]bool, len(eligible))
	for _, a := range eligible {
		availHandles[a.SessionHandle] = true
	}

	const accountWaitBackoff = 50 * time.Millisecond

	acquire := func(ctx context.Context) (model.Account, error) {
		for {
			select {
			case <-slots:
			case <-ctx.Done():
				return model.Account{}, ctx.Err()
			}

			fresh, err := s.reg.List(ctx)
			if err != nil {
				slots <- struct{}{}
				return model.Account{}, errors.Wrap(err, "scheduler: list accounts")
			}

			now := time.Now()
			availMu.Lock()
			var candidates []model.Account
			for _, a := range fresh {
				if availHandles[a.SessionHandle] && a.Eligible(now) {
					candidates = append(candidates, a)
				}
			}
			chosen, pickErr := s.rot.PickFrom(candidates)
			if pickErr == nil {
				delete(availHandles, chosen.SessionHandle)
			}
			availMu.Unlock()

			if pickErr == nil {
				return chosen, nil
			}

			// Every currently-free account is cooling down or banned; return
			// the slot and back off briefly before retrying (spec §4.G:
			// "if nothing is in-flight but targets remain, sleep briefly and
			// continue").
			slots <- struct{}{}
			select {
			case <-time.After(accountWaitBackoff):
			case <-ctx.Done():
				return model.Account{}, ctx.Err()
			}
		}
	}
	release := func(sessionHandle string) {
		availMu.Lock()
		availHandles[sessionHandle] = true
		availMu.Unlock()
		slots <- struct{}{}
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make(map[string]Result, len(targets))
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, target := range targets {
			target := target
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				results[target] = Result{Err: err}
				mu.Unlock()
				continue
			}

			account, err := acquire(ctx)
			if err != nil {
				sem.Release(1)
				mu.Lock()
				results[target] = Result{Err: err}
				mu.Unlock()
				continue
			}

			go func() {
				defer sem.Release(1)
				defer release(account.SessionHandle)

				value, taskErr := s.runOne(ctx, kind, target, account, taskFn)
				mu.Lock()
				results[target] = Result{Value: value, Err: taskErr}
				mu.Unlock()
			}()
		}
		// Drain the semaphore to its full weight, which blocks until every
		// dispatched goroutine above has released — i.e. until all tasks for
		// this call have completed.
		_ = sem.Acquire(context.Background(), int64(maxConcurrent))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return results, ctx.Err()
	}

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	logger.Debugf("scheduler: %s complete: %s", kind, pretty.Sprint(struct {
		Succeeded, Total int
	}{succeeded, len(targets)}))

	return results, nil
}

// runOne records a ParallelTask start row, resolves target's account's
// gateway, runs taskFn, and records completion.
func (s *Scheduler) runOne(ctx context.Context, kind, target string, account model.Account, taskFn TaskFn) (any, error) {
	taskID := uuid.NewString()
	started := time.Now().UTC()

	if err := s.st.StartParallelTask(ctx, model.ParallelTask{
		TaskID:        taskID,
		Kind:          kind,
		Target:        target,
		SessionHandle: account.SessionHandle,
		StartedAt:     started,
	}); err != nil {
		logger.Warnf("scheduler: record task start: %v", err)
	}

	gw, err := s.gm.GatewayForAccount(ctx, account)
	if err != nil {
		s.finishTask(ctx, taskID, account, nil, err)
		return nil, err
	}

	value, taskErr := taskFn(ctx, gw, target)
	s.finishTask(ctx, taskID, account, value, taskErr)
	return value, taskErr
}

func (s *Scheduler) finishTask(ctx context.Context, taskID string, account model.Account, value any, taskErr error) {
	now := time.Now().UTC()
	success := taskErr == nil

	resultJSON := ""
	if value != nil {
		if b, err := json.Marshal(value); err == nil {
			resultJSON = string(b)
		}
	}
	errText := ""
	if taskErr != nil {
		errText = taskErr.Error()
	}

	if err := s.st.CompleteParallelTask(ctx, model.ParallelTask{
		TaskID:      taskID,
		CompletedAt: &now,
		Success:     &success,
		Error:       errText,
		ResultJSON:  resultJSON,
	}); err != nil {
		logger.Warnf("scheduler: record task completion: %v", err)
	}

	if success {
		_ = s.reg.MarkSuccess(ctx, account.SessionHandle)
	} else {
		_ = s.reg.MarkSchedulerFailure(ctx, account.SessionHandle, taskErr)
	}
}

// ParallelJoin joins every link in links across the eligible fleet.
func (s *Scheduler) ParallelJoin(ctx context.Context, links []string, maxConcurrent int) (map[string]Result, error) {
	task := func(ctx context.Context, gw gateway.TelegramGateway, target string) (any, error) {
		return s.gm.JoinGroup(ctx, target, groupmgr.PerOperation)
	}
	return s.ExecuteParallel(ctx, "join", links, task, maxConcurrent)
}

// ParallelArchive archives every entity link in entities across the
// eligible fleet, resuming from each one's existing checkpoint if present.
func (s *Scheduler) ParallelArchive(ctx context.Context, entities []string, pipeline *archive.Pipeline, maxConcurrent int) (map[string]Result, error) {
	task := func(ctx context.Context, gw gateway.TelegramGateway, target string) (any, error) {
		entity, err := gw.GetEntity(ctx, target)
		if err != nil {
			return nil, err
		}
		n, err := pipeline.Archive(ctx, gw, entity, target)
		return n, err
	}
	return s.ExecuteParallel(ctx, "archive", entities, task, maxConcurrent)
}

// ParallelDiscover runs a discovery crawl from each seed, one depth layer at
// a time across the WHOLE seed set: every seed's depth-d crawl must
// complete before any seed's depth-(d+1) crawl starts (spec §5: "depth
// layers processed strictly in order"), even though seeds within a layer run
// concurrently across the fleet.
func (s *Scheduler) ParallelDiscover(ctx context.Context, crawler *discovery.Crawler, seeds []string, depth, msgLimit, maxConcurrent int) (map[string][]string, error) {
	found := make(map[string][]string, len(seeds))
	frontier := make([]string, len(seeds))
	copy(frontier, seeds)
	visited := make(map[string]bool, len(seeds))
	for _, sd := range seeds {
		visited[sd] = true
	}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		layer := frontier
		frontier = nil

		task := func(ctx context.Context, gw gateway.TelegramGateway, target string) (any, error) {
			return crawler.DiscoverFromSeed(ctx, target, 1, msgLimit)
		}
		results, err := s.ExecuteParallel(ctx, "discover", layer, task, maxConcurrent)
		if err != nil {
			return found, err
		}

		for src, r := range results {
			if r.Err != nil {
				logger.Warnf("scheduler: discover %s at depth %d: %v", src, d, r.Err)
				continue
			}
			links, _ := r.Value.([]string)
			found[src] = append(found[src], links...)
			for _, link := range links {
				if !visited[link] {
					visited[link] = true
					frontier = append(frontier, link)
				}
			}
		}
	}
	return found, nil
}
