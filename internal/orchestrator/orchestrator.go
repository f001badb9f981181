// Package orchestrator is the long-lived supervisor (spec §4.L): periodic
// archive-fleet passes on a cron schedule, a slower-cadence NetworkAnalyzer
// refresh, and (in cloud mode) a throttled, jittered invitation queue.
package orchestrator

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	goerrors "github.com/go-faster/errors"
	cronlib "github.com/robfig/cron/v3"

	"spectra/internal/archive"
	"spectra/internal/forwarder"
	"spectra/internal/gateway"
	"spectra/internal/groupmgr"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/invite"
	"spectra/internal/model"
	"spectra/internal/network"
	"spectra/internal/registry"
	"spectra/internal/scheduler"
	"spectra/internal/store"
)

// asFloodWait extracts the wait duration from err if it wraps a
// gateway.FloodWaitError.
func asFloodWait(err error) (time.Duration, bool) {
	var fw *gateway.FloodWaitError
	if goerrors.As(err, &fw) {
		return fw.Wait(), true
	}
	return 0, false
}

// Orchestrator owns the cron loop and the invitation queue goroutine. Build
// one with New and call Start once at process startup; Stop drains both.
type Orchestrator struct {
	st       *store.Store
	reg      *registry.Registry
	gm       *groupmgr.Manager
	sched    *scheduler.Scheduler
	analyzer *network.Analyzer
	pipeline *archive.Pipeline
	fwd      *forwarder.Forwarder
	fwdDest  string
	invites  *invite.Store
	cfg      config.OrchestratorSpec
	cloud    config.CloudSpec

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	inviteDelayFloor time.Duration
}

// New builds an Orchestrator. fwd and fwdDest may be the zero value/empty
// string, in which case the archive pass never forwards (spec §6.C
// `forwarding.defaultForwardingDestinationId` unset).
func New(st *store.Store, reg *registry.Registry, gm *groupmgr.Manager, sched *scheduler.Scheduler,
	analyzer *network.Analyzer, pipeline *archive.Pipeline, fwd *forwarder.Forwarder, fwdDest string, invites *invite.Store,
	cfg config.OrchestratorSpec, cloud config.CloudSpec) *Orchestrator {
	return &Orchestrator{
		st: st, reg: reg, gm: gm, sched: sched, analyzer: analyzer,
		pipeline: pipeline, fwd: fwd, fwdDest: fwdDest, invites: invites, cfg: cfg, cloud: cloud,
	}
}

// Start registers the cron jobs and, when cloud auto-invite is enabled,
// launches the invitation queue loop. It runs until ctx is cancelled or Stop
// is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	o.cron = cronlib.New()
	if _, err := o.cron.AddFunc(o.cfg.ArchiveCron, func() { o.runArchivePass(ctx) }); err != nil {
		return err
	}
	if _, err := o.cron.AddFunc(o.cfg.NetworkRefreshCron, func() { o.runNetworkRefresh(ctx) }); err != nil {
		return err
	}
	o.cron.Start()
	logger.Infof("orchestrator: started (archive=%q, networkRefresh=%q)", o.cfg.ArchiveCron, o.cfg.NetworkRefreshCron)

	if o.cloud.AutoInviteAccounts {
		o.wg.Add(1)
		go o.runInvitationQueue(ctx)
	}
	return nil
}

// Stop cancels the running context, stops the cron scheduler and waits for
// the invitation queue goroutine (if any) to exit.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		stopCtx := o.cron.Stop()
		<-stopCtx.Done()
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	logger.Infof("orchestrator: stopped")
}

// runArchivePass resolves the archive target list — either the configured
// static channels or the top priority-scored discovered groups — and runs
// ParallelArchive over it (spec §4.L).
func (o *Orchestrator) runArchivePass(ctx context.Context) {
	targets := o.cfg.TargetChannels
	if len(targets) == 0 {
		groups, err := o.analyzer.TopPriorityTargets(ctx, o.cfg.MaxArchiveTargets, o.cfg.PriorityThreshold)
		if err != nil {
			logger.Warnf("orchestrator: list priority targets: %v", err)
			return
		}
		for _, g := range groups {
			targets = append(targets, g.Link)
		}
	}
	if len(targets) == 0 {
		logger.Debugf("orchestrator: archive pass skipped, no targets")
		return
	}

	results, err := o.sched.ParallelArchive(ctx, targets, o.pipeline, o.cfg.MaxConcurrentArchive)
	if err != nil {
		logger.Warnf("orchestrator: archive pass: %v", err)
		return
	}
	ok := 0
	for target, r := range results {
		if r.Err != nil {
			continue
		}
		ok++
		if o.fwd != nil && o.fwdDest != "" {
			o.forwardArchived(ctx, target)
		}
	}
	logger.Infof("orchestrator: archive pass complete: %d/%d channels ok", ok, len(targets))
}

// forwardArchived drives one channel's messages through the Forwarder to
// the configured default destination, once archiving that channel succeeds.
func (o *Orchestrator) forwardArchived(ctx context.Context, target string) {
	gw, err := o.gm.AnyGateway(ctx)
	if err != nil {
		logger.Warnf("orchestrator: forward %s: no gateway available: %v", target, err)
		return
	}
	origin, err := gw.GetEntity(ctx, target)
	if err != nil {
		logger.Warnf("orchestrator: forward %s: resolve origin: %v", target, err)
		return
	}
	dest, err := gw.GetEntity(ctx, o.fwdDest)
	if err != nil {
		logger.Warnf("orchestrator: forward %s: resolve destination: %v", target, err)
		return
	}
	counts, err := o.fwd.ForwardMessages(ctx, gw, origin, dest, 0)
	if err != nil {
		logger.Warnf("orchestrator: forward %s: %v", target, err)
		return
	}
	logger.Debugf("orchestrator: forwarded %s: %v", target, counts)
}

// runNetworkRefresh recomputes priorities over the current mention graph on
// its own, slower cadence (spec §4.L).
func (o *Orchestrator) runNetworkRefresh(ctx context.Context) {
	if err := o.analyzer.Recompute(ctx); err != nil {
		logger.Warnf("orchestrator: network refresh: %v", err)
		return
	}
	logger.Infof("orchestrator: network priorities refreshed")
}

// runInvitationQueue asks other accounts to join newly discovered channels,
// one at a time, with a jittered delay between attempts (spec §4.L:
// uniform(min_s, max_s) * uniform(1-v, 1+v)). A flood-wait response raises
// the floor of every subsequent delay for the remainder of this run.
func (o *Orchestrator) runInvitationQueue(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		groups, err := o.st.ListDiscoveredGroups(ctx, model.DiscoveredGroupNew)
		if err != nil {
			logger.Warnf("orchestrator: list new discovered groups: %v", err)
			o.sleepJittered(ctx)
			continue
		}
		if len(groups) == 0 {
			o.sleepJittered(ctx)
			continue
		}

		o.processInvitation(ctx, groups[0])
		o.sleepJittered(ctx)
	}
}

func (o *Orchestrator) processInvitation(ctx context.Context, g model.DiscoveredGroup) {
	accounts, err := o.reg.List(ctx)
	if err != nil {
		logger.Warnf("orchestrator: list accounts for invitation: %v", err)
		return
	}

	now := time.Now()
	for _, a := range accounts {
		if !a.Eligible(now) {
			continue
		}

		rec := model.InvitationRecord{ChannelID: 0, SessionHandle: a.SessionHandle, InvitedAt: now}
		entity, err := o.gm.JoinGroup(ctx, g.Link, groupmgr.PerOperation)
		rec.ChannelID = entity.ID
		rec.Succeeded = err == nil

		if err != nil {
			if fw, ok := asFloodWait(err); ok {
				o.raiseDelayFloor(fw)
			}
			logger.Warnf("orchestrator: invitation join %s via %s failed: %v", g.Link, a.SessionHandle, err)
		}
		if putErr := o.invites.Put(rec); putErr != nil {
			logger.Warnf("orchestrator: record invitation: %v", putErr)
		}

		g.Status = model.DiscoveredGroupJoined
		if err != nil {
			g.Status = model.DiscoveredGroupFailed
		}
		checked := time.Now().UTC()
		g.LastCheckedAt = &checked
		if upErr := o.st.UpsertDiscoveredGroup(ctx, g); upErr != nil {
			logger.Warnf("orchestrator: update discovered group status: %v", upErr)
		}
		return
	}
}

// sleepJittered waits uniform(min,max)*uniform(1-v,1+v), floored by any
// accumulated flood-wait penalty, or returns early on context cancellation.
func (o *Orchestrator) sleepJittered(ctx context.Context) {
	d := o.cloud.InvitationDelays
	base := d.MinSeconds + rand.Float64()*(d.MaxSeconds-d.MinSeconds)
	jitterFactor := (1 - d.Variance) + rand.Float64()*(2*d.Variance)
	delay := time.Duration(base*jitterFactor*float64(time.Second))

	o.mu.Lock()
	floor := o.inviteDelayFloor
	o.mu.Unlock()
	if delay < floor {
		delay = floor
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (o *Orchestrator) raiseDelayFloor(wait time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if wait > o.inviteDelayFloor {
		o.inviteDelayFloor = wait
	}
}
