// Package groupmgr is the GroupManager (spec §4.F): a lazy pool of
// TelegramGateway connections keyed by account session handle, join/leave
// operations with flood-wait/capacity rotation, and the archive-and-leave
// workflow that drives internal/archive over a joined channel.
package groupmgr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/archive"
	"spectra/internal/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/proxycycler"
	"spectra/internal/registry"
	"spectra/internal/rotator"
)

// GatewayFactory constructs an unconnected gateway for one account. The
// concrete implementation (gotdgw.New) is injected so this package never
// imports a specific transport.
type GatewayFactory func() gateway.TelegramGateway

// JoinPolicy controls whether GroupManager re-selects an account per
// operation or keeps using whichever account last succeeded (spec §6.C
// `accountRotationPolicy`).
type JoinPolicy string

const (
	PerOperation JoinPolicy = "perOperation"
	Sticky       JoinPolicy = "sticky"
)

var (
	reInviteHash = regexp.MustCompile(`^(?:https?://)?t\.me/(?:joinchat/|\+)([A-Za-z0-9_-]+)$`)
	reNumericID  = regexp.MustCompile(`^-?\d+$`)
)

// Manager owns one TelegramGateway per connected account and drives
// join/leave/archive operations against them.
type Manager struct {
	factory  GatewayFactory
	reg      *registry.Registry
	rot      *rotator.Rotator
	proxies  *proxycycler.Cycler
	archiver *archive.Pipeline

	sessionDir func(sessionHandle string) string

	mu       sync.Mutex
	gateways map[string]gateway.TelegramGateway
	sticky   string
}

// New builds a Manager. sessionDir, given a session handle, returns the path
// the gateway should persist its session file at.
func New(factory GatewayFactory, reg *registry.Registry, rot *rotator.Rotator, proxies *proxycycler.Cycler, archiver *archive.Pipeline, sessionDir func(string) string) *Manager {
	return &Manager{
		factory:    factory,
		reg:        reg,
		rot:        rot,
		proxies:    proxies,
		archiver:   archiver,
		sessionDir: sessionDir,
		gateways:   make(map[string]gateway.TelegramGateway),
	}
}

// InitFleet connects and authorises every non-banned account the registry
// knows about. Accounts that fail to authorise are marked failed (banned if
// the failure is account-fatal) rather than aborting the whole fleet.
func (m *Manager) InitFleet(ctx context.Context) error {
	accounts, err := m.reg.List(ctx)
	if err != nil {
		return errors.Wrap(err, "groupmgr: list accounts")
	}

	for _, a := range accounts {
		if a.Health.IsBanned {
			continue
		}
		if _, err := m.gatewayFor(ctx, a); err != nil {
			logger.Warnf("groupmgr: init account %s: %v", a.SessionHandle, err)
			cooldown := time.Duration(0)
			if !gateway.IsAccountFatal(err) {
				cooldown = time.Hour
			}
			_ = m.reg.MarkFailure(ctx, a.SessionHandle, err, cooldown)
		}
	}
	return nil
}

// gatewayFor returns the (possibly newly-connected) gateway for account a.
func (m *Manager) gatewayFor(ctx context.Context, a model.Account) (gateway.TelegramGateway, error) {
	m.mu.Lock()
	gw, ok := m.gateways[a.SessionHandle]
	m.mu.Unlock()
	if ok {
		return gw, nil
	}

	gw = m.factory()
	var proxyCfg *gateway.ProxyConfig
	if m.proxies != nil {
		if cfg, ok := m.proxies.Next(); ok {
			proxyCfg = &cfg
		}
	}

	creds := gateway.Credentials{
		APIID:         a.APIID,
		APIHash:       a.APIHash,
		SessionHandle: a.SessionHandle,
		Phone:         a.Phone,
	}
	if m.sessionDir != nil {
		creds.SessionFile = m.sessionDir(a.SessionHandle)
	}

	if err := gw.Connect(ctx, creds, proxyCfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.gateways[a.SessionHandle] = gw
	m.mu.Unlock()
	return gw, nil
}

// AnyGateway returns one currently-pooled gateway, connecting one via the
// rotator if none is pooled yet. Used by callers (discovery) that operate
// single-threaded against whichever account last joined something.
func (m *Manager) AnyGateway(ctx context.Context) (gateway.TelegramGateway, error) {
	m.mu.Lock()
	for _, gw := range m.gateways {
		m.mu.Unlock()
		return gw, nil
	}
	m.mu.Unlock()

	account, err := m.rot.Next(ctx)
	if err != nil {
		return nil, err
	}
	return m.gatewayFor(ctx, account)
}

// GatewayForAccount returns the pooled (or lazily connected) gateway for a,
// for callers outside this package — namely the scheduler, which binds
// tasks to already-registered accounts and needs their live connection.
func (m *Manager) GatewayForAccount(ctx context.Context, a model.Account) (gateway.TelegramGateway, error) {
	return m.gatewayFor(ctx, a)
}

// CloseAccount drops and closes the pooled gateway for sessionHandle, for
// callers (e.g. the forwarder's Saved-Messages fanout) that need to force a
// reconnect or release a connection early.
func (m *Manager) CloseAccount(sessionHandle string) {
	m.closeGateway(sessionHandle)
}

// closeGateway drops and closes the cached gateway for sessionHandle, e.g.
// after an auth error forces reconnection on next use.
func (m *Manager) closeGateway(sessionHandle string) {
	m.mu.Lock()
	gw, ok := m.gateways[sessionHandle]
	delete(m.gateways, sessionHandle)
	m.mu.Unlock()
	if ok {
		_ = gw.Close()
	}
}

// LinkKind classifies a link per the Discovery rules (spec §4.H), reused
// here so JoinGroup can dispatch on the same taxonomy.
type LinkKind int

const (
	LinkUsername LinkKind = iota
	LinkInvite
	LinkNumericID
)

// ClassifyLink inspects link and reports its kind plus the normalized
// reference to resolve/import with.
func ClassifyLink(link string) (LinkKind, string) {
	l := strings.TrimSpace(link)
	l = strings.TrimPrefix(l, "@")

	if m := reInviteHash.FindStringSubmatch(l); m != nil {
		return LinkInvite, m[1]
	}
	if reNumericID.MatchString(l) {
		return LinkNumericID, l
	}
	if idx := strings.Index(l, "t.me/"); idx >= 0 {
		rest := l[idx+len("t.me/"):]
		rest = strings.TrimPrefix(rest, "c/")
		if slash := strings.Index(rest, "/"); slash >= 0 {
			rest = rest[:slash]
		}
		return LinkUsername, rest
	}
	return LinkUsername, l
}

// JoinGroup resolves link per its kind and joins it with the rotator's
// currently-bound account, retrying once on flood-wait or channel-capacity
// errors with a freshly-selected account (spec §4.F).
func (m *Manager) JoinGroup(ctx context.Context, link string, policy JoinPolicy) (gateway.Entity, error) {
	account, err := m.selectAccount(ctx, policy)
	if err != nil {
		return gateway.Entity{}, err
	}

	entity, err := m.joinWithAccount(ctx, account, link)
	if err == nil {
		return entity, nil
	}

	retryCooldown, shouldRetry := retryCooldownFor(err)
	if !shouldRetry {
		return gateway.Entity{}, err
	}

	_ = m.reg.MarkFailure(ctx, account.SessionHandle, err, retryCooldown)
	next, selErr := m.rot.Next(ctx)
	if selErr != nil {
		return gateway.Entity{}, err
	}
	return m.joinWithAccount(ctx, next, link)
}

func retryCooldownFor(err error) (time.Duration, bool) {
	var fw *gateway.FloodWaitError
	if errors.As(err, &fw) {
		return time.Duration(fw.Seconds) * time.Second, true
	}
	var ctm *gateway.ChannelsTooMuchError
	if errors.As(err, &ctm) {
		return 24 * time.Hour, true
	}
	return 0, false
}

func (m *Manager) selectAccount(ctx context.Context, policy JoinPolicy) (model.Account, error) {
	if policy == Sticky {
		m.mu.Lock()
		sticky := m.sticky
		m.mu.Unlock()
		if sticky != "" {
			accounts, err := m.reg.List(ctx)
			if err == nil {
				for _, a := range accounts {
					if a.SessionHandle == sticky && a.Eligible(time.Now()) {
						return a, nil
					}
				}
			}
		}
	}

	account, err := m.rot.Next(ctx)
	if err != nil {
		return model.Account{}, err
	}
	if policy == Sticky {
		m.mu.Lock()
		m.sticky = account.SessionHandle
		m.mu.Unlock()
	}
	return account, nil
}

func (m *Manager) joinWithAccount(ctx context.Context, account model.Account, link string) (gateway.Entity, error) {
	gw, err := m.gatewayFor(ctx, account)
	if err != nil {
		return gateway.Entity{}, err
	}

	kind, ref := ClassifyLink(link)
	var entity gateway.Entity
	switch kind {
	case LinkUsername:
		entity, err = gw.JoinByUsername(ctx, ref)
	case LinkInvite:
		if _, checkErr := gw.CheckInvite(ctx, ref); checkErr != nil {
			err = checkErr
			break
		}
		entity, err = gw.ImportInvite(ctx, ref)
	case LinkNumericID:
		entity, err = gw.GetEntity(ctx, ref)
	}

	if err != nil {
		if gateway.IsAccountFatal(err) {
			m.closeGateway(account.SessionHandle)
			_ = m.reg.MarkFailure(ctx, account.SessionHandle, err, 0)
		}
		return gateway.Entity{}, err
	}

	_ = m.reg.MarkSuccess(ctx, account.SessionHandle)
	return entity, nil
}

// LeaveGroup is a placeholder for completeness against spec §4.F; a real
// leave maps to ChannelsLeaveChannel on the gateway. The interface does not
// currently expose a leave operation (out of scope per §6.A's minimal
// method set), so this records the intent at the call site only.
func (m *Manager) LeaveGroup(ctx context.Context, channelID int64) error {
	logger.Infof("groupmgr: leave requested for channel %d (no-op: leave is outside TelegramGateway's minimal method set)", channelID)
	return nil
}

// JoinAndArchive joins link, runs the full archive pipeline against the
// resulting entity, and optionally leaves afterward (spec §4.F).
func (m *Manager) JoinAndArchive(ctx context.Context, link string, leaveAfter bool) (int, error) {
	entity, err := m.JoinGroup(ctx, link, PerOperation)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	var gw gateway.TelegramGateway
	for _, g := range m.gateways {
		gw = g
		break
	}
	m.mu.Unlock()
	if gw == nil {
		return 0, errors.New("groupmgr: no gateway available to archive with")
	}

	checkpointCtx := strconv.FormatInt(entity.ID, 10)
	count, err := m.archiver.Archive(ctx, gw, entity, checkpointCtx)
	if leaveAfter {
		_ = m.LeaveGroup(ctx, entity.ID)
	}
	return count, err
}

// BatchJoinArchive sequentially archives every link in links, sleeping delay
// between items. Usage counts are reset every 5 items, per spec §4.F, so a
// long batch doesn't starve late accounts under "least-used"/"smart" modes.
func (m *Manager) BatchJoinArchive(ctx context.Context, links []string, delay time.Duration, leaveAfter bool) map[string]error {
	results := make(map[string]error, len(links))
	for i, link := range links {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				results[link] = ctx.Err()
				continue
			}
		}
		if i > 0 && i%5 == 0 {
			m.resetUsageCounts(ctx)
		}

		_, err := m.JoinAndArchive(ctx, link, leaveAfter)
		results[link] = err
		if err != nil {
			logger.Warnf("groupmgr: batch archive %s: %v", link, err)
		}
	}
	return results
}

func (m *Manager) resetUsageCounts(ctx context.Context) {
	accounts, err := m.reg.List(ctx)
	if err != nil {
		logger.Warnf("groupmgr: reset usage counts: %v", err)
		return
	}
	for _, a := range accounts {
		h := a.Health
		h.UsageCount = 0
		if err := m.reg.UpdateHealth(ctx, a.SessionHandle, h); err != nil {
			logger.Warnf("groupmgr: reset usage for %s: %v", a.SessionHandle, err)
		}
	}
}

// Close disconnects every pooled gateway. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for handle, gw := range m.gateways {
		if err := gw.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close gateway %s: %w", handle, err)
		}
	}
	m.gateways = make(map[string]gateway.TelegramGateway)
	return firstErr
}
