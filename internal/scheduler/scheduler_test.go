package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spectra/internal/gateway"
	"spectra/internal/groupmgr"
	"spectra/internal/model"
	"spectra/internal/registry"
	"spectra/internal/rotator"
	"spectra/internal/store"
)

type concurrencyTracker struct {
	mu         sync.Mutex
	perAccount map[string]int32
	global     int32
	maxGlobal  int32
	sawOverlap bool
}

func newConcurrencyTracker() *concurrencyTracker {
	return &concurrencyTracker{perAccount: make(map[string]int32)}
}

func (c *concurrencyTracker) enter(account string) {
	c.mu.Lock()
	c.perAccount[account]++
	if c.perAccount[account] > 1 {
		c.sawOverlap = true
	}
	c.global++
	if c.global > c.maxGlobal {
		c.maxGlobal = c.global
	}
	c.mu.Unlock()
}

func (c *concurrencyTracker) leave(account string) {
	c.mu.Lock()
	c.perAccount[account]--
	c.global--
	c.mu.Unlock()
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spectra.db")
	s, err := store.Open(path, time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestExecuteParallelRespectsConcurrencyInvariants is a regression test for
// spec §8 testable property 3: at most one in-flight task per account, and
// never more than maxConcurrent in flight globally.
func TestExecuteParallelRespectsConcurrencyInvariants(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	reg := registry.New(st, 1000)

	const numAccounts = 3
	for i := 0; i < numAccounts; i++ {
		handle := accountHandle(i)
		if err := reg.Register(ctx, model.Account{SessionHandle: handle, APIID: 1, APIHash: "h", Phone: handle}); err != nil {
			t.Fatalf("register account: %v", err)
		}
	}

	tracker := newConcurrencyTracker()

	factory := func() gateway.TelegramGateway {
		return &trackingGateway{tracker: tracker}
	}

	rot := rotator.New(reg, rotator.Smart)
	gm := groupmgr.New(factory, reg, rot, nil, nil, func(h string) string { return filepath.Join(t.TempDir(), h) })
	defer gm.Close()

	sched := New(st, reg, rot, gm)

	const maxConcurrent = 2
	const numTargets = 9
	targets := make([]string, numTargets)
	for i := range targets {
		targets[i] = accountHandle(i)
	}

	task := func(ctx context.Context, gw gateway.TelegramGateway, target string) (any, error) {
		return nil, gw.ForwardMessage(ctx, gateway.Entity{}, gateway.Entity{}, 1, nil)
	}

	results, err := sched.ExecuteParallel(ctx, "test", targets, task, maxConcurrent)
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	if len(results) != numTargets {
		t.Fatalf("got %d results, want %d", len(results), numTargets)
	}
	for target, r := range results {
		if r.Err != nil {
			t.Errorf("target %s failed: %v", target, r.Err)
		}
	}

	if tracker.sawOverlap {
		t.Fatalf("observed more than one in-flight task on the same account, violating per-account exclusivity")
	}
	if tracker.maxGlobal > int32(maxConcurrent) {
		t.Fatalf("observed %d tasks in flight at once, want <= %d", tracker.maxGlobal, maxConcurrent)
	}
}

func accountHandle(i int) string {
	return string(rune('a' + i))
}

// TestExecuteParallelExcludesCooldownAccountMidRun is a regression test for
// spec §3's "cooldownUntil > now => rotator must not select it": once a
// task on one account fails with a flood-wait, that account must not be
// dispatched again for any later target within the same ExecuteParallel
// call, even though it was eligible when the call started.
func TestExecuteParallelExcludesCooldownAccountMidRun(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	reg := registry.New(st, 1000)

	const numAccounts = 2
	for i := 0; i < numAccounts; i++ {
		handle := accountHandle(i)
		if err := reg.Register(ctx, model.Account{SessionHandle: handle, APIID: 1, APIHash: "h", Phone: handle}); err != nil {
			t.Fatalf("register account: %v", err)
		}
	}

	rot := rotator.New(reg, rotator.Smart)
	gm := groupmgr.New(func() gateway.TelegramGateway { return &trackingGateway{} }, reg, rot, nil, nil,
		func(h string) string { return filepath.Join(t.TempDir(), h) })
	defer gm.Close()

	sched := New(st, reg, rot, gm)

	var floodedOnce sync.Once
	var floodedHandle string
	var mu sync.Mutex
	usedAfterFlood := make(map[string]bool)
	var floodTripped bool

	task := func(ctx context.Context, gw gateway.TelegramGateway, target string) (any, error) {
		tgw := gw.(*trackingGateway)

		mu.Lock()
		alreadyFlooded := floodTripped
		mu.Unlock()
		if alreadyFlooded {
			mu.Lock()
			if tgw.account == floodedHandle {
				usedAfterFlood[target] = true
			}
			mu.Unlock()
		}

		var err error
		floodedOnce.Do(func() {
			mu.Lock()
			floodedHandle = tgw.account
			floodTripped = true
			mu.Unlock()
			err = &gateway.FloodWaitError{Seconds: 3600}
		})
		return nil, err
	}

	// Run targets sequentially (maxConcurrent=1) so the flood-wait failure
	// on the first target is durably recorded before later targets are
	// dispatched, giving the cooldown a chance to take effect mid-run.
	targets := []string{"t1", "t2", "t3", "t4"}
	results, err := sched.ExecuteParallel(ctx, "test", targets, task, 1)
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	if len(results) != len(targets) {
		t.Fatalf("got %d results, want %d", len(results), len(targets))
	}

	if floodedHandle == "" {
		t.Fatalf("expected the flood-wait task to have run")
	}
	if len(usedAfterFlood) != 0 {
		t.Fatalf("flooded account %s was dispatched again after its cooldown was recorded: %v",
			floodedHandle, usedAfterFlood)
	}
}

// trackingGateway is a no-op TelegramGateway that records per-account
// enter/leave around ForwardMessage so an exclusivity violation by the
// scheduler would show up as an overlap in the shared tracker. The account
// identity is captured from the SessionHandle passed to Connect.
type trackingGateway struct {
	tracker *concurrencyTracker
	account string
}

func (g *trackingGateway) Connect(ctx context.Context, creds gateway.Credentials, proxy *gateway.ProxyConfig) error {
	g.account = creds.SessionHandle
	return nil
}
func (g *trackingGateway) IsAuthorised(ctx context.Context) (bool, error) { return true, nil }
func (g *trackingGateway) Close() error                                   { return nil }
func (g *trackingGateway) GetEntity(ctx context.Context, linkOrID string) (gateway.Entity, error) {
	return gateway.Entity{Title: linkOrID}, nil
}
func (g *trackingGateway) IterMessages(ctx context.Context, entity gateway.Entity, opts gateway.IterMessagesOptions) (gateway.MessageIterator, error) {
	return nil, nil
}
func (g *trackingGateway) JoinByUsername(ctx context.Context, username string) (gateway.Entity, error) {
	return gateway.Entity{Username: username}, nil
}
func (g *trackingGateway) CheckInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *trackingGateway) ImportInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *trackingGateway) ForwardMessage(ctx context.Context, from, to gateway.Entity, messageID int64, replyTo *int64) error {
	g.tracker.enter(g.account)
	defer g.tracker.leave(g.account)
	time.Sleep(5 * time.Millisecond)
	return nil
}
func (g *trackingGateway) SendMessage(ctx context.Context, to gateway.Entity, text, file string, replyTo *int64) error {
	return nil
}
func (g *trackingGateway) IterDialogs(ctx context.Context) (gateway.DialogIterator, error) {
	return nil, nil
}
func (g *trackingGateway) DownloadMedia(ctx context.Context, msg gateway.Message, destPath string) (string, error) {
	return "", nil
}

func (g *trackingGateway) DownloadAvatar(ctx context.Context, userID, accessHash int64, destPath string) (string, error) {
	return "", nil
}
