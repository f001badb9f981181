package groupmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/gateway"
	"spectra/internal/model"
	"spectra/internal/registry"
	"spectra/internal/rotator"
	"spectra/internal/store"
)

func TestClassifyLink(t *testing.T) {
	cases := []struct {
		name     string
		link     string
		wantKind LinkKind
		wantRef  string
	}{
		{"bare username", "somechannel", LinkUsername, "somechannel"},
		{"at-prefixed username", "@somechannel", LinkUsername, "somechannel"},
		{"t.me username", "t.me/somechannel", LinkUsername, "somechannel"},
		{"t.me username with path", "t.me/somechannel/123", LinkUsername, "somechannel"},
		{"joinchat invite", "t.me/joinchat/AbCdEf1234", LinkInvite, "AbCdEf1234"},
		{"plus invite", "t.me/+AbCdEf1234", LinkInvite, "AbCdEf1234"},
		{"numeric id", "-1001234567890", LinkNumericID, "-1001234567890"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, ref := ClassifyLink(c.link)
			if kind != c.wantKind || ref != c.wantRef {
				t.Fatalf("ClassifyLink(%q) = (%v, %q), want (%v, %q)", c.link, kind, ref, c.wantKind, c.wantRef)
			}
		})
	}
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

// joinGateway fails JoinByUsername with a flood wait for one designated
// account and succeeds for every other account, so JoinGroup's retry path
// can be exercised end to end.
type joinGateway struct {
	account  string
	failOnce map[string]bool
}

func (g *joinGateway) Connect(ctx context.Context, creds gateway.Credentials, proxy *gateway.ProxyConfig) error {
	g.account = creds.SessionHandle
	return nil
}
func (g *joinGateway) IsAuthorised(ctx context.Context) (bool, error) { return true, nil }
func (g *joinGateway) Close() error                                   { return nil }
func (g *joinGateway) GetEntity(ctx context.Context, linkOrID string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *joinGateway) IterMessages(ctx context.Context, entity gateway.Entity, opts gateway.IterMessagesOptions) (gateway.MessageIterator, error) {
	return nil, nil
}
func (g *joinGateway) JoinByUsername(ctx context.Context, username string) (gateway.Entity, error) {
	if g.failOnce[g.account] {
		return gateway.Entity{}, &gateway.FloodWaitError{Seconds: 1}
	}
	return gateway.Entity{Username: username, Title: "joined"}, nil
}
func (g *joinGateway) CheckInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *joinGateway) ImportInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *joinGateway) ForwardMessage(ctx context.Context, from, to gateway.Entity, messageID int64, replyTo *int64) error {
	return nil
}
func (g *joinGateway) SendMessage(ctx context.Context, to gateway.Entity, text, file string, replyTo *int64) error {
	return nil
}
func (g *joinGateway) IterDialogs(ctx context.Context) (gateway.DialogIterator, error) {
	return nil, nil
}
func (g *joinGateway) DownloadMedia(ctx context.Context, msg gateway.Message, destPath string) (string, error) {
	return "", nil
}

func (g *joinGateway) DownloadAvatar(ctx context.Context, userID, accessHash int64, destPath string) (string, error) {
	return "", nil
}

func TestJoinGroupRetriesWithAFreshAccountOnFloodWait(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	reg := registry.New(st, 1000)

	// Sequential mode sorts eligible accounts lexicographically before
	// cycling, so "a_flaky" is picked first and "z_backup" is the retry.
	flaky := model.Account{SessionHandle: "a_flaky", Phone: "+1", APIID: 1, APIHash: "h"}
	backup := model.Account{SessionHandle: "z_backup", Phone: "+2", APIID: 1, APIHash: "h"}
	if err := reg.Register(ctx, flaky); err != nil {
		t.Fatalf("register flaky: %v", err)
	}
	if err := reg.Register(ctx, backup); err != nil {
		t.Fatalf("register backup: %v", err)
	}

	failOnce := map[string]bool{"a_flaky": true}
	factory := func() gateway.TelegramGateway { return &joinGateway{failOnce: failOnce} }

	rot := rotator.New(reg, rotator.Sequential)
	gm := New(factory, reg, rot, nil, nil, func(h string) string { return filepath.Join(t.TempDir(), h) })
	defer gm.Close()

	entity, err := gm.JoinGroup(ctx, "somechannel", PerOperation)
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if entity.Title != "joined" {
		t.Fatalf("expected the retry to succeed via the backup account, got entity %+v", entity)
	}

	accounts, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	for _, a := range accounts {
		if a.SessionHandle == "a_flaky" && a.Health.CooldownUntil.IsZero() {
			t.Fatalf("flaky account should have been put on cooldown after its flood wait")
		}
	}
}

func TestJoinGroupNoRetryOnNonRetryableError(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	reg := registry.New(st, 1000)

	only := model.Account{SessionHandle: "only", Phone: "+1", APIID: 1, APIHash: "h"}
	if err := reg.Register(ctx, only); err != nil {
		t.Fatalf("register: %v", err)
	}

	factory := func() gateway.TelegramGateway {
		return &alwaysNotFoundGateway{}
	}
	rot := rotator.New(reg, rotator.Sequential)
	gm := New(factory, reg, rot, nil, nil, func(h string) string { return filepath.Join(t.TempDir(), h) })
	defer gm.Close()

	_, err := gm.JoinGroup(ctx, "somechannel", PerOperation)
	if err == nil {
		t.Fatalf("expected JoinGroup to surface the non-retryable error")
	}
}

type alwaysNotFoundGateway struct{ joinGateway }

func (g *alwaysNotFoundGateway) JoinByUsername(ctx context.Context, username string) (gateway.Entity, error) {
	return gateway.Entity{}, &gateway.NotFoundError{Ref: username}
}
