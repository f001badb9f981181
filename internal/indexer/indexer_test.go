package indexer

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/gateway"
	"spectra/internal/groupmgr"
	"spectra/internal/model"
	"spectra/internal/registry"
	"spectra/internal/rotator"
	"spectra/internal/store"
)

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

// dialogGateway reports a fixed dialog list, or fails IterDialogs entirely
// for accounts named in failFor.
type dialogGateway struct {
	account string
	dialogs []gateway.DialogEntry
	failFor map[string]bool
}

func (g *dialogGateway) Connect(ctx context.Context, creds gateway.Credentials, proxy *gateway.ProxyConfig) error {
	g.account = creds.SessionHandle
	return nil
}
func (g *dialogGateway) IsAuthorised(ctx context.Context) (bool, error) { return true, nil }
func (g *dialogGateway) Close() error                                   { return nil }
func (g *dialogGateway) GetEntity(ctx context.Context, linkOrID string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *dialogGateway) IterMessages(ctx context.Context, entity gateway.Entity, opts gateway.IterMessagesOptions) (gateway.MessageIterator, error) {
	return nil, nil
}
func (g *dialogGateway) JoinByUsername(ctx context.Context, username string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *dialogGateway) CheckInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *dialogGateway) ImportInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	return gateway.Entity{}, nil
}
func (g *dialogGateway) ForwardMessage(ctx context.Context, from, to gateway.Entity, messageID int64, replyTo *int64) error {
	return nil
}
func (g *dialogGateway) SendMessage(ctx context.Context, to gateway.Entity, text, file string, replyTo *int64) error {
	return nil
}
func (g *dialogGateway) IterDialogs(ctx context.Context) (gateway.DialogIterator, error) {
	if g.failFor[g.account] {
		return nil, errFakeDialogList
	}
	return &dialogIter{entries: g.dialogs}, nil
}
func (g *dialogGateway) DownloadMedia(ctx context.Context, msg gateway.Message, destPath string) (string, error) {
	return "", nil
}

func (g *dialogGateway) DownloadAvatar(ctx context.Context, userID, accessHash int64, destPath string) (string, error) {
	return "", nil
}

type dialogIter struct {
	entries []gateway.DialogEntry
	pos     int
}

func (it *dialogIter) Next(ctx context.Context) (gateway.DialogEntry, error) {
	if it.pos >= len(it.entries) {
		return gateway.DialogEntry{}, io.EOF
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

var errFakeDialogList = &fakeErr{"iter dialogs failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func TestReindexAllUpsertsChannelDialogsAndIsolatesPerAccountFailure(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	reg := registry.New(st, 1000)

	good := model.Account{SessionHandle: "good", Phone: "+1", APIID: 1, APIHash: "h"}
	bad := model.Account{SessionHandle: "bad", Phone: "+2", APIID: 1, APIHash: "h"}
	if err := reg.Register(ctx, good); err != nil {
		t.Fatalf("register good: %v", err)
	}
	if err := reg.Register(ctx, bad); err != nil {
		t.Fatalf("register bad: %v", err)
	}

	dialogs := []gateway.DialogEntry{
		{Entity: gateway.Entity{ID: 100, Title: "Channel One"}, AccessHash: 1, IsChannel: true},
		{Entity: gateway.Entity{ID: 200, Title: "Channel Two"}, AccessHash: 2, IsChannel: true},
		{Entity: gateway.Entity{ID: 300, Title: "Private Chat"}, AccessHash: 0, IsChannel: false},
	}

	failFor := map[string]bool{"bad": true}
	factory := func() gateway.TelegramGateway { return &dialogGateway{dialogs: dialogs, failFor: failFor} }

	rot := rotator.New(reg, rotator.Smart)
	gm := groupmgr.New(factory, reg, rot, nil, nil, func(h string) string { return filepath.Join(t.TempDir(), h) })
	defer gm.Close()

	idx := New(st, reg, gm)
	results := idx.ReindexAll(ctx)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	goodReport, ok := results["good"]
	if !ok {
		t.Fatalf("missing report for good account")
	}
	if goodReport.Err != nil {
		t.Fatalf("good account should not have failed: %v", goodReport.Err)
	}
	if goodReport.ChannelsSeen != 2 {
		t.Fatalf("good account ChannelsSeen = %d, want 2 (private chat excluded)", goodReport.ChannelsSeen)
	}

	badReport, ok := results["bad"]
	if !ok {
		t.Fatalf("missing report for bad account")
	}
	if badReport.Err == nil {
		t.Fatalf("bad account should have failed, isolating from good account's success")
	}

	access, err := st.ListAccountChannelAccess(ctx, good.Phone)
	if err != nil {
		t.Fatalf("list account channel access: %v", err)
	}
	if len(access) != 2 {
		t.Fatalf("stored access rows = %d, want 2", len(access))
	}
}
