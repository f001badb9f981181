package archive

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/gateway"
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

func TestExtensionForMIME(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":      ".jpg",
		"image/png":       ".png",
		"video/mp4":       ".mp4",
		"":                ".bin",
		"application/pdf": ".pdf",
		"garbage":         ".bin",
	}
	for mime, want := range cases {
		if got := extensionForMIME(mime); got != want {
			t.Errorf("extensionForMIME(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestShouldDownloadEmptyWhitelistAllowsEverything(t *testing.T) {
	if !shouldDownload("video/mp4", nil) {
		t.Fatalf("an empty whitelist should allow every MIME type")
	}
}

func TestShouldDownloadRespectsWhitelistCaseInsensitively(t *testing.T) {
	whitelist := []string{"image/jpeg", "video/mp4"}
	if !shouldDownload("IMAGE/JPEG", whitelist) {
		t.Fatalf("shouldDownload should match whitelist entries case-insensitively")
	}
	if shouldDownload("image/gif", whitelist) {
		t.Fatalf("shouldDownload should reject MIME types absent from the whitelist")
	}
}

func TestContentChecksumIsStableForIdenticalMessages(t *testing.T) {
	msg := gateway.Message{ID: 1, Text: "hello", HasMedia: false}
	a := contentChecksum(msg)
	b := contentChecksum(msg)
	if a != b {
		t.Fatalf("contentChecksum not stable: %q != %q", a, b)
	}
}

func TestContentChecksumDiffersOnContent(t *testing.T) {
	a := contentChecksum(gateway.Message{ID: 1, Text: "hello"})
	b := contentChecksum(gateway.Message{ID: 1, Text: "goodbye"})
	if a == b {
		t.Fatalf("expected different checksums for different message text")
	}
}

// fakeHistoryGateway replays a fixed, in-order message slice and records the
// OffsetID it was asked to resume from.
type fakeHistoryGateway struct {
	gateway.TelegramGateway
	messages       []gateway.Message
	lastOffsetSeen int64
	avatarCalls    int
}

func (g *fakeHistoryGateway) DownloadAvatar(ctx context.Context, userID, accessHash int64, destPath string) (string, error) {
	g.avatarCalls++
	return destPath, nil
}

func (g *fakeHistoryGateway) IterMessages(ctx context.Context, entity gateway.Entity, opts gateway.IterMessagesOptions) (gateway.MessageIterator, error) {
	g.lastOffsetSeen = opts.OffsetID
	start := 0
	for i, m := range g.messages {
		if m.ID > opts.OffsetID {
			start = i
			break
		}
		start = i + 1
	}
	return &fakeMessageIter{msgs: g.messages[start:]}, nil
}

func (g *fakeHistoryGateway) DownloadMedia(ctx context.Context, msg gateway.Message, destPath string) (string, error) {
	return "", nil
}

type fakeMessageIter struct {
	msgs []gateway.Message
	pos  int
}

func (it *fakeMessageIter) Next(ctx context.Context) (gateway.Message, error) {
	if it.pos >= len(it.msgs) {
		return gateway.Message{}, io.EOF
	}
	m := it.msgs[it.pos]
	it.pos++
	return m, nil
}

func TestArchivePersistsMessagesAndResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	p := New(st, Options{FetchBatchSize: 2})

	entity := gateway.Entity{ID: 555, Title: "Test Channel"}
	gw := &fakeHistoryGateway{messages: []gateway.Message{
		{ID: 1, Text: "one", Date: time.Now()},
		{ID: 2, Text: "two", Date: time.Now()},
		{ID: 3, Text: "three", Date: time.Now()},
	}}

	n, err := p.Archive(ctx, gw, entity, "555")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if n != 3 {
		t.Fatalf("Archive processed %d messages, want 3", n)
	}

	last, ok, err := st.LatestCheckpoint(ctx, "555")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if !ok || last != 3 {
		t.Fatalf("checkpoint = (%d, %v), want (3, true)", last, ok)
	}

	// A second Archive call over the same channel should resume from the
	// saved checkpoint and process nothing new.
	gw2 := &fakeHistoryGateway{messages: gw.messages}
	n2, err := p.Archive(ctx, gw2, entity, "555")
	if err != nil {
		t.Fatalf("Archive (resume): %v", err)
	}
	if n2 != 0 {
		t.Fatalf("resumed Archive processed %d messages, want 0 (already archived)", n2)
	}
	if gw2.lastOffsetSeen != 3 {
		t.Fatalf("resumed Archive should have requested OffsetID=3, got %d", gw2.lastOffsetSeen)
	}
}

func TestArchiveSkipsMediaDownloadWhenDisabled(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	p := New(st, Options{FetchBatchSize: 10, DownloadMedia: false})

	entity := gateway.Entity{ID: 777}
	gw := &fakeHistoryGateway{messages: []gateway.Message{
		{ID: 1, Text: "has media", HasMedia: true, Media: gateway.MediaInfo{TypeName: "photo", MIME: "image/jpeg"}, Date: time.Now()},
	}}

	n, err := p.Archive(ctx, gw, entity, "777")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if n != 1 {
		t.Fatalf("Archive processed %d messages, want 1", n)
	}
}

func TestArchiveUpsertsSenderAndTopic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	p := New(st, Options{FetchBatchSize: 10, ArchiveTopics: true})

	entity := gateway.Entity{ID: 888, Title: "Test Channel"}
	senderID, topicID := int64(42), int64(7)
	gw := &fakeHistoryGateway{messages: []gateway.Message{
		{ID: 1, Text: "hi", Date: time.Now(), SenderID: &senderID, SenderUsername: "alice", SenderFirstName: "Alice", TopicID: &topicID},
		{ID: 2, Text: "again", Date: time.Now(), SenderID: &senderID, TopicID: &topicID},
	}}

	if _, err := p.Archive(ctx, gw, entity, "888"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	u, ok, err := st.GetUser(ctx, senderID)
	if err != nil || !ok {
		t.Fatalf("expected sender %d to be upserted: ok=%v err=%v", senderID, ok, err)
	}
	if u.Username != "alice" || u.FirstName != "Alice" {
		t.Fatalf("unexpected user row: %+v", u)
	}

	topic, ok, err := st.GetTopic(ctx, topicID)
	if err != nil || !ok {
		t.Fatalf("expected topic %d to be upserted: ok=%v err=%v", topicID, ok, err)
	}
	if topic.EntityID != entity.ID {
		t.Fatalf("expected topic entity id %d, got %d", entity.ID, topic.EntityID)
	}
}

func TestArchiveDownloadsAvatarOncePerSender(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	mediaDir := t.TempDir()
	p := New(st, Options{FetchBatchSize: 10, DownloadAvatars: true, MediaDir: mediaDir})

	entity := gateway.Entity{ID: 999}
	senderID := int64(13)
	gw := &fakeHistoryGateway{messages: []gateway.Message{
		{ID: 1, Text: "one", Date: time.Now(), SenderID: &senderID},
		{ID: 2, Text: "two", Date: time.Now(), SenderID: &senderID},
	}}

	if _, err := p.Archive(ctx, gw, entity, "999"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if gw.avatarCalls != 1 {
		t.Fatalf("expected avatar download exactly once for a repeated sender, got %d calls", gw.avatarCalls)
	}

	u, ok, err := st.GetUser(ctx, senderID)
	if err != nil || !ok {
		t.Fatalf("expected sender %d to be upserted: ok=%v err=%v", senderID, ok, err)
	}
	if u.AvatarPath == "" {
		t.Fatalf("expected AvatarPath to be populated after download")
	}
}
