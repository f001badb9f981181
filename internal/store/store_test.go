package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spectra.db")
	s, err := Open(path, time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPage(t *testing.T) {
	cases := []struct {
		rank, size, want int
	}{
		{0, 20, 1},
		{1, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{40, 20, 2},
		{41, 20, 3},
	}
	for _, c := range cases {
		if got := Page(c.rank, c.size); got != c.want {
			t.Errorf("Page(%d, %d) = %d, want %d", c.rank, c.size, got, c.want)
		}
	}
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	acc := model.Account{
		SessionHandle: "acc-1",
		Phone:         "+10000000000",
		APIID:         12345,
		APIHash:       "deadbeef",
	}
	if err := s.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	got, ok, err := s.GetAccount(ctx, "acc-1")
	if err != nil || !ok {
		t.Fatalf("get account: ok=%v err=%v", ok, err)
	}
	if got.Phone != acc.Phone || got.APIID != acc.APIID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Eligible(time.Now()) {
		t.Fatalf("fresh account should be eligible")
	}

	health := model.AccountHealth{
		UsageCount:     3,
		LastUsedAt:     time.Now().UTC(),
		CooldownUntil:  time.Now().Add(time.Hour).UTC(),
		FloodWaitCount: 1,
	}
	if err := s.UpdateAccountHealth(ctx, "acc-1", health); err != nil {
		t.Fatalf("update health: %v", err)
	}
	got, _, err = s.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get account after health update: %v", err)
	}
	if got.Eligible(time.Now()) {
		t.Fatalf("account in cooldown should not be eligible")
	}
}

func TestForwardedMessageDedup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	hash := "abc123"
	exists, err := s.ForwardedMessageExists(ctx, hash)
	if err != nil {
		t.Fatalf("exists check: %v", err)
	}
	if exists {
		t.Fatalf("expected no forwarded message yet")
	}

	if err := s.InsertForwardedMessage(ctx, model.ForwardedMessage{
		Hash:          hash,
		OriginID:      1,
		DestinationID: 2,
		MessageID:     3,
		ForwardedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert forwarded message: %v", err)
	}

	exists, err = s.ForwardedMessageExists(ctx, hash)
	if err != nil {
		t.Fatalf("exists check after insert: %v", err)
	}
	if !exists {
		t.Fatalf("expected forwarded message to exist after insert")
	}

	// a duplicate insert must be a no-op, not an error.
	if err := s.InsertForwardedMessage(ctx, model.ForwardedMessage{
		Hash: hash, OriginID: 1, DestinationID: 2, MessageID: 3, ForwardedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("duplicate insert should be ignored, got: %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.LatestCheckpoint(ctx, "channel:1"); err != nil || ok {
		t.Fatalf("expected no checkpoint yet: ok=%v err=%v", ok, err)
	}

	if err := s.SaveCheckpoint(ctx, 10, "channel:1"); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, 20, "channel:1"); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	last, ok, err := s.LatestCheckpoint(ctx, "channel:1")
	if err != nil || !ok {
		t.Fatalf("latest checkpoint: ok=%v err=%v", ok, err)
	}
	if last != 20 {
		t.Fatalf("expected latest checkpoint 20, got %d", last)
	}
}

func TestParallelTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	task := model.ParallelTask{
		TaskID:        "task-1",
		Kind:          "join",
		Target:        "https://t.me/example",
		SessionHandle: "acc-1",
		StartedAt:     time.Now().UTC(),
	}
	if err := s.StartParallelTask(ctx, task); err != nil {
		t.Fatalf("start parallel task: %v", err)
	}

	inFlight, err := s.ListInFlightTasks(ctx)
	if err != nil {
		t.Fatalf("list in-flight tasks: %v", err)
	}
	if len(inFlight) != 1 || inFlight[0].TaskID != "task-1" {
		t.Fatalf("expected one in-flight task, got %+v", inFlight)
	}
	if !inFlight[0].InFlight() {
		t.Fatalf("started task should report InFlight() == true")
	}

	now := time.Now().UTC()
	ok := true
	if err := s.CompleteParallelTask(ctx, model.ParallelTask{
		TaskID:      "task-1",
		CompletedAt: &now,
		Success:     &ok,
		ResultJSON:  `{"joined":true}`,
	}); err != nil {
		t.Fatalf("complete parallel task: %v", err)
	}

	inFlight, err = s.ListInFlightTasks(ctx)
	if err != nil {
		t.Fatalf("list in-flight tasks after completion: %v", err)
	}
	if len(inFlight) != 0 {
		t.Fatalf("expected no in-flight tasks after completion, got %+v", inFlight)
	}

	got, found, err := s.GetParallelTask(ctx, "task-1")
	if err != nil || !found {
		t.Fatalf("get parallel task: found=%v err=%v", found, err)
	}
	if got.InFlight() {
		t.Fatalf("completed task should report InFlight() == false")
	}
	if got.Success == nil || !*got.Success {
		t.Fatalf("expected success=true, got %+v", got.Success)
	}
}

func TestDiscoveredGroupPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	groups := []model.DiscoveredGroup{
		{Link: "t.me/low", Kind: model.DiscoveredGroupUsername, DiscoveredAt: time.Now().UTC(), Priority: 0.1, Status: model.DiscoveredGroupNew},
		{Link: "t.me/high", Kind: model.DiscoveredGroupUsername, DiscoveredAt: time.Now().UTC(), Priority: 0.9, Status: model.DiscoveredGroupNew},
		{Link: "t.me/mid", Kind: model.DiscoveredGroupUsername, DiscoveredAt: time.Now().UTC(), Priority: 0.5, Status: model.DiscoveredGroupNew},
	}
	for _, g := range groups {
		if err := s.UpsertDiscoveredGroup(ctx, g); err != nil {
			t.Fatalf("upsert discovered group: %v", err)
		}
	}

	list, err := s.ListDiscoveredGroups(ctx, model.DiscoveredGroupNew)
	if err != nil {
		t.Fatalf("list discovered groups: %v", err)
	}
	if len(list) != 3 || list[0].Link != "t.me/high" || list[2].Link != "t.me/low" {
		t.Fatalf("expected descending priority order, got %+v", list)
	}
}
