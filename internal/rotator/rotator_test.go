package rotator

import (
	"testing"
	"time"

	"spectra/internal/model"
)

func TestSmartScoreFavoursStaleAndUnderusedAccounts(t *testing.T) {
	now := time.Now()
	fresh := model.Account{
		SessionHandle: "fresh",
		Health:        model.AccountHealth{LastUsedAt: now.Add(-1 * time.Minute), UsageCount: 10},
	}
	stale := model.Account{
		SessionHandle: "stale",
		Health:        model.AccountHealth{LastUsedAt: now.Add(-48 * time.Hour), UsageCount: 1},
	}

	if smartScore(fresh, now) >= smartScore(stale, now) {
		t.Fatalf("a recently-used, heavily-used account should score lower than a stale, lightly-used one")
	}
}

func TestSmartScoreNeverUsedIsMaximallyFavoured(t *testing.T) {
	now := time.Now()
	neverUsed := model.Account{SessionHandle: "new", Health: model.AccountHealth{}}
	usedRecently := model.Account{
		SessionHandle: "old",
		Health:        model.AccountHealth{LastUsedAt: now.Add(-time.Hour), UsageCount: 0},
	}

	if smartScore(neverUsed, now) <= smartScore(usedRecently, now) {
		t.Fatalf("a never-used account should score higher than a recently-used one")
	}
}

func TestPickLeastUsed(t *testing.T) {
	accounts := []model.Account{
		{SessionHandle: "a", Health: model.AccountHealth{UsageCount: 5}},
		{SessionHandle: "b", Health: model.AccountHealth{UsageCount: 1}},
		{SessionHandle: "c", Health: model.AccountHealth{UsageCount: 9}},
	}
	got := pickLeastUsed(accounts)
	if got.SessionHandle != "b" {
		t.Fatalf("pickLeastUsed = %s, want b", got.SessionHandle)
	}
}

func TestPickFromEmptyReturnsNoAccountAvailable(t *testing.T) {
	r := New(nil, Smart)
	if _, err := r.PickFrom(nil); err == nil {
		t.Fatalf("expected an error selecting from an empty candidate set")
	}
}

func TestPickFromSequentialCyclesDeterministically(t *testing.T) {
	r := New(nil, Sequential)
	candidates := []model.Account{
		{SessionHandle: "a1"},
		{SessionHandle: "a2"},
	}

	first, err := r.PickFrom(candidates)
	if err != nil {
		t.Fatalf("PickFrom: %v", err)
	}
	second, err := r.PickFrom(candidates)
	if err != nil {
		t.Fatalf("PickFrom: %v", err)
	}
	if first.SessionHandle == second.SessionHandle {
		t.Fatalf("sequential picks should advance across calls, got %s twice", first.SessionHandle)
	}
}
