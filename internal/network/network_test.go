package network

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"spectra/internal/model"
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

func TestPageRankSumsToApproximatelyOne(t *testing.T) {
	edges := []model.GroupRelationship{
		{SourceLink: "a", TargetLink: "b", Weight: 1},
		{SourceLink: "b", TargetLink: "c", Weight: 1},
		{SourceLink: "c", TargetLink: "a", Weight: 1},
	}
	g := buildGraph(edges)
	pr := g.pageRank()

	var sum float64
	for _, v := range pr {
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-4 {
		t.Fatalf("pagerank mass = %f, want ~1.0", sum)
	}
}

func TestPageRankFavoursMoreInboundLinks(t *testing.T) {
	// b and c both point at a; only c points at d. a should outrank d.
	edges := []model.GroupRelationship{
		{SourceLink: "b", TargetLink: "a", Weight: 1},
		{SourceLink: "c", TargetLink: "a", Weight: 1},
		{SourceLink: "c", TargetLink: "d", Weight: 1},
	}
	g := buildGraph(edges)
	pr := g.pageRank()

	if pr["a"] <= pr["d"] {
		t.Fatalf("expected a (2 inbound) to outrank d (1 inbound): pr[a]=%f pr[d]=%f", pr["a"], pr["d"])
	}
}

func TestInDegreeCentralityNormalizedToUnitInterval(t *testing.T) {
	edges := []model.GroupRelationship{
		{SourceLink: "x", TargetLink: "y", Weight: 3},
		{SourceLink: "z", TargetLink: "y", Weight: 1},
		{SourceLink: "x", TargetLink: "z", Weight: 1},
	}
	g := buildGraph(edges)
	c := g.inDegreeCentrality()

	if c["y"] != 1.0 {
		t.Fatalf("node with max inbound weight should normalize to 1.0, got %f", c["y"])
	}
	if c["z"] <= 0 || c["z"] >= 1 {
		t.Fatalf("partially-linked node should land strictly between 0 and 1, got %f", c["z"])
	}
}

func TestPageRankEmptyGraph(t *testing.T) {
	g := buildGraph(nil)
	if pr := g.pageRank(); len(pr) != 0 {
		t.Fatalf("expected empty pagerank map for empty graph, got %v", pr)
	}
}

func TestRecomputeAndTopPriorityTargets(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for _, link := range []string{"@a", "@b", "@c", "@archived"} {
		status := model.DiscoveredGroupNew
		if link == "@archived" {
			status = model.DiscoveredGroupArchived
		}
		if err := st.UpsertDiscoveredGroup(ctx, model.DiscoveredGroup{
			Link:         link,
			Kind:         model.DiscoveredGroupUsername,
			DiscoveredAt: time.Now().UTC(),
			Source:       "seed",
			Status:       status,
		}); err != nil {
			t.Fatalf("seed discovered group %s: %v", link, err)
		}
	}

	// @b and @c both point at @a; only @c points at @archived, which must
	// be excluded from TopPriorityTargets regardless of score.
	for _, r := range []model.GroupRelationship{
		{SourceLink: "@b", TargetLink: "@a", Kind: model.RelationshipMention, Weight: 1},
		{SourceLink: "@c", TargetLink: "@a", Kind: model.RelationshipMention, Weight: 1},
		{SourceLink: "@c", TargetLink: "@archived", Kind: model.RelationshipMention, Weight: 5},
	} {
		if err := st.UpsertGroupRelationship(ctx, r); err != nil {
			t.Fatalf("upsert relationship: %v", err)
		}
	}

	a := New(st)
	if err := a.Recompute(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	top, err := a.TopPriorityTargets(ctx, 2, 0)
	if err != nil {
		t.Fatalf("top priority targets: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 targets, got %d: %+v", len(top), top)
	}
	if top[0].Link != "@a" {
		t.Fatalf("expected @a (two inbound mentions) to rank first, got %s", top[0].Link)
	}
	for _, g := range top {
		if g.Status == model.DiscoveredGroupArchived {
			t.Fatalf("archived group %s must not appear in top priority targets", g.Link)
		}
		if g.Priority < 0 || g.Priority > 1 {
			t.Fatalf("priority out of [0,1] range: %f", g.Priority)
		}
	}
	if top[0].Priority < top[1].Priority {
		t.Fatalf("expected descending priority order, got %f then %f", top[0].Priority, top[1].Priority)
	}
}
