package discovery

import (
	"reflect"
	"sort"
	"testing"
)

func TestExtractLinksHandles(t *testing.T) {
	text := "check out @somechannel and also @another_one for updates"
	got := ExtractLinks(text)
	want := []string{"@somechannel", "@another_one"}
	assertSameSet(t, got, want)
}

func TestExtractLinksJoinchatKeptLiteral(t *testing.T) {
	text := "join here: https://t.me/joinchat/AbCdEf1234 or t.me/+XyZ9876"
	got := ExtractLinks(text)
	want := []string{"t.me/joinchat/AbCdEf1234", "t.me/joinchat/XyZ9876"}
	assertSameSet(t, got, want)
}

func TestExtractLinksTMeNameNormalizesToHandle(t *testing.T) {
	text := "see t.me/examplegroup for details"
	got := ExtractLinks(text)
	want := []string{"@examplegroup"}
	assertSameSet(t, got, want)
}

func TestExtractLinksResolveDomainNormalizesToHandle(t *testing.T) {
	text := "open t.me/resolve?domain=examplegroup&start=1"
	got := ExtractLinks(text)
	want := []string{"@examplegroup"}
	assertSameSet(t, got, want)
}

func TestExtractLinksDeduplicates(t *testing.T) {
	text := "@samegroup mentioned twice: @samegroup"
	got := ExtractLinks(text)
	if len(got) != 1 {
		t.Fatalf("expected 1 deduplicated link, got %d: %v", len(got), got)
	}
}

func TestExtractLinksNoFalsePositiveOnShortHandle(t *testing.T) {
	text := "@abc is too short to be a real username"
	got := ExtractLinks(text)
	if len(got) != 0 {
		t.Fatalf("expected no matches for a too-short handle, got %v", got)
	}
}

func assertSameSet(t *testing.T, got, want []string) {
	t.Helper()
	g := append([]string(nil), got...)
	w := append([]string(nil), want...)
	sort.Strings(g)
	sort.Strings(w)
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("ExtractLinks = %v, want %v", got, want)
	}
}
