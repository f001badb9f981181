package forwarder

import (
	"testing"

	"spectra/internal/gateway"
)

func TestContentHashDeterministicUnderFieldReorder(t *testing.T) {
	a := gateway.Message{
		ID:   1,
		Text: "hello world",
		HasMedia: true,
		Media: gateway.MediaInfo{
			ID: 42, HasID: true,
			AccessHash: 99, HasHash: true,
			FileSize: 1024, HasSize: true,
		},
	}
	// b carries the same fields in a different struct-literal order, which
	// doesn't affect Go struct equality but exercises the token-sort step
	// against any accidental dependence on field iteration order.
	b := gateway.Message{
		ID:   1,
		HasMedia: true,
		Media: gateway.MediaInfo{
			HasSize: true, FileSize: 1024,
			HasHash: true, AccessHash: 99,
			HasID: true, ID: 42,
		},
		Text: "hello world",
	}

	if ContentHash(a) != ContentHash(b) {
		t.Fatalf("ContentHash should be stable regardless of field assembly order")
	}
}

func TestContentHashDiffersOnContent(t *testing.T) {
	a := gateway.Message{ID: 1, Text: "foo"}
	b := gateway.Message{ID: 1, Text: "bar"}
	if ContentHash(a) == ContentHash(b) {
		t.Fatalf("different text should produce different hashes")
	}
}

func TestContentHashFallsBackToMessageID(t *testing.T) {
	a := gateway.Message{ID: 7}
	b := gateway.Message{ID: 8}
	if ContentHash(a) != ContentHash(b) {
		return
	}
	t.Fatalf("messages with no text/media should still hash distinctly by id")
}

func TestContentHashIsHex64(t *testing.T) {
	h := ContentHash(gateway.Message{ID: 1, Text: "x"})
	if len(h) != 64 {
		t.Fatalf("expected a 64-char hex sha256 digest, got %d chars: %s", len(h), h)
	}
}

func TestPreviewTruncatesLongText(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := preview(string(long))
	if len(got) != 123 { // 120 chars + "..."
		t.Fatalf("preview length = %d, want 123", len(got))
	}
}

func TestPreviewLeavesShortTextAlone(t *testing.T) {
	if got := preview("short"); got != "short" {
		t.Fatalf("preview(%q) = %q", "short", got)
	}
}
