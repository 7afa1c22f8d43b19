package storage

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncatePreview_ShortPassesThrough(t *testing.T) {
	if got := TruncatePreview("map[entity:product]", ParamsPreviewLength); got != "map[entity:product]" {
		t.Errorf("short payload must pass through, got %q", got)
	}
}

func TestTruncatePreview_CutsAtLimit(t *testing.T) {
	payload := strings.Repeat("x", 600)
	got := TruncatePreview(payload, ParamsPreviewLength)
	if len(got) != ParamsPreviewLength {
		t.Errorf("expected %d chars, got %d", ParamsPreviewLength, len(got))
	}
}

func TestTruncatePreview_NeverSplitsRunes(t *testing.T) {
	payload := strings.Repeat("é", 10) // 2 bytes per rune
	got := TruncatePreview(payload, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 5 {
		t.Errorf("expected 5 runes, got %d", n)
	}
}
