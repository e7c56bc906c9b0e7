package twitter

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	short := "Viva la libertad, carajo."
	if got := Truncate(short); got != short {
		t.Fatalf("short text changed: %q", got)
	}

	sentence := strings.Repeat("a", 200) + ". " + strings.Repeat("b", 200)
	if got := Truncate(sentence); got != strings.Repeat("a", 200)+"." {
		t.Fatalf("expected cut at sentence boundary, got %d runes", len([]rune(got)))
	}

	words := strings.Repeat("word ", 80)
	got := Truncate(words)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) > MaxTweetLength {
		t.Fatalf("expected word boundary with ellipsis, got %q", got)
	}
	if strings.Contains(got, "wor...") {
		t.Fatalf("cut in the middle of a word: %q", got)
	}

	solid := strings.Repeat("x", 400)
	got = Truncate(solid)
	if len([]rune(got)) != MaxTweetLength || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected hard cut to %d runes, got %d", MaxTweetLength, len([]rune(got)))
	}

	accents := strings.Repeat("ñ", 300)
	if n := len([]rune(Truncate(accents))); n != MaxTweetLength {
		t.Fatalf("expected rune-aware truncation, got %d", n)
	}
}

func TestSplit(t *testing.T) {
	text := strings.Repeat("Primera idea larga. ", 20)
	parts := Split(text)
	if len(parts) < 2 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for _, p := range parts {
		if len([]rune(p)) > MaxTweetLength {
			t.Fatalf("part too long: %d", len([]rune(p)))
		}
	}
	if strings.Join(parts, " ") != strings.TrimSpace(text) {
		t.Fatalf("split lost content")
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize("Hola 🚀 #Bitcoin mundo  #crypto")
	if got != "Hola mundo" {
		t.Fatalf("unexpected sanitized text %q", got)
	}
}
