package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"prefers newline", "aaaa\nbbbbbb", 8, []string{"aaaa", "bbbbbb"}},
		{"skips leading newlines", "aaaa\n\n\nbb", 5, []string{"aaaa", "bb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("splitText(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestSplitTextRunes(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("é", 25)
	for _, c := range splitText(in, 10) {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
		if !utf8.ValidString(c) {
			t.Fatalf("invalid utf8 chunk %q", c)
		}
	}
}

func TestNewAlertSinkValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewAlertSink(Config{ChatID: 1}); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := NewAlertSink(Config{Token: "1:abc"}); err == nil {
		t.Fatalf("expected error for empty chat id")
	}
}
