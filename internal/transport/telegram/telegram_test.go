package telegram

import (
	"strings"
	"testing"

	"marketbot/internal/market"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("x", 20)
	}
	text := strings.Join(lines, "\n")

	chunks := splitText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len([]rune(ch)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(ch)))
		}
		// Newline-preferring split should never cut a line in half.
		for _, line := range strings.Split(ch, "\n") {
			if len(line) != 20 {
				t.Fatalf("chunk %d contains partial line %q", i, line)
			}
		}
	}
}

func TestSplitTextHandlesNoNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 250)
	chunks := splitText(text, 100)
	var total int
	for _, ch := range chunks {
		if len(ch) > 100 {
			t.Fatalf("chunk exceeds limit: %d", len(ch))
		}
		total += len(ch)
	}
	if total != 250 {
		t.Fatalf("content lost: total = %d", total)
	}
}

func TestParseSchedulePayload(t *testing.T) {
	t.Parallel()
	expr, msg, err := parseSchedulePayload(`{"cronExpression":"0 9 * * *","message":"morning check"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if expr != "0 9 * * *" || msg != "morning check" {
		t.Fatalf("got %q / %q", expr, msg)
	}

	bad := []string{
		"",
		"not json",
		`{"cronExpression":"0 9 * * *"}`,
		`{"message":"no cron"}`,
	}
	for _, payload := range bad {
		if _, _, err := parseSchedulePayload(payload); err == nil {
			t.Fatalf("payload %q: expected error", payload)
		}
	}
}

func TestFormatResults(t *testing.T) {
	t.Parallel()
	out := formatResults([]market.Item{
		{Title: "Jacket", Price: 25.5, URL: "https://x/1"},
		{Title: "Boots", Price: 40, URL: "https://x/2"},
	})
	if !strings.Contains(out, "Jacket\nPrice: 25.50\nLink: https://x/1") {
		t.Fatalf("out = %q", out)
	}
	if !strings.Contains(out, "\n\nBoots") {
		t.Fatalf("missing separator: %q", out)
	}
}
