package embed

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildTextTruncatesAt8000Chars(t *testing.T) {
	longValue, _ := json.Marshal(strings.Repeat("x", 9000))
	text := BuildText("/a/b", longValue, []string{"t1"})
	if len(text) > 8000 {
		t.Fatalf("expected text truncated to 8000 chars, got %d", len(text))
	}
}

func TestBuildTextIsDeterministic(t *testing.T) {
	value := json.RawMessage(`{"n":1}`)
	a := BuildText("/p", value, []string{"x", "y"})
	b := BuildText("/p", value, []string{"x", "y"})
	if a != b {
		t.Fatal("expected identical inputs to produce identical embedding text")
	}
}

func TestApproxTokens(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"ab":    1,
		"abcd":  1,
		"abcde": 2,
	}
	for text, want := range cases {
		if got := ApproxTokens(text); got != want {
			t.Errorf("ApproxTokens(%q) = %d, want %d", text, got, want)
		}
	}
}

func TestBackoffCapsAt32Seconds(t *testing.T) {
	if got := Backoff(10); got != MaxBackoff {
		t.Fatalf("expected backoff to cap at %v, got %v", MaxBackoff, got)
	}
	if got := Backoff(1); got >= MaxBackoff {
		t.Fatalf("expected a small backoff for attempt 1, got %v", got)
	}
}
