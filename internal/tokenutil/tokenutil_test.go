package tokenutil_test

import (
	"testing"

	"github.com/basket/featureloop/internal/tokenutil"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "empty", in: "", want: 0},
		{name: "single word", in: "PASS", want: 1},
		{name: "prompt line", in: "Implement feature #12: login form validates email", want: 12}, // 49 bytes / 4 beats 7 words
		{name: "stream-json", in: `{"type":"assistant","message":{"content":"ok"}}`, want: 11},
		{name: "mixed whitespace", in: "a  b\n\tc", want: 3}, // 3 words * 1.33
		{name: "CJK", in: "你好世界", want: 3}, // 12 bytes / 4
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenutil.EstimateTokens(tt.in); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestCounter(t *testing.T) {
	var c tokenutil.Counter
	if c.Total() != 0 {
		t.Fatalf("zero counter total = %d", c.Total())
	}
	lines := []string{"PASS", "a  b\n\tc", ""}
	for _, l := range lines {
		c.Add(l)
	}
	if c.Total() != 4 {
		t.Fatalf("total = %d, want 4", c.Total())
	}
}
