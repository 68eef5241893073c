package marketrest

import "testing"

func TestToLevelsSkipsMalformedEntries(t *testing.T) {
	levels := toLevels([]depthLevel{
		{"100", "1"},
		{"bad", "1"},
		{"101", "bad"},
		{"102", "2"},
	})
	if len(levels) != 2 {
		t.Fatalf("expected malformed entries skipped, got %d levels", len(levels))
	}
	if !levels[0].Price.Equal(levels[0].Price) {
		t.Fatalf("sanity check failed")
	}
}

func TestNewClientConfiguresRateLimit(t *testing.T) {
	c := NewClient("https://example.invalid", 5, 1)
	if c.rl == nil {
		t.Fatalf("expected rate limiter to be configured")
	}
}
