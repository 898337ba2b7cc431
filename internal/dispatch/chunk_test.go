package dispatch

import (
	"strings"
	"testing"
)

func TestChunkTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := chunkText("hello\nworld", 100)
	if len(got) != 1 || got[0] != "hello\nworld" {
		t.Fatalf("chunkText = %q", got)
	}
}

func TestChunkTextRepeatsHeader(t *testing.T) {
	t.Parallel()
	text := "Daily digest\n" + strings.Repeat("item one two three\n", 20)
	chunks := chunkText(text, 120)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if i == 0 {
			if !strings.HasPrefix(c, "Daily digest\n") {
				t.Fatalf("chunk 0 lost its header: %q", c)
			}
			continue
		}
		if !strings.HasPrefix(c, "Daily digest\n") {
			t.Fatalf("chunk %d missing repeated header: %q", i, c)
		}
	}
}

func TestChunkTextBudgetRespected(t *testing.T) {
	t.Parallel()
	text := "hdr\n" + strings.Repeat("word ", 500)
	for _, max := range []int{50, 120, 300} {
		for i, c := range chunkText(text, max) {
			if n := len([]rune(c)); n > max {
				t.Fatalf("max=%d chunk %d has %d runes", max, i, n)
			}
		}
	}
}

func TestChunkTextRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		max  int
	}{
		{name: "newline splits", text: "title\n" + strings.Repeat("line of text\n", 40), max: 80},
		{name: "space splits", text: "title\n" + strings.Repeat("word ", 200), max: 90},
		{name: "hard cuts", text: "t\n" + strings.Repeat("x", 500), max: 60},
		{name: "unicode", text: "заголовок\n" + strings.Repeat("текст сообщения ", 60), max: 70},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkText(tt.text, tt.max)
			if len(chunks) < 2 {
				t.Fatalf("test needs multiple chunks, got %d", len(chunks))
			}
			if got := reassemble(chunks, firstLine(tt.text)); got != tt.text {
				t.Fatalf("round trip mismatch:\n got %q\nwant %q", got, tt.text)
			}
		})
	}
}

func TestChunkTextDegenerateHeader(t *testing.T) {
	t.Parallel()
	// First line alone exceeds the budget; the header must not be repeated
	// or no continuation chunk could carry content.
	text := strings.Repeat("h", 100) + "\n" + strings.Repeat("body ", 50)
	chunks := chunkText(text, 80)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 80 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	if got := reassemble(chunks, ""); got != text {
		t.Fatal("degenerate round trip mismatch")
	}
}

func TestSplitPointPrefersNewline(t *testing.T) {
	t.Parallel()
	runes := []rune("abc def\nghi jkl")
	cut := splitPoint(runes, 10)
	if cut != 8 { // after the newline
		t.Fatalf("cut = %d, want 8", cut)
	}
	runes = []rune("abc def ghi jkl")
	cut = splitPoint(runes, 10)
	if cut != 8 { // after the second space
		t.Fatalf("cut = %d, want 8", cut)
	}
	runes = []rune("abcdefghijkl")
	if cut = splitPoint(runes, 5); cut != 5 {
		t.Fatalf("hard cut = %d, want 5", cut)
	}
}
