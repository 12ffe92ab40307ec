package chunker

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func feed(deltas ...string) <-chan string {
	in := make(chan string, len(deltas))
	for _, d := range deltas {
		in <- d
	}
	close(in)
	return in
}

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var chunks []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("chunker did not finish")
			return nil
		}
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	inputs := [][]string{
		{"Hello ", "world"},
		{"The ", "answer ", "is ", "42."},
		{"", "a", "", "bc"},
		{"héllo wörld ", "日本語のテキスト", " 🎉🎉 done"},
		{strings.Repeat("x", 50)},
	}
	for _, deltas := range inputs {
		want := strings.Join(deltas, "")
		for minSize := 0; minSize <= 6; minSize++ {
			for maxLen := -1; maxLen <= 12; maxLen += 3 {
				opts := Options{MinChunkSize: minSize, MaxChunkLength: maxLen}
				chunks := collect(t, Chunk(context.Background(), feed(deltas...), opts))

				assert.Equal(t, want, strings.Join(chunks, ""), "min=%d max=%d", minSize, maxLen)
				for _, c := range chunks {
					assert.NotEmpty(t, c)
					assert.True(t, utf8.ValidString(c), "chunk split a rune: %q", c)
					if maxLen > 0 {
						assert.LessOrEqual(t, utf8.RuneCountInString(c), maxLen)
					}
				}
			}
		}
	}
}

func TestChunk_PrefersWhitespace(t *testing.T) {
	chunks := collect(t, ChunkString(context.Background(), "The answer is 42.", Options{MaxChunkLength: 8}))
	assert.Equal(t, []string{"The ", "answer ", "is 42."}, chunks)
}

func TestChunk_WaitsForMinimum(t *testing.T) {
	in := make(chan string)
	out := Chunk(context.Background(), in, Options{MinChunkSize: 5, MaxChunkLength: 100})

	in <- "ab"
	select {
	case c := <-out:
		t.Fatalf("emitted %q before reaching the minimum", c)
	case <-time.After(30 * time.Millisecond):
	}

	in <- "cde"
	assert.Equal(t, "abcde", <-out)
	in <- "f"
	close(in)
	assert.Equal(t, "f", <-out)
	_, ok := <-out
	assert.False(t, ok)
}

func TestChunk_Delay(t *testing.T) {
	start := time.Now()
	chunks := collect(t, ChunkString(context.Background(), "aaaa", Options{MaxChunkLength: 1, Delay: 20 * time.Millisecond}))
	require.Len(t, chunks, 4)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestChunk_CancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan string)
	out := Chunk(ctx, in, Options{})

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output not closed after cancel")
	}
}

func TestChunkString_Empty(t *testing.T) {
	assert.Empty(t, collect(t, ChunkString(context.Background(), "", DefaultOptions())))
}
