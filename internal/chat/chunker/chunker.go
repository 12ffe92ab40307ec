// Package chunker re-paces streamed text into display-sized chunks.
//
// Deltas arriving from the remote stream are buffered until at least
// MinChunkSize runes are available, then emitted in pieces of at most
// MaxChunkLength runes, cut at whitespace when possible. Emissions are spaced
// by Delay. Concatenating the output always yields exactly the input.
package chunker

import (
	"context"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/kandev/chatsync/internal/common/config"
)

// Options controls chunk sizes and pacing.
type Options struct {
	MinChunkSize   int
	MaxChunkLength int // <= 0 means unlimited
	Delay          time.Duration
}

// DefaultOptions returns the pacing used for live responses.
func DefaultOptions() Options {
	return Options{
		MinChunkSize:   1,
		MaxChunkLength: 10,
		Delay:          8 * time.Millisecond,
	}
}

// OptionsFromConfig maps the chunker config section.
func OptionsFromConfig(cfg config.ChunkerConfig) Options {
	return Options{
		MinChunkSize:   cfg.MinChunkSize,
		MaxChunkLength: cfg.MaxChunkLength,
		Delay:          cfg.Delay(),
	}
}

func (o Options) normalized() Options {
	if o.MinChunkSize < 1 {
		o.MinChunkSize = 1
	}
	if o.MaxChunkLength > 0 && o.MinChunkSize > o.MaxChunkLength {
		o.MinChunkSize = o.MaxChunkLength
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Chunk reads deltas from in until it is closed and emits re-sized chunks on
// the returned channel, which is closed when all input has been emitted or
// ctx is done. The output is unbuffered: nothing is produced ahead of the
// reader. Callers must drain the channel or cancel ctx.
func Chunk(ctx context.Context, in <-chan string, opts Options) <-chan string {
	opts = opts.normalized()
	out := make(chan string)

	go func() {
		defer close(out)

		limit := rate.Inf
		if opts.Delay > 0 {
			limit = rate.Every(opts.Delay)
		}
		limiter := rate.NewLimiter(limit, 1)

		emit := func(s string) bool {
			if err := limiter.Wait(ctx); err != nil {
				return false
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var buf []rune
		for {
			var (
				delta string
				ok    bool
			)
			select {
			case delta, ok = <-in:
			case <-ctx.Done():
				return
			}
			if !ok {
				break
			}
			buf = append(buf, []rune(delta)...)
			for len(buf) >= opts.MinChunkSize {
				n := splitPoint(buf, opts.MaxChunkLength)
				if !emit(string(buf[:n])) {
					return
				}
				buf = buf[n:]
			}
		}

		for len(buf) > 0 {
			n := splitPoint(buf, opts.MaxChunkLength)
			if !emit(string(buf[:n])) {
				return
			}
			buf = buf[n:]
		}
	}()

	return out
}

// ChunkString chunks a single string.
func ChunkString(ctx context.Context, s string, opts Options) <-chan string {
	in := make(chan string, 1)
	if s != "" {
		in <- s
	}
	close(in)
	return Chunk(ctx, in, opts)
}

// splitPoint returns how many runes of buf the next chunk takes. A chunk that
// has to be cut ends just after the last whitespace within the limit.
func splitPoint(buf []rune, maxLen int) int {
	if maxLen <= 0 || len(buf) <= maxLen {
		return len(buf)
	}
	for i := maxLen - 1; i > 0; i-- {
		if unicode.IsSpace(buf[i]) {
			return i + 1
		}
	}
	return maxLen
}
