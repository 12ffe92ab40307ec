package remote

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	body := ": keepalive\n" +
		"event: delta\n" +
		"data: {\"delta\":\"Hel\"}\n\n" +
		"data: line one\r\n" +
		"data: line two\r\n\r\n" +
		"event: tail\n" +
		"data: no trailing blank line"

	type got struct{ event, data string }
	var events []got
	err := readSSE(strings.NewReader(body), func(event, data string) error {
		events = append(events, got{event, data})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []got{
		{"delta", `{"delta":"Hel"}`},
		{"", "line one\nline two"},
		{"tail", "no trailing blank line"},
	}, events)
}

func TestDecodeStreamEvents(t *testing.T) {
	body := "event: delta\ndata: {\"delta\":\"a\"}\n\n" +
		"data: {\"type\":\"usage\",\"usage\":{\"totalTokens\":3},\"vendorField\":true}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"delta\":\"ignored\"}\n\n"

	var events []StreamEvent
	done, err := decodeStreamEvents(strings.NewReader(body), func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Type)
	assert.Equal(t, "a", events[0].Delta)
	assert.Equal(t, 3, events[1].Usage.TotalTokens)
	assert.Contains(t, events[1].Extra, "vendorField")
}

type brokenReader struct{ data io.Reader }

func (b *brokenReader) Read(p []byte) (int, error) {
	n, err := b.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func TestDecodeStreamEvents_ReadError(t *testing.T) {
	r := &brokenReader{data: strings.NewReader("data: {\"delta\":\"x\"}\n\ndata: {\"del")}
	var deltas []string
	_, err := decodeStreamEvents(r, func(ev StreamEvent) error {
		deltas = append(deltas, ev.Delta)
		return nil
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{"x"}, deltas)
}
