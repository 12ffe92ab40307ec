package remote

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errStreamDone stops the reader after a terminal event.
var errStreamDone = errors.New("stream done")

// readSSE parses a text/event-stream body, calling onEvent once per event with
// its name and joined data lines. A final event without a trailing blank
// line is still delivered. Read errors other than EOF are returned as is.
func readSSE(r io.Reader, onEvent func(event, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines = nil
		eventName = ""
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
		}

		if eof {
			return flush()
		}
	}
}

// decodeStreamEvents adapts readSSE to typed events. A "[DONE]" sentinel or
// a done event ends the stream.
func decodeStreamEvents(r io.Reader, onEvent func(StreamEvent) error) (bool, error) {
	done := false
	err := readSSE(r, func(name, data string) error {
		if strings.TrimSpace(data) == "[DONE]" {
			done = true
			return errStreamDone
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if ev.Type == "" {
			ev.Type = name
		}
		if ev.Type == "" {
			ev.Type = EventDelta
		}
		if err := onEvent(ev); err != nil {
			return err
		}
		if ev.Type == EventDone {
			done = true
			return errStreamDone
		}
		return nil
	})
	if errors.Is(err, errStreamDone) {
		return true, nil
	}
	return done, err
}
