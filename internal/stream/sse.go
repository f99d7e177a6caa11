// Package stream implements the Streaming Transformers (§4.8): line-oriented
// SSE scanning that survives arbitrary TCP chunk boundaries, SSE event
// writing and stream-error classification. Re-framing into each
// client-facing surface's shape lives in dispatch.StreamTransformer.
package stream

import (
	"bufio"
	"io"
	"strings"
)

// Scanner reads Server-Sent Events line by line, buffering across chunk
// boundaries the way the teacher's SSEScanner does; only the buffer sizing
// is shared, the event model below is new.
type Scanner struct {
	scanner *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256*1024), 4*1024*1024) // vendor payloads can carry large image/tool blobs
	return &Scanner{scanner: s}
}

func (s *Scanner) Scan() bool   { return s.scanner.Scan() }
func (s *Scanner) Text() string { return s.scanner.Text() }
func (s *Scanner) Err() error   { return s.scanner.Err() }

// Event is one parsed SSE frame: an optional event name, an optional id, and
// a data payload (lines after "data:" joined by "\n" per the SSE spec).
type Event struct {
	Name string
	ID   string
	Data string
}

// ReadEvents consumes r and delivers each parsed Event to emit, stopping at
// EOF or on the first error from emit.
func ReadEvents(r io.Reader, emit func(Event) error) error {
	sc := NewScanner(r)
	var cur Event
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 && cur.Name == "" && cur.ID == "" {
			return nil
		}
		cur.Data = strings.Join(dataLines, "\n")
		err := emit(cur)
		cur = Event{}
		dataLines = nil
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignored
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

// WriteEvent re-frames an Event onto w in wire SSE format.
func WriteEvent(w io.Writer, ev Event) error {
	var b strings.Builder
	if ev.Name != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Name)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}
