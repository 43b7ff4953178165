// Package sse implements the SSE ingest adapter (§4.C): turns a byte
// stream into an iterator of server-sent events, tolerant of chunks split
// mid-frame, CRLF vs LF line endings, comment lines, and events whose data
// spans multiple `data:` fields.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one dispatched SSE event: its `data:` field, with any
// multi-line data joined by newlines per the SSE spec.
type Event struct {
	Data string
}

// Reader incrementally parses an io.Reader as an SSE byte stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for SSE decoding. r is read incrementally; partial
// reads (a chunk ending mid-line) are buffered until a full line arrives.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next non-empty dispatched event, skipping comment
// lines and coalescing blank-line-terminated empty events. It returns
// io.EOF when the underlying stream ends with no further events.
func (r *Reader) Next() (Event, error) {
	var dataLines []string

	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A stream that ends mid-event with accumulated data still
				// dispatches that event; the transformer treats EOF itself
				// as the provider-signaled end of stream.
				if len(dataLines) > 0 {
					return Event{Data: strings.Join(dataLines, "\n")}, nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		switch {
		case line == "":
			// Blank line: dispatch boundary. Ignore empty events (no data
			// accumulated) and keep reading for the next real event.
			if len(dataLines) > 0 {
				return Event{Data: strings.Join(dataLines, "\n")}, nil
			}
			continue
		case strings.HasPrefix(line, ":"):
			// Comment line (e.g. ":keepalive"); never part of event data.
			continue
		case strings.HasPrefix(line, "data:"):
			field := strings.TrimPrefix(line, "data:")
			field = strings.TrimPrefix(field, " ")
			dataLines = append(dataLines, field)
		default:
			// Other SSE fields (event:, id:, retry:) are not part of this
			// adapter's contract; the gateway only ever forwards data.
		}
	}
}

// readLine returns the next logical line with leading and trailing
// whitespace (including the CR/LF terminator) stripped, tolerant of both
// CRLF and bare LF terminators and of whitespace noise some providers
// insert between frames.
func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				return "", io.EOF
			}
			return trimmed, nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
