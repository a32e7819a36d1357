// Package sse implements the text/event-stream framing used between the
// workbench backend and its clients.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// DefaultEventName is assigned to blocks that carry no event: line.
const DefaultEventName = "message"

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 2 * 1024 * 1024
)

// Event is one parsed event block.
type Event struct {
	Name string
	Data []byte
}

// Reader incrementally parses events from a stream body.
type Reader struct {
	scanner   *bufio.Scanner
	eventName string
	dataLines []string
	done      bool
}

// NewReader wraps r. Lines longer than 2MB fail the stream.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event with non-empty data. It returns io.EOF once the
// body is exhausted and any trailing block has been flushed.
func (r *Reader) Next() (Event, error) {
	for !r.done {
		if !r.scanner.Scan() {
			r.done = true
			if err := r.scanner.Err(); err != nil {
				return Event{}, err
			}
			if ev, ok := r.flush(); ok {
				return ev, nil
			}
			break
		}

		line := r.scanner.Text()
		switch {
		case line == "":
			if ev, ok := r.flush(); ok {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			r.eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			part := strings.TrimPrefix(line, "data:")
			part = strings.TrimPrefix(part, " ")
			r.dataLines = append(r.dataLines, part)
		}
	}
	return Event{}, io.EOF
}

func (r *Reader) flush() (Event, bool) {
	name, lines := r.eventName, r.dataLines
	r.eventName = ""
	r.dataLines = nil

	data := strings.Join(lines, "\n")
	if len(lines) == 0 || strings.TrimSpace(data) == "" {
		return Event{}, false
	}
	if name == "" {
		name = DefaultEventName
	}
	return Event{Name: name, Data: []byte(data)}, true
}
