// Package sse is a small server-sent-events reader/writer shared by the
// SSE-based streaming dialects (bedrock streams AWS eventstream frames
// instead), ported from
// _examples/original_source/src/utils/sse.rs's line-buffering "data:"
// accumulator: multiple consecutive "data:" lines join with "\n" into one
// event, a blank line or EOF flushes the buffer, and a lone "[DONE]" event
// ends the stream without being yielded.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Reader yields one SSE "data:" payload per Next call.
type Reader struct {
	scanner *bufio.Scanner
	buf     strings.Builder
	done    bool
}

// NewReader wraps r as an SSE data-line reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next accumulated data payload, or io.EOF when the
// stream has ended (either by a "[DONE]" event or the underlying reader
// closing).
func (r *Reader) Next() (string, error) {
	if r.done {
		return "", io.EOF
	}
	r.buf.Reset()

	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return "", err
			}
			r.done = true
			if r.buf.Len() == 0 {
				return "", io.EOF
			}
			return r.buf.String(), nil
		}

		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if r.buf.Len() == 0 {
				continue
			}
			data := r.buf.String()
			if data == "[DONE]" {
				r.done = true
				return "", io.EOF
			}
			return data, nil
		}

		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			rest = strings.TrimPrefix(rest, " ")
			if r.buf.Len() > 0 {
				r.buf.WriteByte('\n')
			}
			r.buf.WriteString(rest)
		}
	}
}

// Writer renders SSE "data:" events.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as an SSE event writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent writes data as one SSE event, splitting embedded newlines
// into multiple "data:" lines per the SSE wire format.
func (w *Writer) WriteEvent(data string) error {
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w.w, "\n")
	return err
}

// WriteDone writes the OpenAI-style "[DONE]" terminator event.
func (w *Writer) WriteDone() error {
	return w.WriteEvent("[DONE]")
}

// Flusher is implemented by http.ResponseWriter; FlushIfPossible calls it
// when w.w supports it, so streamed chunks reach the client promptly.
type Flusher interface {
	Flush()
}

// FlushIfPossible flushes w's underlying writer if it implements Flusher.
func (w *Writer) FlushIfPossible() {
	if f, ok := w.w.(Flusher); ok {
		f.Flush()
	}
}
