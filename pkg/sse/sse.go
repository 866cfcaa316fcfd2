// Package sse reassembles server-sent event frames from arbitrarily
// chunked byte streams.
package sse

import (
	"bytes"
	"io"
	"iter"
	"strings"
)

// DefaultEvent labels frames that carry no event line.
const DefaultEvent = "message"

type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

var (
	frameBoundary = []byte("\n\n")
	crlf          = []byte("\r\n")
	lf            = []byte("\n")
)

// Reassembler turns chunks into complete frames. Any split of the same bytes
// into chunks yields the same frames.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk and returns every frame it completed, in order.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	r.buf = append(r.buf, chunk...)
	if bytes.Contains(r.buf, crlf) {
		r.buf = bytes.ReplaceAll(r.buf, crlf, lf)
	}
	var frames []Frame
	for {
		idx := bytes.Index(r.buf, frameBoundary)
		if idx < 0 {
			break
		}
		if f, ok := parseFrame(r.buf[:idx]); ok {
			frames = append(frames, f)
		}
		r.buf = append(r.buf[:0], r.buf[idx+len(frameBoundary):]...)
	}
	return frames
}

// Flush parses whatever is left once the source has ended.
func (r *Reassembler) Flush() []Frame {
	rest := r.buf
	r.buf = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	if f, ok := parseFrame(rest); ok {
		return []Frame{f}
	}
	return nil
}

// Pending reports how many bytes are buffered waiting for a boundary.
func (r *Reassembler) Pending() int { return len(r.buf) }

func parseFrame(block []byte) (Frame, bool) {
	f := Frame{Event: DefaultEvent}
	var data strings.Builder
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			if ev := strings.TrimSpace(line[len("event:"):]); ev != "" {
				f.Event = ev
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
		// comments, id and retry lines carry nothing for consumers
	}
	f.Data = data.String()
	if f.Data == "" {
		return Frame{}, false
	}
	return f, true
}

// Reader pulls frames from a byte source on demand. It is finite and cannot
// be restarted.
type Reader struct {
	src     io.Reader
	buf     []byte
	re      Reassembler
	pending []Frame
	err     error
}

func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, buf: make([]byte, 32*1024)}
}

// Next returns the next frame, or io.EOF once the source is exhausted. A
// read error is returned only after the frames recoverable before it.
func (r *Reader) Next() (Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.err != nil {
			return Frame{}, r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.re.Feed(r.buf[:n])...)
		}
		if err != nil {
			r.pending = append(r.pending, r.re.Flush()...)
			r.err = err
		}
	}
}

// Frames ranges over the frames of src. A non-EOF read error is yielded
// once, after every frame before it.
func Frames(src io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		rd := NewReader(src)
		for {
			f, err := rd.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
