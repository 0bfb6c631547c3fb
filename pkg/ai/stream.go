package ai

import (
	"bufio"
	"io"
	"strings"
)

// Stream yields generated text incrementally. Recv blocks for the next
// chunk and returns io.EOF when generation finishes. Close releases the
// underlying connection and is safe to call at any point, including before
// the stream is drained.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	// decode inspects one transport line and returns the text chunk it
	// carries, whether the stream is finished, and whether the line carried
	// anything at all. Malformed lines report ok=false and are skipped.
	decode func(line string) (chunk string, done bool, ok bool)
	err    error
}

// maxStreamLineSize bounds a single transport frame.
const maxStreamLineSize = 1024 * 1024

func newStream(body io.ReadCloser, decode func(string) (string, bool, bool)) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)
	return &Stream{body: body, scanner: scanner, decode: decode}
}

// Recv returns the next non-empty text chunk. Lines that do not decode are
// skipped rather than failing the stream.
func (s *Stream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		chunk, done, ok := s.decode(line)
		if !ok {
			continue
		}
		if done {
			s.err = io.EOF
			return "", io.EOF
		}
		if chunk == "" {
			continue
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		s.err = err
		return "", err
	}
	s.err = io.EOF
	return "", io.EOF
}

// Close shuts the stream down. Further Recv calls return io.EOF.
func (s *Stream) Close() error {
	if s.err == nil {
		s.err = io.EOF
	}
	return s.body.Close()
}
