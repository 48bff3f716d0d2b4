// Package linescan reads newline-delimited text with a line size limit
// that truncates instead of failing.
package linescan

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

// Scanner reads lines from a reader. Unlike bufio.Scanner, a line longer
// than the limit does not stop the scan: its leading bytes are returned and
// Oversized reports true, and the rest of the line is discarded.
type Scanner struct {
	r         *bufio.Reader
	max       int
	buf       []byte
	line      string
	oversized bool
	err       error
}

// New creates a Scanner. maxLineSize <= 0 selects DefaultMaxLineSize.
func New(r io.Reader, maxLineSize int) *Scanner {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	return &Scanner{
		r:   bufio.NewReaderSize(r, min(maxLineSize+2, 64*1024)),
		max: maxLineSize,
	}
}

// Scan advances to the next line. It returns false at end of input or on
// a read error.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	s.buf = s.buf[:0]
	s.oversized = false
	for {
		chunk, err := s.r.ReadSlice('\n')
		// Keep room for a CRLF terminator beyond the content limit.
		if room := s.max + 2 - len(s.buf); len(chunk) > room {
			if room > 0 {
				s.buf = append(s.buf, chunk[:room]...)
			}
			s.oversized = true
		} else {
			s.buf = append(s.buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			s.err = err
			if len(s.buf) == 0 && !s.oversized {
				return false
			}
		}
		line := strings.TrimRight(string(s.buf), "\r\n")
		if len(line) > s.max {
			line = line[:s.max]
			s.oversized = true
		}
		s.line = line
		return true
	}
}

// Line returns the most recent line without its line terminator.
func (s *Scanner) Line() string { return s.line }

// Oversized reports whether the most recent line was truncated.
func (s *Scanner) Oversized() bool { return s.oversized }

// Err returns the first non-EOF read error.
func (s *Scanner) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}
