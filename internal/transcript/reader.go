package transcript

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const readBufferSize = 64 << 10

// Line is one complete line read from a log.
type Line struct {
	Data []byte // without the trailing newline; nil when Oversized
	// Oversized is set when the line exceeded the size limit and was skipped.
	Oversized bool
	Size      int64 // bytes consumed including the newline
}

// LineReader reads complete newline-terminated lines from an offset.
// A trailing line without a newline is left unread so a writer still
// appending to it is never split.
type LineReader struct {
	f       *os.File
	br      *bufio.Reader
	offset  int64
	lines   int64
	maxLine int
}

// OpenAt opens path positioned at offset.
func OpenAt(path string, offset int64, maxLine int) (*LineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek %s to %d: %w", path, offset, err)
	}
	return NewLineReader(f, offset, maxLine), nil
}

// NewLineReader wraps f, whose position must already be at offset.
func NewLineReader(f *os.File, offset int64, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = 32 << 20
	}
	return &LineReader{
		f:       f,
		br:      bufio.NewReaderSize(f, readBufferSize),
		offset:  offset,
		maxLine: maxLine,
	}
}

// Next returns the next complete line, or io.EOF when only a partial line
// (or nothing) remains.
func (r *LineReader) Next() (Line, error) {
	var buf []byte
	var n int64
	oversized := false

	for {
		chunk, err := r.br.ReadSlice('\n')
		n += int64(len(chunk))
		if !oversized {
			if len(buf)+len(chunk) > r.maxLine {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			r.offset += n
			r.lines++
			if oversized {
				return Line{Oversized: true, Size: n}, nil
			}
			return Line{Data: bytes.TrimRight(buf, "\r\n"), Size: n}, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return Line{}, io.EOF
		default:
			return Line{}, err
		}
	}
}

// Offset is the byte position just after the last complete line returned.
func (r *LineReader) Offset() int64 {
	return r.offset
}

// Lines counts complete lines returned so far.
func (r *LineReader) Lines() int64 {
	return r.lines
}

// Close closes the file.
func (r *LineReader) Close() error {
	return r.f.Close()
}
