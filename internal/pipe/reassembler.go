// Package pipe turns raw pipe chunks from an external process into
// complete text lines.
package pipe

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrNonASCII is returned when a chunk carries a byte outside the ASCII range.
// The report protocol is plain ASCII text, so this is fatal for the stream.
var ErrNonASCII = errors.New("pipe: non-ASCII byte in stream")

// Stream tags the file descriptor a chunk was read from.
type Stream int

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("fd%d", int(s))
}

// Reassembler holds at most one unterminated fragment carried over between
// stdout chunks. It is not safe for concurrent use.
type Reassembler struct {
	frag []byte
}

// Feed consumes one chunk and returns the complete lines it finishes, with
// the newline and trailing whitespace stripped.
//
// Stderr chunks are never buffered: the whole chunk comes back as a single
// diagnostic string for logging.
func (r *Reassembler) Feed(stream Stream, chunk []byte) ([]string, error) {
	if err := checkASCII(chunk); err != nil {
		return nil, err
	}

	if stream != Stdout {
		text := strings.TrimRight(string(chunk), "\r\n")
		if text == "" {
			return nil, nil
		}
		return []string{text}, nil
	}

	if len(chunk) == 0 {
		return nil, nil
	}

	buf := chunk
	if len(r.frag) > 0 {
		buf = make([]byte, 0, len(r.frag)+len(chunk))
		buf = append(buf, r.frag...)
		buf = append(buf, chunk...)
	}

	pos := bytes.LastIndexByte(buf, '\n')
	if pos < 0 {
		r.frag = append(r.frag[:0:0], buf...)
		return nil, nil
	}

	if pos+1 < len(buf) {
		r.frag = append(r.frag[:0:0], buf[pos+1:]...)
	} else {
		r.frag = nil
	}

	raw := bytes.Split(buf[:pos], []byte{'\n'})
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = strings.TrimRight(string(l), " \t\r")
	}
	return lines, nil
}

// Remainder returns the unterminated fragment still held, if any.
func (r *Reassembler) Remainder() string {
	return string(r.frag)
}

func checkASCII(chunk []byte) error {
	for i, b := range chunk {
		if b >= 0x80 {
			return fmt.Errorf("%w: 0x%02x at offset %d", ErrNonASCII, b, i)
		}
	}
	return nil
}
