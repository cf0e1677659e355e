package protocol

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLineBytes caps a single frame. Longer lines are skipped up to
// their delimiter instead of aborting the stream.
const DefaultMaxLineBytes = 1024 * 1024

var (
	ErrLineTooLong  = errors.New("frame exceeds maximum line length")
	ErrUnterminated = errors.New("unterminated frame at end of stream")
)

// DropFunc observes a discarded line. line is only valid for the duration
// of the call and is nil for overlong lines.
type DropFunc func(line []byte, err error)

type DecoderOption func(*Decoder)

func WithMaxLineBytes(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

func WithDropHook(fn DropFunc) DecoderOption {
	return func(d *Decoder) {
		d.onDrop = fn
	}
}

// Decoder reads newline delimited envelopes from a byte stream. Each call to
// Next resumes where the previous one stopped.
type Decoder struct {
	r       *bufio.Reader
	buf     []byte
	maxLine int
	onDrop  DropFunc
}

func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:       bufio.NewReaderSize(r, 4096),
		maxLine: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next well-formed envelope. Malformed and overlong lines
// are reported to the drop hook and skipped. It returns io.EOF at the clean
// end of the stream and the read error otherwise.
func (d *Decoder) Next() (Envelope, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				d.drop(nil, err)
				continue
			}
			return Envelope{}, err
		}

		env, err := ParseLine(line)
		if err != nil {
			d.drop(line, err)
			continue
		}
		return env, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	d.buf = d.buf[:0]
	tooLong := false

	for {
		chunk, err := d.r.ReadSlice('\n')

		if !tooLong {
			n := len(d.buf) + len(chunk)
			if err == nil {
				n--
			}
			if n > d.maxLine {
				tooLong = true
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return d.buf[:len(d.buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if len(d.buf) > 0 || tooLong {
				d.drop(d.buf, ErrUnterminated)
			}
			return nil, err
		}
	}
}

func (d *Decoder) drop(line []byte, err error) {
	if d.onDrop != nil {
		d.onDrop(line, err)
	}
}
