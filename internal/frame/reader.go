package frame

import (
	"errors"
	"fmt"
	"io"
)

// Reader reads one frame per call from an underlying stream. It never
// consumes bytes beyond the end of the frame it returns, so it must be the
// only reader of that stream.
type Reader struct {
	r      io.Reader
	format Format
	limit  int
	offset int64
}

// NewReader returns a Reader for r. A limit of zero selects DefaultLimit.
func NewReader(r io.Reader, f Format, limit int) *Reader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Reader{r: r, format: f, limit: limit}
}

// Offset returns the number of stream bytes consumed by complete frames.
func (r *Reader) Offset() int64 { return r.offset }

// Next blocks until a full frame is available and returns it. It returns
// io.EOF when the stream ends cleanly on a frame boundary, ErrTruncated
// when it ends inside a frame, and the underlying error otherwise.
func (r *Reader) Next() (Frame, error) {
	buf := make([]byte, 0, r.format.HeaderLen(nil))
	for {
		need := r.format.HeaderLen(buf)
		if len(buf) >= need {
			break
		}
		start := len(buf)
		buf = append(buf, make([]byte, need-start)...)
		if err := r.fill(buf[start:], start == 0); err != nil {
			return nil, err
		}
	}

	n, err := r.format.PayloadLen(buf)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > r.limit-len(buf) {
		return nil, fmt.Errorf("%w: %d payload bytes, limit %d", ErrFrameTooLarge, n, r.limit)
	}

	hdr := len(buf)
	f := make(Frame, hdr+n)
	copy(f, buf)
	if n > 0 {
		if err := r.fill(f[hdr:], false); err != nil {
			return nil, err
		}
	}
	r.offset += int64(len(f))
	return f, nil
}

// fill reads exactly len(p) bytes. A clean end of stream is only reported
// as io.EOF when nothing of the current frame has been read yet.
func (r *Reader) fill(p []byte, atBoundary bool) error {
	n, err := io.ReadFull(r.r, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && n == 0 && atBoundary {
		return io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w at offset %d", ErrTruncated, r.offset)
	}
	return err
}
