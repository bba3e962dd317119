package frame

import (
	"bufio"
	"errors"
	"io"
)

// Reader reads consecutive frames from a byte stream.
type Reader struct {
	r   *bufio.Reader
	hdr [HeaderSize]byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, HeaderSize+MaxPayload)}
}

// Next reads one frame. It returns io.EOF when the stream ends on a frame
// boundary and io.ErrUnexpectedEOF when it ends inside a frame.
func (r *Reader) Next() (*Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}

	f := Parse(r.hdr[:])
	if f.Length == 0 {
		f.Payload = nil
		return f, nil
	}

	payload := make([]byte, f.Length)
	n, err := io.ReadFull(r.r, payload)
	f.Payload = payload[:n]
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return f, err
	}
	return f, nil
}
