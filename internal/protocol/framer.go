package protocol

import (
	"bytes"
	"errors"
	"io"
)

// Framer reads consecutive requests from one stream.
//
// In single-shot mode it frames exactly like ReadImage. With split enabled the
// frame ends at the first EndOfImage found in newly read data and the bytes
// after it are kept for the next request, so requests written back to back on
// a kept-alive connection are served one by one.
type Framer struct {
	r       io.Reader
	chunk   []byte
	pending []byte
	split   bool
}

// NewFramer wraps r. chunkSize bounds a single read from r.
func NewFramer(r io.Reader, chunkSize int, split bool) *Framer {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &Framer{r: r, chunk: make([]byte, chunkSize), split: split}
}

// Read serves carried-over bytes before reading from the stream.
func (f *Framer) Read(p []byte) (int, error) {
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		return n, nil
	}
	return f.r.Read(p)
}

// Buffered reports how many bytes of a following request are already held.
func (f *Framer) Buffered() int {
	return len(f.pending)
}

// ReadPrefix consumes the leading bytes of the next request.
func (f *Framer) ReadPrefix(size int) ([]byte, error) {
	return ReadPrefix(f, size)
}

// ReadImage returns the image of the current request.
func (f *Framer) ReadImage() ([]byte, error) {
	if !f.split {
		return ReadImage(f, len(f.chunk))
	}

	var buf []byte
	for {
		n, err := f.Read(f.chunk)
		if n > 0 {
			// Start one byte back so a marker split across reads is found.
			from := len(buf) - (len(EndOfImage) - 1)
			if from < 0 {
				from = 0
			}
			buf = append(buf, f.chunk[:n]...)
			if i := bytes.Index(buf[from:], EndOfImage); i >= 0 {
				end := from + i + len(EndOfImage)
				rest := append([]byte(nil), buf[end:]...)
				f.pending = append(rest, f.pending...)
				return buf[:end], nil
			}
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}
