// Package protocol implements the wire format of the classification socket:
// a leading prefix byte, a JPEG stream delimited by its end-of-image marker,
// and a short ASCII verdict.
package protocol

import (
	"bytes"
	"errors"
	"io"
)

// EndOfImage is the JPEG EOI marker that terminates an image payload.
var EndOfImage = []byte{0xFF, 0xD9}

// ErrPeerClosed is returned when the peer closes before sending the prefix byte.
var ErrPeerClosed = errors.New("peer closed before sending data")

// ReadPrefix consumes the size leading bytes of a request. Their value carries
// no meaning and is returned only for logging. A peer that closes before the
// first byte yields ErrPeerClosed; on other errors the bytes read so far are
// returned with the error.
func ReadPrefix(r io.Reader, size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	prefix := make([]byte, size)
	n, err := io.ReadFull(r, prefix)
	switch {
	case err == nil:
		return prefix, nil
	case errors.Is(err, io.EOF):
		return nil, ErrPeerClosed
	default:
		return prefix[:n], err
	}
}

// ReadImage accumulates reads of at most chunkSize bytes until the buffer ends
// with EndOfImage or the peer closes the stream. A stream cut short by the peer
// is returned as-is; only transport failures are reported as errors.
//
// The marker is checked against the tail of the whole buffer after every read,
// so a payload whose last bytes happen to be split across reads is still
// detected. An EOI sequence inside the payload ends the frame only when a read
// happens to stop right after it.
func ReadImage(r io.Reader, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	var buf []byte
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.HasSuffix(buf, EndOfImage) {
				return buf, nil
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
