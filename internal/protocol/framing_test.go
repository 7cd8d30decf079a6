package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

// chunkedReader returns the data in reads of the given sizes, then EOF.
type chunkedReader struct {
	data  []byte
	sizes []int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := len(c.data)
	if len(c.sizes) > 0 {
		n = c.sizes[0]
		c.sizes = c.sizes[1:]
		if n > len(c.data) {
			n = len(c.data)
		}
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

// trailingGuard fails the test if the framer asks for more data once the
// payload has been fully delivered.
type trailingGuard struct {
	r *chunkedReader
	t *testing.T
}

func (g *trailingGuard) Read(p []byte) (int, error) {
	if len(g.r.data) == 0 {
		g.t.Fatal("read past the end-of-image marker")
	}
	return g.r.Read(p)
}

func samplePayload() []byte {
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	for i := 0; i < 10000; i++ {
		payload = append(payload, byte(i%251))
	}
	return append(payload, EndOfImage...)
}

func TestReadPrefix(t *testing.T) {
	prefix, err := ReadPrefix(bytes.NewReader([]byte{0x07, 0x01}), 1)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !bytes.Equal(prefix, []byte{0x07}) {
		t.Fatalf("unexpected prefix: %x", prefix)
	}
}

func TestReadPrefixPeerClosed(t *testing.T) {
	if _, err := ReadPrefix(bytes.NewReader(nil), 1); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestReadPrefixConsumesSizeBytes(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0xAA, 0xBB})
	if _, err := ReadPrefix(r, 1); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 bytes left, got %d", r.Len())
	}

	r = bytes.NewReader([]byte{0x00, 0xAA, 0xBB})
	prefix, err := ReadPrefix(iotest.OneByteReader(r), 2)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !bytes.Equal(prefix, []byte{0x00, 0xAA}) || r.Len() != 1 {
		t.Fatalf("unexpected prefix %x with %d bytes left", prefix, r.Len())
	}
}

func TestReadPrefixShortIsAnError(t *testing.T) {
	prefix, err := ReadPrefix(bytes.NewReader([]byte{0x01}), 2)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	if len(prefix) != 1 {
		t.Fatalf("expected the partial prefix, got %x", prefix)
	}
}

func TestReadPrefixZeroSize(t *testing.T) {
	r := bytes.NewReader([]byte{0x01})
	if _, err := ReadPrefix(r, 0); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("zero-size prefix consumed data")
	}
}

func TestReadImageStopsAtMarker(t *testing.T) {
	payload := samplePayload()
	// The server must not read past the marker: the peer is waiting for a reply.
	pr, pw := io.Pipe()
	go func() {
		pw.Write(payload)
	}()
	defer pw.Close()

	got, err := ReadImage(pr, 4096)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("framed %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadImageChunkIndependence(t *testing.T) {
	payload := samplePayload()
	splits := [][]int{
		nil,
		{1},
		{1, 1, 1, 1},
		{4095, 1, 4096},
		{len(payload) - 1, 1},
		{len(payload) - 2, 1, 1},
		{7, 13, 4096, 3, 999, 2},
	}

	for _, sizes := range splits {
		r := &trailingGuard{r: &chunkedReader{data: append([]byte(nil), payload...), sizes: append([]int(nil), sizes...)}, t: t}
		got, err := ReadImage(r, 4096)
		if err != nil {
			t.Fatalf("sizes %v: unexpected error: %v", sizes, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("sizes %v: framed %d bytes, want %d", sizes, len(got), len(payload))
		}
	}
}

func TestReadImageSmallChunkSize(t *testing.T) {
	payload := samplePayload()
	got, err := ReadImage(iotest.OneByteReader(bytes.NewReader(payload)), 3)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("framed %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadImageTruncatedPayload(t *testing.T) {
	partial := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03}
	got, err := ReadImage(bytes.NewReader(partial), 4096)
	if err != nil {
		t.Fatalf("truncated payload is not an error, got %v", err)
	}
	if !bytes.Equal(got, partial) {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestReadImageEmptyAfterPrefix(t *testing.T) {
	got, err := ReadImage(bytes.NewReader(nil), 4096)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestReadImageTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := ReadImage(iotest.ErrReader(boom), 4096)
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestReadImageDataWithMarkerReturnedByEOF(t *testing.T) {
	data := []byte{0x01, 0xFF, 0xD9}
	got, err := ReadImage(iotest.DataErrReader(bytes.NewReader(data)), 4096)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("unexpected payload: %v", got)
	}
}
