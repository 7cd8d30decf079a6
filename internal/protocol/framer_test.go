package protocol

import (
	"bytes"
	"errors"
	"testing"
)

var smallImage = []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

func request(prefix byte, img []byte) []byte {
	return append([]byte{prefix}, img...)
}

func TestFramerSplitsBackToBackRequests(t *testing.T) {
	stream := append(request(0x00, smallImage), request(0x01, smallImage)...)
	f := NewFramer(bytes.NewReader(stream), 4096, true)

	for i, wantPrefix := range []byte{0x00, 0x01} {
		prefix, err := f.ReadPrefix(1)
		if err != nil {
			t.Fatalf("request %d: prefix: %v", i, err)
		}
		if prefix[0] != wantPrefix {
			t.Fatalf("request %d: prefix %#x, want %#x", i, prefix[0], wantPrefix)
		}
		img, err := f.ReadImage()
		if err != nil {
			t.Fatalf("request %d: image: %v", i, err)
		}
		if !bytes.Equal(img, smallImage) {
			t.Fatalf("request %d: framed %x, want %x", i, img, smallImage)
		}
	}

	if _, err := f.ReadPrefix(1); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed after the last request, got %v", err)
	}
}

func TestFramerSplitMarkerAcrossReads(t *testing.T) {
	stream := append(request(0x00, smallImage), request(0x02, smallImage)...)
	// Cut between 0xFF and 0xD9 of the first image.
	r := &chunkedReader{data: stream, sizes: []int{1, 5, 8}}
	f := NewFramer(r, 4096, true)

	if _, err := f.ReadPrefix(1); err != nil {
		t.Fatalf("prefix: %v", err)
	}
	img, err := f.ReadImage()
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if !bytes.Equal(img, smallImage) {
		t.Fatalf("framed %x, want %x", img, smallImage)
	}
	if f.Buffered() != len(smallImage)+1 {
		t.Fatalf("expected the second request to be carried over, have %d bytes", f.Buffered())
	}

	prefix, err := f.ReadPrefix(1)
	if err != nil || prefix[0] != 0x02 {
		t.Fatalf("second prefix %x, err %v", prefix, err)
	}
	img, err = f.ReadImage()
	if err != nil || !bytes.Equal(img, smallImage) {
		t.Fatalf("second image %x, err %v", img, err)
	}
}

func TestFramerSingleShotKeepsTailRule(t *testing.T) {
	stream := append(request(0x00, smallImage), request(0x01, smallImage)...)
	f := NewFramer(bytes.NewReader(stream), 4096, false)

	if _, err := f.ReadPrefix(1); err != nil {
		t.Fatalf("prefix: %v", err)
	}
	img, err := f.ReadImage()
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if !bytes.Equal(img, stream[1:]) {
		t.Fatalf("single-shot framing should keep the whole read, got %x", img)
	}
	if f.Buffered() != 0 {
		t.Fatalf("single-shot framing carried %d bytes", f.Buffered())
	}
}

func TestFramerTruncatedSplitPayload(t *testing.T) {
	partial := []byte{0x00, 0xFF, 0xD8, 0x01}
	f := NewFramer(bytes.NewReader(partial), 4096, true)

	if _, err := f.ReadPrefix(1); err != nil {
		t.Fatalf("prefix: %v", err)
	}
	img, err := f.ReadImage()
	if err != nil {
		t.Fatalf("truncated payload is not an error, got %v", err)
	}
	if !bytes.Equal(img, partial[1:]) {
		t.Fatalf("framed %x, want %x", img, partial[1:])
	}
}
