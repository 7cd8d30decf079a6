package audit

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ImageStore writes received payloads to a directory for later inspection.
type ImageStore struct {
	dir string
	now func() time.Time
}

// NewImageStore returns a store rooted at dir. The directory is created lazily.
func NewImageStore(dir string) *ImageStore {
	return &ImageStore{dir: dir, now: time.Now}
}

// Save writes data under a name derived from the peer address and the
// current time and returns the path. Two payloads from the same peer within
// the clock's resolution share a name; the later one wins.
func (s *ImageStore) Save(peer net.Addr, data []byte) (string, error) {
	path := filepath.Join(s.dir, FileName(peer, s.now()))
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

// FileName renders image_{ip}_{port}_{unix seconds}.jpg.
func FileName(peer net.Addr, at time.Time) string {
	host, port := splitPeer(peer)
	secs := float64(at.Unix()) + float64(at.Nanosecond())/float64(time.Second)
	return fmt.Sprintf("image_%s_%s_%s.jpg", host, port, strconv.FormatFloat(secs, 'f', -1, 64))
}

func splitPeer(peer net.Addr) (string, string) {
	if peer == nil {
		return "unknown", "0"
	}
	host, port, err := net.SplitHostPort(peer.String())
	if err != nil {
		return sanitize(peer.String()), "0"
	}
	return sanitize(host), port
}

// sanitize keeps IPv6 literals and pipe addresses usable as file names.
func sanitize(s string) string {
	return strings.NewReplacer(":", "-", "/", "-", "\\", "-", "%", "-").Replace(s)
}
