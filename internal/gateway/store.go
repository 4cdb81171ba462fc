package gateway

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// payloadStore keeps object payloads on the local filesystem under a
// content-addressed layout rooted at dataDir/payloads. Payloads are addressed
// by their full SHA-256 hexadecimal hash, with the first two characters used
// as a subdirectory prefix, so identical content is stored once regardless of
// how many keys reference it.
type payloadStore struct {
	root string
}

func newPayloadStore(dataDir string) *payloadStore {
	return &payloadStore{root: filepath.Join(dataDir, "payloads")}
}

func (s *payloadStore) path(hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(s.root, hashHex[:2], hashHex), nil
}

// putFile moves an already-written temp file into the content-addressed
// layout, avoiding a second pass over the payload.
func (s *payloadStore) putFile(hashHex string, tempPath string) error {
	p, err := s.path(hashHex)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return os.Remove(tempPath)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tempPath, p); err == nil {
		return nil
	}
	// Rename can fail across filesystems; fall back to a copy.
	src, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// open returns a reader over the payload identified by hashHex.
func (s *payloadStore) open(hashHex string) (*os.File, error) {
	p, err := s.path(hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}
