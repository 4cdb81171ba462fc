package strand

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
)

// md5DigestLength is the raw byte length of an MD5 digest.
const md5DigestLength = 16

// ComputeMD5 reads r to EOF and returns the base64-encoded MD5 digest of its
// contents along with the number of bytes read. This is the digest format the
// backend expects in the Content-MD5 header.
func ComputeMD5(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("compute md5: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), n, nil
}

// MD5Sum returns the base64-encoded MD5 digest of data.
func MD5Sum(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ValidateMD5 checks that checksum is a well-formed base64 MD5 digest. A
// digest that cannot decode to 16 bytes can never match any content, so it is
// reported as an integrity mismatch before any bytes are transferred.
func ValidateMD5(checksum string) error {
	if checksum == "" {
		return fmt.Errorf("%w: missing checksum", ErrIntegrityMismatch)
	}
	raw, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return fmt.Errorf("%w: malformed base64 checksum: %v", ErrIntegrityMismatch, err)
	}
	if len(raw) != md5DigestLength {
		return fmt.Errorf("%w: checksum decodes to %d bytes, want %d", ErrIntegrityMismatch, len(raw), md5DigestLength)
	}
	return nil
}
