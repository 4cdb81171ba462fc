package strand

import (
	"fmt"
	"strings"
)

// Disposition selects how clients should render a downloaded object.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// userMetaPrefix is the backend header prefix for caller-defined metadata.
const userMetaPrefix = "x-amz-meta-"

// Metadata describes the attributes attached to a stored object. Filename is
// a display name, distinct from the object key. Custom holds caller-defined
// key/value pairs; key case is a backend property, and the service normalizes
// keys to lower case on read.
type Metadata struct {
	ContentType string
	Disposition Disposition
	Filename    string
	Custom      map[string]string
}

// EncodeContentDisposition renders a Content-Disposition header value with
// both the plain-ASCII filename parameter and the RFC 5987 extended parameter
// so that non-ASCII filenames survive transport:
//
//	attachment; filename="cool_data.txt"; filename*=UTF-8''cool_data.txt
func EncodeContentDisposition(disposition Disposition, filename string) string {
	if disposition == "" {
		disposition = DispositionInline
	}
	if filename == "" {
		return string(disposition)
	}
	return fmt.Sprintf("%s; filename=\"%s\"; filename*=UTF-8''%s",
		disposition, asciiFilename(filename), encodeRFC5987(filename))
}

// DecodeContentDisposition parses a header value produced by
// EncodeContentDisposition (or any standards-shaped equivalent). The extended
// filename* parameter wins over the plain one when both are present.
func DecodeContentDisposition(value string) (Disposition, string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", nil
	}

	parts := strings.Split(value, ";")
	var disposition Disposition
	switch strings.ToLower(strings.TrimSpace(parts[0])) {
	case string(DispositionInline):
		disposition = DispositionInline
	case string(DispositionAttachment):
		disposition = DispositionAttachment
	default:
		return "", "", fmt.Errorf("%w: unknown disposition %q", ErrInvalidMetadata, parts[0])
	}

	var plain, extended string
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(strings.ToLower(part), "filename*="):
			v := part[len("filename*="):]
			decoded, err := decodeRFC5987(v)
			if err != nil {
				return "", "", err
			}
			extended = decoded
		case strings.HasPrefix(strings.ToLower(part), "filename="):
			plain = unquoteFilename(part[len("filename="):])
		}
	}

	filename := extended
	if filename == "" {
		filename = plain
	}
	return disposition, filename, nil
}

// asciiFilename produces the plain filename parameter: quotes and backslashes
// are escaped, and any byte outside printable ASCII is replaced with '?'.
func asciiFilename(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20 || r > 0x7e:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unquoteFilename(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && strings.HasPrefix(v, "\"") && strings.HasSuffix(v, "\"") {
		v = v[1 : len(v)-1]
	}
	v = strings.ReplaceAll(v, "\\\"", "\"")
	v = strings.ReplaceAll(v, "\\\\", "\\")
	return v
}

// isRFC5987AttrChar reports whether c may appear unescaped in an RFC 5987
// extended parameter value.
func isRFC5987AttrChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '!', '#', '$', '&', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

const upperHex = "0123456789ABCDEF"

func encodeRFC5987(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isRFC5987AttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0xf])
	}
	return b.String()
}

func decodeRFC5987(v string) (string, error) {
	const prefix = "UTF-8''"
	if !strings.HasPrefix(strings.ToUpper(v), prefix) {
		return "", fmt.Errorf("%w: extended filename missing UTF-8 charset prefix", ErrInvalidMetadata)
	}
	v = v[len(prefix):]

	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(v) {
			return "", fmt.Errorf("%w: truncated percent escape in extended filename", ErrInvalidMetadata)
		}
		hi, okHi := unhex(v[i+1])
		lo, okLo := unhex(v[i+2])
		if !okHi || !okLo {
			return "", fmt.Errorf("%w: invalid percent escape %q in extended filename", ErrInvalidMetadata, v[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// decodeUserMetadata lowercases backend user-metadata keys. The wire protocol
// canonicalizes header names, so the case that comes back is not the case
// that went in; lower case gives callers a stable view.
func decodeUserMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[strings.ToLower(k)] = v
	}
	return out
}
