// Package sigv4 verifies AWS Signature Version 4 on incoming gateway
// requests, in both the header-signed form used by SDK clients and the
// query-signed (presigned URL) form used for direct access grants.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	headerPrefix    = algorithm + " "
	unsignedPayload = "UNSIGNED-PAYLOAD"
	amzDateFormat   = "20060102T150405Z"
)

var (
	// ErrMissingAuth means the request carries no SigV4 material at all.
	ErrMissingAuth = errors.New("no signature present")

	// ErrMalformed means the signature material is present but unparseable.
	ErrMalformed = errors.New("malformed signature")

	// ErrSignatureMismatch means the recomputed signature deviates from the
	// presented one: wrong credentials, or the request does not match what
	// was signed (headers, length, method, or key).
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrExpired means a presigned grant was used after its expiry.
	ErrExpired = errors.New("grant expired")
)

// Credentials is the access key pair requests must be signed with.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// scope is the parsed credential scope of a signature.
type scope struct {
	accessKeyID string
	dateStamp   string
	region      string
	service     string
}

func parseCredential(credential string) (scope, error) {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return scope{}, fmt.Errorf("%w: credential %q", ErrMalformed, credential)
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return scope{}, fmt.Errorf("%w: credential %q", ErrMalformed, credential)
	}
	return scope{
		accessKeyID: parts[0],
		dateStamp:   parts[1],
		region:      parts[2],
		service:     parts[3],
	}, nil
}

// IsPresigned reports whether the request carries a query-string signature.
func IsPresigned(r *http.Request) bool {
	return r.URL.Query().Get("X-Amz-Signature") != ""
}

// VerifyHeader validates an Authorization-header SigV4 signature against the
// given credentials.
func VerifyHeader(r *http.Request, creds Credentials) error {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, headerPrefix) {
		return ErrMissingAuth
	}

	kv := make(map[string]string, 3)
	for _, p := range strings.Split(strings.TrimPrefix(auth, headerPrefix), ",") {
		p = strings.TrimSpace(p)
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credential, okCred := kv["Credential"]
	signedHeaders, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return fmt.Errorf("%w: incomplete authorization header", ErrMalformed)
	}

	sc, err := parseCredential(credential)
	if err != nil {
		return err
	}
	if sc.accessKeyID != creds.AccessKeyID {
		return fmt.Errorf("%w: unknown access key", ErrSignatureMismatch)
	}

	amzDate := r.Header.Get("X-Amz-Date")
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if amzDate == "" || payloadHash == "" {
		return fmt.Errorf("%w: missing x-amz-date or payload hash", ErrMalformed)
	}

	canonical := BuildCanonicalRequest(r, strings.Split(signedHeaders, ";"), r.URL.Query(), payloadHash)
	expected := sign(creds.SecretAccessKey, sc, amzDate, canonical)

	presented, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrMalformed)
	}
	if !hmac.Equal(expected, presented) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyPresigned validates a query-string SigV4 signature against the given
// credentials and evaluates the embedded expiry against now. Because the
// signed headers cover whatever the grant bound (typically host, and for
// direct uploads also content-type, content-length, and content-md5), any
// request deviating from those constraints fails with ErrSignatureMismatch.
func VerifyPresigned(r *http.Request, creds Credentials, now time.Time) error {
	q := r.URL.Query()
	if q.Get("X-Amz-Signature") == "" {
		return ErrMissingAuth
	}
	if q.Get("X-Amz-Algorithm") != algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrMalformed, q.Get("X-Amz-Algorithm"))
	}

	sc, err := parseCredential(q.Get("X-Amz-Credential"))
	if err != nil {
		return err
	}
	if sc.accessKeyID != creds.AccessKeyID {
		return fmt.Errorf("%w: unknown access key", ErrSignatureMismatch)
	}

	amzDate := q.Get("X-Amz-Date")
	issuedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return fmt.Errorf("%w: invalid X-Amz-Date %q", ErrMalformed, amzDate)
	}

	expiresSec, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
	if err != nil || expiresSec <= 0 {
		return fmt.Errorf("%w: invalid X-Amz-Expires %q", ErrMalformed, q.Get("X-Amz-Expires"))
	}
	if now.After(issuedAt.Add(time.Duration(expiresSec) * time.Second)) {
		return fmt.Errorf("%w: request signed at %s for %ds", ErrExpired, amzDate, expiresSec)
	}

	// The signature itself is computed over every query parameter except the
	// signature, with an unsigned payload.
	signedQuery := url.Values{}
	for k, vs := range q {
		if k == "X-Amz-Signature" {
			continue
		}
		signedQuery[k] = vs
	}

	signedHeaders := strings.Split(q.Get("X-Amz-SignedHeaders"), ";")
	canonical := BuildCanonicalRequest(r, signedHeaders, signedQuery, unsignedPayload)
	expected := sign(creds.SecretAccessKey, sc, amzDate, canonical)

	presented, err := hex.DecodeString(q.Get("X-Amz-Signature"))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrMalformed)
	}
	if !hmac.Equal(expected, presented) {
		return ErrSignatureMismatch
	}
	return nil
}

// sign computes the final HMAC over the string-to-sign derived from the
// canonical request.
func sign(secretKey string, sc scope, amzDate, canonicalRequest string) []byte {
	crHash := sha256.Sum256([]byte(canonicalRequest))
	credentialScope := strings.Join([]string{sc.dateStamp, sc.region, sc.service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	kDate := HmacSHA256([]byte("AWS4"+secretKey), sc.dateStamp)
	kRegion := HmacSHA256(kDate, sc.region)
	kService := HmacSHA256(kRegion, sc.service)
	kSigning := HmacSHA256(kService, "aws4_request")
	return HmacSHA256(kSigning, stringToSign)
}

// HmacSHA256 computes HMAC-SHA256 of data under key.
func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// BuildCanonicalRequest assembles the SigV4 canonical request from the
// request line, the given query values, and the signed header list.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, query url.Values, payloadHash string) string {
	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		if name := strings.ToLower(strings.TrimSpace(h)); name != "" {
			lowerNames = append(lowerNames, name)
		}
	}
	sort.Strings(lowerNames)

	var hdr strings.Builder
	for _, name := range lowerNames {
		hdr.WriteString(name)
		hdr.WriteString(":")
		hdr.WriteString(canonicalHeaderValue(signedHeaderValue(r, name)))
		hdr.WriteString("\n")
	}

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(uriEncode(r.URL.Path, false))
	b.WriteString("\n")
	b.WriteString(canonicalQueryString(query))
	b.WriteString("\n")
	b.WriteString(hdr.String())
	b.WriteString("\n")
	b.WriteString(strings.Join(lowerNames, ";"))
	b.WriteString("\n")
	b.WriteString(payloadHash)
	return b.String()
}

// signedHeaderValue resolves a signed header's value. Host and content-length
// never appear in the server-side header map, so they are read from their
// dedicated request fields.
func signedHeaderValue(r *http.Request, name string) string {
	switch name {
	case "host":
		if r.Host != "" {
			return r.Host
		}
		return r.URL.Host
	case "content-length":
		if r.ContentLength < 0 {
			return ""
		}
		return strconv.FormatInt(r.ContentLength, 10)
	default:
		return r.Header.Get(name)
	}
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(v)), " ")
}

func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}

// uriEncode applies the AWS flavor of percent-encoding. Unlike url.QueryEscape
// it encodes spaces as %20 and leaves '~' alone; slashes survive only in path
// position.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"
