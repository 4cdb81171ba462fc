package gateway_test

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"strand/internal/gateway"
	"strand/internal/sigv4"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "strandadmin"
	SecretAccessKey = "strandadmin"
	TestBucket      = "test-bucket"
	ShareAccess     = "public-share-token"
)

// NewTestServer creates a gateway backed by temporary filesystem and SQLite
// DB and returns it along with an httptest.Server wrapping its handler.
func NewTestServer(t *testing.T, mutate func(*gateway.Config)) (*gateway.Server, *httptest.Server) {
	t.Helper()

	cfg := gateway.Config{
		DataDir:         t.TempDir(),
		AccessKeyID:     AccessKeyID,
		SecretAccessKey: SecretAccessKey,
		LinkShareAccess: ShareAccess,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := gateway.NewServer(t.Context(), cfg)
	require.NoError(t, err, "NewServer error")
	require.NoError(t, srv.CreateBucket(t.Context(), TestBucket), "creating test bucket")

	httpSrv := httptest.NewServer(srv.Handler())

	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

type RequestOption func(*http.Request)

func WithContent(body []byte) RequestOption {
	return func(req *http.Request) {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
	}
}

func WithContentMD5(body []byte) RequestOption {
	sum := md5.Sum(body)
	return func(req *http.Request) {
		req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	}
}

func WithHeader(key string, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

func WithoutAuth() RequestOption {
	return func(req *http.Request) {
		req.Header.Del("Authorization")
	}
}

func DoMethod(t *testing.T, method string, url string, opts ...RequestOption) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err, "creating "+method+" request")
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)
	for _, opt := range opts {
		opt(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoErrorf(t, err, "%s %s error", method, url)
	return resp
}

func DoPut(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPut, url, opts...)
}

func DoGet(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodGet, url, opts...)
}

func DoDelete(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodDelete, url, opts...)
}

// DecodeS3Error decodes a minimal S3 error response and returns its Code.
func DecodeS3Error(t *testing.T, r io.Reader) string {
	t.Helper()
	var s3Err struct {
		Code string `xml:"Code"`
	}
	require.NoError(t, xml.NewDecoder(r).Decode(&s3Err), "decoding S3 error XML")
	return s3Err.Code
}

func TestPutGetObject_RoundTrip(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	payload := []byte("hello gateway")
	objectURL := httpSrv.URL + "/" + TestBucket + "/docs/readme.txt"

	resp := DoPut(t, objectURL,
		WithContent(payload),
		WithContentMD5(payload),
		WithHeader("Content-Type", "text/plain"),
		WithHeader("Content-Disposition", `attachment; filename="readme.txt"; filename*=UTF-8''readme.txt`),
		WithHeader("x-amz-meta-owner", "docs-team"),
	)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT object status")

	got := DoGet(t, objectURL)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode, "GET object status")
	require.Equal(t, "text/plain", got.Header.Get("Content-Type"), "stored content type")
	require.Equal(t, `attachment; filename="readme.txt"; filename*=UTF-8''readme.txt`, got.Header.Get("Content-Disposition"))
	require.Equal(t, "docs-team", got.Header.Get("x-amz-meta-owner"), "stored user metadata")

	body, err := io.ReadAll(got.Body)
	require.NoError(t, err, "reading GET body")
	require.Equal(t, payload, body, "payload round-trip")
}

func TestPutObject_BadDigestRejected(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	payload := []byte("payload bytes")
	wrong := md5.Sum([]byte("different bytes"))
	objectURL := httpSrv.URL + "/" + TestBucket + "/bad-digest"

	resp := DoPut(t, objectURL,
		WithContent(payload),
		WithHeader("Content-MD5", base64.StdEncoding.EncodeToString(wrong[:])),
	)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "PUT with wrong digest status")
	require.Equal(t, "BadDigest", DecodeS3Error(t, resp.Body), "error code")

	// The failed upload must not leave an object behind.
	got := DoGet(t, objectURL)
	defer got.Body.Close()
	require.Equal(t, http.StatusNotFound, got.StatusCode, "GET after failed PUT status")
}

func TestGetObject_RangeTruncatedToCeiling(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, func(cfg *gateway.Config) {
		cfg.MaxRangeLength = 1000
	})

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	objectURL := httpSrv.URL + "/" + TestBucket + "/ranged"

	resp := DoPut(t, objectURL, WithContent(payload), WithContentMD5(payload))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT object status")

	got := DoGet(t, objectURL, WithHeader("Range", "bytes=0-4999"))
	defer got.Body.Close()
	require.Equal(t, http.StatusPartialContent, got.StatusCode, "ranged GET status")
	require.Equal(t, "bytes 0-999/5000", got.Header.Get("Content-Range"), "truncated content range")

	body, err := io.ReadAll(got.Body)
	require.NoError(t, err, "reading ranged body")
	require.Equal(t, payload[:1000], body, "served exactly the ceiling's worth of bytes")

	// A follow-up read picks up where the truncated one left off.
	next := DoGet(t, objectURL, WithHeader("Range", "bytes=1000-1999"))
	defer next.Body.Close()
	require.Equal(t, http.StatusPartialContent, next.StatusCode, "follow-up ranged GET status")

	body, err = io.ReadAll(next.Body)
	require.NoError(t, err, "reading follow-up body")
	require.Equal(t, payload[1000:2000], body, "follow-up range bytes")
}

func TestDeleteObject_Idempotent(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	objectURL := httpSrv.URL + "/" + TestBucket + "/never-existed"

	resp := DoDelete(t, objectURL)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "DELETE of absent key status")

	payload := []byte("short lived")
	put := DoPut(t, objectURL, WithContent(payload), WithContentMD5(payload))
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode, "PUT object status")

	for range 2 {
		del := DoDelete(t, objectURL)
		defer del.Body.Close()
		require.Equal(t, http.StatusNoContent, del.StatusCode, "DELETE status")
	}

	got := DoGet(t, objectURL)
	defer got.Body.Close()
	require.Equal(t, http.StatusNotFound, got.StatusCode, "GET after delete status")
}

func TestAuthentication_Required(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	resp := DoGet(t, httpSrv.URL+"/"+TestBucket+"/anything", WithoutAuth())
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "unauthenticated request status")
	require.Equal(t, "AccessDenied", DecodeS3Error(t, resp.Body), "error code")
}

func TestRawGet_LinkSharing(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	payload := []byte("shared bytes")
	objectURL := httpSrv.URL + "/" + TestBucket + "/shared/file.bin"

	put := DoPut(t, objectURL, WithContent(payload), WithContentMD5(payload))
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode, "PUT object status")

	// The raw surface needs no Authorization header, only the access token.
	shared := DoGet(t, httpSrv.URL+"/raw/"+ShareAccess+"/"+TestBucket+"/shared/file.bin", WithoutAuth())
	defer shared.Body.Close()
	require.Equal(t, http.StatusOK, shared.StatusCode, "raw GET status")

	body, err := io.ReadAll(shared.Body)
	require.NoError(t, err, "reading raw body")
	require.Equal(t, payload, body, "raw payload")

	denied := DoGet(t, httpSrv.URL+"/raw/wrong-token/"+TestBucket+"/shared/file.bin", WithoutAuth())
	defer denied.Body.Close()
	require.Equal(t, http.StatusForbidden, denied.StatusCode, "raw GET with wrong token status")
}

func TestMultipartUpload_CompleteAndAbort(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	objectURL := httpSrv.URL + "/" + TestBucket + "/assembled"

	initiate := DoMethod(t, http.MethodPost, objectURL+"?uploads=",
		WithHeader("Content-Type", "application/x-tar"))
	defer initiate.Body.Close()
	require.Equal(t, http.StatusOK, initiate.StatusCode, "initiate status")

	var initResp gateway.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(initiate.Body).Decode(&initResp), "decoding initiate XML")
	require.NotEmpty(t, initResp.UploadID, "upload id")

	parts := [][]byte{
		bytes.Repeat([]byte("a"), 4096),
		bytes.Repeat([]byte("b"), 2048),
	}

	var completeReq gateway.CompleteMultipartUpload
	for i, part := range parts {
		partURL := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", objectURL, i+1, initResp.UploadID)
		resp := DoPut(t, partURL, WithContent(part), WithContentMD5(part))
		defer resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "upload part %d status", i+1)

		sum := sha256.Sum256(part)
		require.Equal(t, fmt.Sprintf("\"%s\"", hex.EncodeToString(sum[:])), resp.Header.Get("ETag"), "part entity tag")

		completeReq.Parts = append(completeReq.Parts, gateway.CompletedPart{
			PartNumber: i + 1,
			ETag:       resp.Header.Get("ETag"),
		})
	}

	var buf bytes.Buffer
	require.NoError(t, xml.NewEncoder(&buf).Encode(completeReq), "encoding complete XML")

	complete := DoMethod(t, http.MethodPost, objectURL+"?uploadId="+initResp.UploadID, WithContent(buf.Bytes()))
	defer complete.Body.Close()
	require.Equal(t, http.StatusOK, complete.StatusCode, "complete status")

	got := DoGet(t, objectURL)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode, "GET assembled object status")
	require.Equal(t, "application/x-tar", got.Header.Get("Content-Type"), "content type captured at initiation")

	body, err := io.ReadAll(got.Body)
	require.NoError(t, err, "reading assembled body")
	require.Equal(t, append(append([]byte{}, parts[0]...), parts[1]...), body, "assembled payload")

	// Aborting an unknown upload is idempotent.
	abort := DoDelete(t, objectURL+"?uploadId="+initResp.UploadID)
	defer abort.Body.Close()
	require.Equal(t, http.StatusNoContent, abort.StatusCode, "abort status")
}

func TestListParts_ReportsUploadedParts(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	objectURL := httpSrv.URL + "/" + TestBucket + "/listed"

	initiate := DoMethod(t, http.MethodPost, objectURL+"?uploads=")
	defer initiate.Body.Close()
	require.Equal(t, http.StatusOK, initiate.StatusCode, "initiate status")

	var initResp gateway.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(initiate.Body).Decode(&initResp), "decoding initiate XML")

	parts := [][]byte{
		bytes.Repeat([]byte("x"), 1024),
		bytes.Repeat([]byte("y"), 512),
	}
	for i, part := range parts {
		partURL := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", objectURL, i+1, initResp.UploadID)
		resp := DoPut(t, partURL, WithContent(part), WithContentMD5(part))
		defer resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "upload part %d status", i+1)
	}

	list := DoGet(t, objectURL+"?uploadId="+initResp.UploadID)
	defer list.Body.Close()
	require.Equal(t, http.StatusOK, list.StatusCode, "list parts status")

	var listed gateway.ListPartsResult
	require.NoError(t, xml.NewDecoder(list.Body).Decode(&listed), "decoding ListPartsResult")
	require.Equal(t, initResp.UploadID, listed.UploadID, "upload id echoed")
	require.Len(t, listed.Parts, len(parts), "one entry per uploaded part")

	for i, part := range parts {
		require.Equal(t, i+1, listed.Parts[i].PartNumber, "part number")
		require.Equal(t, int64(len(part)), listed.Parts[i].Size, "part size")

		sum := sha256.Sum256(part)
		require.Equal(t, fmt.Sprintf("\"%s\"", hex.EncodeToString(sum[:])), listed.Parts[i].ETag, "part entity tag")
	}

	unknown := DoGet(t, objectURL+"?uploadId=no-such-upload")
	defer unknown.Body.Close()
	require.Equal(t, http.StatusNotFound, unknown.StatusCode, "list of unknown upload status")
	require.Equal(t, "NoSuchUpload", DecodeS3Error(t, unknown.Body), "error code")
}

func TestCompleteMultipartUpload_RejectsOutOfOrderParts(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	objectURL := httpSrv.URL + "/" + TestBucket + "/out-of-order"

	initiate := DoMethod(t, http.MethodPost, objectURL+"?uploads=")
	defer initiate.Body.Close()
	require.Equal(t, http.StatusOK, initiate.StatusCode, "initiate status")

	var initResp gateway.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(initiate.Body).Decode(&initResp), "decoding initiate XML")

	etags := make([]string, 2)
	for i, part := range [][]byte{[]byte("first"), []byte("second")} {
		partURL := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", objectURL, i+1, initResp.UploadID)
		resp := DoPut(t, partURL, WithContent(part), WithContentMD5(part))
		defer resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "upload part %d status", i+1)
		etags[i] = resp.Header.Get("ETag")
	}

	completeReq := gateway.CompleteMultipartUpload{
		Parts: []gateway.CompletedPart{
			{PartNumber: 2, ETag: etags[1]},
			{PartNumber: 1, ETag: etags[0]},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, xml.NewEncoder(&buf).Encode(completeReq), "encoding complete XML")

	complete := DoMethod(t, http.MethodPost, objectURL+"?uploadId="+initResp.UploadID, WithContent(buf.Bytes()))
	defer complete.Body.Close()
	require.Equal(t, http.StatusBadRequest, complete.StatusCode, "complete status")
	require.Equal(t, "InvalidPartOrder", DecodeS3Error(t, complete.Body), "error code")

	got := DoGet(t, objectURL)
	defer got.Body.Close()
	require.Equal(t, http.StatusNotFound, got.StatusCode, "no object after failed complete")
}

func TestCopyObject_ReplaceMetadataDirective(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, nil)

	payload := []byte("metadata host")
	objectURL := httpSrv.URL + "/" + TestBucket + "/meta-host"

	put := DoPut(t, objectURL,
		WithContent(payload),
		WithContentMD5(payload),
		WithHeader("Content-Type", "text/plain"),
		WithHeader("x-amz-meta-stage", "draft"),
	)
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode, "PUT object status")

	// Self-copy with REPLACE swaps the whole metadata set in one operation.
	copyResp := DoPut(t, objectURL,
		WithHeader("x-amz-copy-source", "/"+TestBucket+"/meta-host"),
		WithHeader("x-amz-metadata-directive", "REPLACE"),
		WithHeader("Content-Type", "application/json"),
		WithHeader("x-amz-meta-stage", "published"),
	)
	defer copyResp.Body.Close()
	require.Equal(t, http.StatusOK, copyResp.StatusCode, "copy status")

	var result gateway.CopyObjectResult
	require.NoError(t, xml.NewDecoder(copyResp.Body).Decode(&result), "decoding CopyObjectResult")
	require.NotEmpty(t, result.ETag, "copy result entity tag")

	got := DoGet(t, objectURL)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode, "GET after copy status")
	require.Equal(t, "application/json", got.Header.Get("Content-Type"), "replaced content type")
	require.Equal(t, "published", got.Header.Get("x-amz-meta-stage"), "replaced user metadata")

	body, err := io.ReadAll(got.Body)
	require.NoError(t, err, "reading body after copy")
	require.Equal(t, payload, body, "payload untouched by metadata copy")
}

// presignGetURL builds a query-signed GET URL for objectURL, issued at
// issuedAt and valid for expires, matching the gateway's verification logic.
func presignGetURL(t *testing.T, objectURL string, issuedAt time.Time, expires time.Duration) string {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	u, err := url.Parse(objectURL)
	require.NoError(t, err, "parsing object URL")

	amzDate := issuedAt.Format("20060102T150405Z")
	dateStamp := issuedAt.Format("20060102")

	q := u.Query()
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", strings.Join([]string{AccessKeyID, dateStamp, region, service, "aws4_request"}, "/"))
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(expires/time.Second), 10))
	q.Set("X-Amz-SignedHeaders", "host")

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	require.NoError(t, err, "building request to sign")

	canonicalReq := sigv4.BuildCanonicalRequest(req, []string{"host"}, q, "UNSIGNED-PAYLOAD")
	crHash := sha256.Sum256([]byte(canonicalReq))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/"),
		hex.EncodeToString(crHash[:]),
	}, "\n")

	kDate := sigv4.HmacSHA256([]byte("AWS4"+SecretAccessKey), dateStamp)
	kRegion := sigv4.HmacSHA256(kDate, region)
	kService := sigv4.HmacSHA256(kRegion, service)
	kSigning := sigv4.HmacSHA256(kService, "aws4_request")
	sig := sigv4.HmacSHA256(kSigning, stringToSign)

	q.Set("X-Amz-Signature", hex.EncodeToString(sig))
	u.RawQuery = q.Encode()
	return u.String()
}

func TestPresignedGrant_ExpiryEvaluatedByGatewayClock(t *testing.T) {
	t.Parallel()

	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt

	_, httpSrv := NewTestServer(t, func(cfg *gateway.Config) {
		cfg.Now = func() time.Time { return now }
	})

	payload := []byte("grant me")
	objectURL := httpSrv.URL + "/" + TestBucket + "/granted"

	put := DoPut(t, objectURL, WithContent(payload), WithContentMD5(payload))
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode, "PUT object status")

	signedURL := presignGetURL(t, objectURL, issuedAt, time.Minute)

	resp := DoGet(t, signedURL, WithoutAuth())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "presigned GET within validity status")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading presigned body")
	require.Equal(t, payload, body, "presigned payload")

	// Advance only the gateway's clock; the same URL must now be refused.
	now = issuedAt.Add(2 * time.Minute)

	expired := DoGet(t, signedURL, WithoutAuth())
	defer expired.Body.Close()
	require.Equal(t, http.StatusForbidden, expired.StatusCode, "expired presigned GET status")
	require.Equal(t, "AccessDenied", DecodeS3Error(t, expired.Body), "error code")
}
