package gateway

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userMetaHeaderPrefix = "x-amz-meta-"

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// userMetaFromHeaders collects x-amz-meta-* headers into a map with the
// prefix stripped and keys lowercased.
func userMetaFromHeaders(h http.Header) map[string]string {
	var meta map[string]string
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, userMetaHeaderPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.TrimPrefix(lower, userMetaHeaderPrefix)] = values[0]
	}
	return meta
}

// setObjectHeaders writes the object's metadata as response headers.
func setObjectHeaders(w http.ResponseWriter, rec objectRecord) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if rec.ContentDisposition != "" {
		w.Header().Set("Content-Disposition", rec.ContentDisposition)
	}
	for k, v := range rec.UserMeta {
		w.Header().Set(userMetaHeaderPrefix+k, v)
	}
	w.Header().Set("Last-Modified", rec.ModifiedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(rec.Hash))
	w.Header().Set("Accept-Ranges", "bytes")
}

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (aws-chunked) payload into f. Chunk signatures are not re-verified; the
// seed signature already authenticated the request.
func decodeStreamingPayload(f io.Writer, body io.Reader) (int64, error) {
	br := bufio.NewReader(body)

	var written int64
	buf := make([]byte, 32*1024)

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errors.New("unexpected EOF while reading chunk header")
			}
			return 0, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse chunk size %q: %w", line, err)
		}

		if size == 0 {
			// Final chunk; consume the trailer terminator best-effort.
			_, _ = br.ReadString('\n')
			break
		}

		limited := &io.LimitedReader{R: br, N: size}
		n, err := io.CopyBuffer(f, limited, buf)
		if err != nil {
			return 0, fmt.Errorf("read chunk body: %w", err)
		}
		if n != size {
			return 0, fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d", size, n)
		}
		written += n

		// Consume the trailing CRLF after the chunk body.
		if b, err := br.ReadByte(); err != nil || b != '\r' {
			return 0, fmt.Errorf("expected CR after chunk: %v", err)
		}
		if b, err := br.ReadByte(); err != nil || b != '\n' {
			return 0, fmt.Errorf("expected LF after chunk: %v", err)
		}
	}

	return written, nil
}

// receivePayload streams the request body into dst while hashing it. It
// transparently decodes aws-chunked streaming payloads.
func receivePayload(r *http.Request, dst io.Writer) (size int64, sha256Hex string, md5Base64 string, err error) {
	sh := sha256.New()
	mh := md5.New()
	sink := io.MultiWriter(dst, sh, mh)

	// Both the signed and the unsigned-trailer streaming variants share the
	// aws-chunked framing.
	contentSHA := r.Header.Get("X-Amz-Content-Sha256")
	if strings.HasPrefix(strings.ToUpper(contentSHA), "STREAMING-") {
		size, err = decodeStreamingPayload(sink, r.Body)
	} else {
		size, err = io.Copy(sink, r.Body)
	}
	if err != nil {
		return 0, "", "", err
	}

	return size, hex.EncodeToString(sh.Sum(nil)), base64.StdEncoding.EncodeToString(mh.Sum(nil)), nil
}

// verifyContentMD5 compares the request's Content-MD5 header, when present,
// against the digest computed from the received payload.
func verifyContentMD5(r *http.Request, computedBase64 string) bool {
	declared := strings.TrimSpace(r.Header.Get("Content-Md5"))
	if declared == "" {
		declared = strings.TrimSpace(r.Header.Get("Content-MD5"))
	}
	return declared == "" || declared == computedBase64
}

// ------ Bucket handlers ------

// handleBucketPut implements PUT /bucket to create a new bucket.
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if created, err := s.ensureBucket(ctx, bucket); err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !created {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Head bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleBucketGet implements GET /bucket?location; other bucket-level reads
// are not supported.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !r.URL.Query().Has("location") {
		writeS3Error(w, "NotImplemented", "Bucket listing is not implemented.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("Get bucket location", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	resp := LocationConstraint{
		XMLNS:  s3XMLNamespace,
		Region: s.cfg.Region,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// ------ Object handlers ------

// handleObjectPut implements PUT /bucket/key, dispatching part uploads and
// server-side copies to their own handlers.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()

	if uploadID := q.Get("uploadId"); uploadID != "" {
		partNum, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || partNum <= 0 {
			writeS3Error(w, "InvalidArgument", "Invalid part number.", r.URL.Path, http.StatusBadRequest)
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, key, uploadID, partNum)
		return
	}

	if copySource := r.Header.Get("x-amz-copy-source"); copySource != "" {
		s.handleCopyObject(ctx, w, r, bucket, key, copySource)
		return
	}

	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("Lookup bucket for put object", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	tempFile, cleanup, err := s.createUploadTemp()
	if err != nil {
		slog.Error("Create temp file for object put", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer cleanup()
	defer r.Body.Close()

	size, hashHex, md5Base64, err := receivePayload(r, tempFile)
	if err != nil {
		slog.Error("Receive object payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "IncompleteBody", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	if !verifyContentMD5(r, md5Base64) {
		writeS3Error(w, "BadDigest", "The Content-MD5 you specified did not match what we received.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if err := tempFile.Close(); err != nil {
		slog.Error("Close temp file for object put", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	if err := s.store.putFile(hashHex, tempFile.Name()); err != nil {
		slog.Error("Store object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec := objectRecord{
		Hash:               hashHex,
		Size:               size,
		ContentType:        contentType,
		ContentDisposition: r.Header.Get("Content-Disposition"),
		UserMeta:           userMetaFromHeaders(r.Header),
	}
	if err := s.upsertObject(ctx, bucket, key, rec); err != nil {
		slog.Error("Upsert object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// createUploadTemp creates a temp file under the uploads directory and
// returns it with a best-effort cleanup function.
func (s *Server) createUploadTemp() (*os.File, func(), error) {
	tmpDir := filepath.Join(s.cfg.DataDir, "uploads")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.CreateTemp(tmpDir, "upload-*")
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = f.Close()
		// The payload store may already have renamed the file into place.
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp upload file", "path", f.Name(), "err", err)
		}
	}
	return f, cleanup, nil
}

// handleObjectGet implements GET /bucket/key, with optional ranged reads
// capped at the configured single-read ceiling.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if uploadID := r.URL.Query().Get("uploadId"); uploadID != "" {
		s.handleListParts(ctx, w, r, bucket, key, uploadID)
		return
	}

	rec, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	f, err := s.store.open(rec.Hash)
	if err != nil {
		slog.Error("Open object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer f.Close()

	// Presigned GETs may override the stored response metadata.
	q := r.URL.Query()
	if v := q.Get("response-content-type"); v != "" {
		rec.ContentType = v
	}
	if v := q.Get("response-content-disposition"); v != "" {
		rec.ContentDisposition = v
	}

	setObjectHeaders(w, rec)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
		}
		return
	}

	start, end, err := parseRange(rangeHeader, rec.Size)
	if err != nil {
		writeS3Error(w, "InvalidRange", "The requested range is not satisfiable.", r.URL.Path, http.StatusRequestedRangeNotSatisfiable)
		return
	}

	// A single read serves at most MaxRangeLength bytes; larger ranges are
	// truncated with an accurate Content-Range so clients can continue from
	// where this read left off.
	if s.cfg.MaxRangeLength > 0 && end-start+1 > s.cfg.MaxRangeLength {
		end = start + s.cfg.MaxRangeLength - 1
	}
	length := end - start + 1

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		slog.Error("Seek object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, rec.Size))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.CopyN(w, f, length); err != nil {
		slog.Error("Stream object range", "bucket", bucket, "key", key, "err", err)
	}
}

// parseRange parses a "bytes=start-end" range header against the given
// object size, clamping the end to the last byte.
func parseRange(header string, size int64) (start, end int64, err error) {
	byteRange, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range unit: %q", header)
	}

	first, last, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range: %q", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("invalid range start: %q", header)
	}

	if last == "" {
		return start, size - 1, nil
	}

	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid range end: %q", header)
	}
	return start, min(end, size-1), nil
}

// handleObjectHead implements HEAD /bucket/key, returning metadata headers
// compatible with S3 but without a response body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	rec, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata (HEAD)", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	setObjectHeaders(w, rec)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// handleObjectDelete implements DELETE /bucket/key; with ?uploadId it aborts
// a multipart upload instead.
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if uploadID := r.URL.Query().Get("uploadId"); uploadID != "" {
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, uploadID)
		return
	}

	// Deleting an absent key is not an error.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		slog.Error("Delete object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	// Unreferenced payload files are not garbage-collected yet; that can be
	// added later based on hash reference counts.
	w.WriteHeader(http.StatusNoContent)
}

// handleObjectPost dispatches POST /bucket/key?uploads (initiate) and
// POST /bucket/key?uploadId=ID (complete).
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	default:
		writeS3Error(w, "NotImplemented", "ObjectPost is not implemented.", r.URL.Path, http.StatusNotImplemented)
	}
}

// handleCopyObject implements PUT /bucket/key with x-amz-copy-source. With
// the REPLACE metadata directive the destination row gets the request's
// metadata in a single upsert, so readers observe either the old set or the
// new one, never a mix.
func (s *Server) handleCopyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, destBucket string, destKey string, copySource string) {
	src := copySource
	if i := strings.Index(src, "?"); i != -1 {
		src = src[:i]
	}
	src = strings.TrimPrefix(src, "/")
	decoded, err := url.PathUnescape(src)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Unable to parse copy source.", r.URL.Path, http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(decoded, "/", 2)
	if len(parts) != 2 {
		writeS3Error(w, "InvalidRequest", "Invalid copy source.", r.URL.Path, http.StatusBadRequest)
		return
	}
	srcBucket, srcKey := parts[0], parts[1]

	if exists, err := s.bucketExists(ctx, destBucket); err != nil {
		slog.Error("Lookup dest bucket for copy", "bucket", destBucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	rec, err := s.lookupObject(ctx, srcBucket, srcKey)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup source object for copy", "srcBucket", srcBucket, "srcKey", srcKey, "err", err)
		writeInternalError(w, r)
		return
	}

	if strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE") {
		rec.ContentType = r.Header.Get("Content-Type")
		rec.ContentDisposition = r.Header.Get("Content-Disposition")
		rec.UserMeta = userMetaFromHeaders(r.Header)
	}

	if err := s.upsertObject(ctx, destBucket, destKey, rec); err != nil {
		slog.Error("Upsert dest object metadata for copy", "destBucket", destBucket, "destKey", destKey, "err", err)
		writeInternalError(w, r)
		return
	}

	resp := CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: time.Now().UTC().Format(time.RFC3339),
		ETag:         createETag(rec.Hash),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode copy object XML", "destBucket", destBucket, "destKey", destKey, "err", err)
	}
}

// ------ Multipart upload handlers ------

// multipartUploadMetadata is stored alongside each in-progress multipart
// upload under uploads/<uploadId>/ to record the destination and the object
// metadata captured at initiation.
type multipartUploadMetadata struct {
	Bucket             string            `json:"bucket"`
	Key                string            `json:"key"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	UserMeta           map[string]string `json:"user_meta,omitempty"`
	Created            string            `json:"created"`
}

func (s *Server) uploadDir(uploadID string) string {
	return filepath.Join(s.cfg.DataDir, "uploads", uploadID)
}

func writeUploadMetadata(uploadDir string, meta multipartUploadMetadata) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(uploadDir, "metadata.json"), encoded, 0o644)
}

func readUploadMetadata(uploadDir string) (multipartUploadMetadata, error) {
	raw, err := os.ReadFile(filepath.Join(uploadDir, "metadata.json"))
	if err != nil {
		return multipartUploadMetadata{}, err
	}
	var meta multipartUploadMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return multipartUploadMetadata{}, err
	}
	return meta, nil
}

// handleCreateMultipartUpload implements POST /bucket/key?uploads.
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("Create multipart upload bucket lookup", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	uploadID := uuid.NewString()
	uploadDir := s.uploadDir(uploadID)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		slog.Error("Create multipart upload dir", "path", uploadDir, "err", err)
		writeInternalError(w, r)
		return
	}

	// The object's metadata arrives with the initiation request and is
	// applied when the upload completes.
	meta := multipartUploadMetadata{
		Bucket:             bucket,
		Key:                key,
		ContentType:        r.Header.Get("Content-Type"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		UserMeta:           userMetaFromHeaders(r.Header),
		Created:            time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeUploadMetadata(uploadDir, meta); err != nil {
		slog.Error("Write multipart upload metadata", "path", uploadDir, "err", err)
		writeInternalError(w, r)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode create multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?partNumber=N&uploadId=ID.
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("Upload part bucket lookup", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	uploadDir := s.uploadDir(uploadID)
	if stat, err := os.Stat(uploadDir); err != nil || !stat.IsDir() {
		writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	partPath := filepath.Join(uploadDir, fmt.Sprintf("part-%06d", partNumber))
	partFile, err := os.Create(partPath)
	if err != nil {
		slog.Error("Create upload part file", "path", partPath, "err", err)
		writeInternalError(w, r)
		return
	}
	defer func() {
		if err := partFile.Close(); err != nil {
			slog.Debug("Failed to close upload part file", "path", partPath, "err", err)
		}
	}()
	defer r.Body.Close()

	_, hashHex, md5Base64, err := receivePayload(r, partFile)
	if err != nil {
		slog.Error("Receive upload part payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "IncompleteBody", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	if !verifyContentMD5(r, md5Base64) {
		_ = os.Remove(partPath)
		writeS3Error(w, "BadDigest", "The Content-MD5 you specified did not match what we received.", r.URL.Path, http.StatusBadRequest)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=ID. It
// validates the supplied part list (ascending order, matching digests),
// concatenates the parts into the final payload, and publishes the object in
// one metadata upsert. Nothing is visible until that upsert lands.
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("Complete multipart upload bucket lookup", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	uploadDir := s.uploadDir(uploadID)
	if stat, err := os.Stat(uploadDir); err != nil || !stat.IsDir() {
		writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Decode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if len(req.Parts) == 0 {
		writeS3Error(w, "InvalidRequest", "You must specify at least one part.", r.URL.Path, http.StatusBadRequest)
		return
	}

	meta, err := readUploadMetadata(uploadDir)
	if err != nil {
		slog.Error("Read multipart upload metadata", "path", uploadDir, "err", err)
		writeInternalError(w, r)
		return
	}

	finalFile, cleanup, err := s.createUploadTemp()
	if err != nil {
		slog.Error("Create final multipart temp file", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer cleanup()

	h := sha256.New()
	var totalSize int64
	buf := make([]byte, 32*1024)
	prevPartNumber := 0

	for _, part := range req.Parts {
		if part.PartNumber <= prevPartNumber {
			writeS3Error(w, "InvalidPartOrder", "The list of parts was not in ascending order.", r.URL.Path, http.StatusBadRequest)
			return
		}
		prevPartNumber = part.PartNumber

		partPath := filepath.Join(uploadDir, fmt.Sprintf("part-%06d", part.PartNumber))
		n, partHash, err := appendPart(finalFile, h, partPath, buf)
		if err != nil {
			slog.Error("Stream upload part into final file", "bucket", bucket, "key", key, "path", partPath, "err", err)
			writeS3Error(w, "InvalidPart", "One or more of the specified parts could not be found.", r.URL.Path, http.StatusBadRequest)
			return
		}

		if strings.Trim(part.ETag, "\"") != partHash {
			writeS3Error(w, "InvalidPart", "One or more of the specified parts did not match the part's entity tag.", r.URL.Path, http.StatusBadRequest)
			return
		}
		totalSize += n
	}

	hashHex := hex.EncodeToString(h.Sum(nil))

	if err := finalFile.Close(); err != nil {
		slog.Error("Close final multipart file", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	if err := s.store.putFile(hashHex, finalFile.Name()); err != nil {
		slog.Error("Store completed multipart object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec := objectRecord{
		Hash:               hashHex,
		Size:               totalSize,
		ContentType:        contentType,
		ContentDisposition: meta.ContentDisposition,
		UserMeta:           meta.UserMeta,
	}
	if err := s.upsertObject(ctx, bucket, key, rec); err != nil {
		slog.Error("Upsert object metadata (complete multipart)", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if err := os.RemoveAll(uploadDir); err != nil && !os.IsNotExist(err) {
		slog.Debug("Failed to remove multipart upload dir", "path", uploadDir, "err", err)
	}

	resp := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(hashHex),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// appendPart streams the part file at partPath into dst while feeding the
// whole-object hash, and returns the part's size and own SHA-256 hex digest
// for entity-tag validation.
func appendPart(dst io.Writer, whole hash.Hash, partPath string, buf []byte) (int64, string, error) {
	pf, err := os.Open(partPath)
	if err != nil {
		return 0, "", err
	}
	defer pf.Close()

	ph := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(dst, whole, ph), pf, buf)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(ph.Sum(nil)), nil
}

// handleListParts implements GET /bucket/key?uploadId=ID, listing the parts
// received so far for an in-progress multipart upload.
func (s *Server) handleListParts(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("List parts bucket lookup", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	uploadDir := s.uploadDir(uploadID)
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	resp := ListPartsResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	}

	// ReadDir sorts by name and the zero-padded part filenames sort in part
	// order.
	for _, entry := range entries {
		partNumber, ok := parsePartFilename(entry.Name())
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Error("Stat upload part", "path", filepath.Join(uploadDir, entry.Name()), "err", err)
			writeInternalError(w, r)
			return
		}

		partHash, err := hashFile(filepath.Join(uploadDir, entry.Name()))
		if err != nil {
			slog.Error("Hash upload part", "path", filepath.Join(uploadDir, entry.Name()), "err", err)
			writeInternalError(w, r)
			return
		}

		resp.Parts = append(resp.Parts, ListedPart{
			PartNumber:   partNumber,
			LastModified: info.ModTime().UTC().Format(time.RFC3339),
			ETag:         createETag(partHash),
			Size:         info.Size(),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list parts XML", "bucket", bucket, "key", key, "err", err)
	}
}

// parsePartFilename extracts the part number from a "part-NNNNNN" filename.
func parsePartFilename(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "part-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=ID.
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	_ = ctx
	_ = bucket
	_ = key

	// Per S3 semantics this is largely idempotent; we simply remove the
	// temporary upload directory if it exists.
	uploadDir := s.uploadDir(uploadID)
	if err := os.RemoveAll(uploadDir); err != nil && !os.IsNotExist(err) {
		slog.Debug("Failed to remove multipart upload dir on abort", "path", uploadDir, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// ------ Link-sharing surface ------

// handleRawGet implements GET /raw/{access}/{bucket}/{key...}: anonymous
// reads through a stable URL, gated only by the access token in the path.
func (s *Server) handleRawGet(ctx context.Context, w http.ResponseWriter, r *http.Request, access string, bucket string, key string) {
	if s.cfg.LinkShareAccess == "" || access != s.cfg.LinkShareAccess {
		writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
		return
	}

	rec, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata (raw)", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	f, err := s.store.open(rec.Hash)
	if err != nil {
		slog.Error("Open object payload (raw)", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer f.Close()

	setObjectHeaders(w, rec)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		slog.Error("Stream object (raw)", "bucket", bucket, "key", key, "err", err)
	}
}
