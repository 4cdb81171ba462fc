package strand

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
)

// transferEngine moves object bytes over the S3 wire client. It selects the
// upload strategy from the declared content length, performs streaming
// chunked downloads bounded by the network's single-read ceiling, and owns
// multipart session cleanup.
type transferEngine struct {
	core   *minio.Core
	client *minio.Client
	cfg    Config
}

// put uploads the payload under key, verifying it against the caller's base64
// MD5 digest. Payloads whose declared length meets the multipart threshold go
// through the multipart strategy; everything else is a single PUT carrying
// the digest as Content-MD5 for backend-side verification.
func (e *transferEngine) put(ctx context.Context, key string, content io.Reader, length int64, checksum string, opts minio.PutObjectOptions) error {
	if err := ValidateMD5(checksum); err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}

	// An unknown length cannot drive strategy selection, so the payload is
	// buffered to size it.
	if length < 0 {
		data, err := io.ReadAll(content)
		if err != nil {
			return fmt.Errorf("upload %q: buffer payload: %w", key, err)
		}
		content = bytes.NewReader(data)
		length = int64(len(data))
	}

	if length >= e.cfg.MultipartThreshold {
		return e.putMultipart(ctx, key, content, length, checksum, opts)
	}

	_, err := e.core.PutObject(ctx, e.cfg.Bucket, key, content, length, checksum, "", opts)
	if err != nil {
		return fmt.Errorf("upload %q: %w", key, classifyBackendError(err))
	}
	return nil
}

// putMultipart uploads the payload as an ordered sequence of parts. Parts are
// sent sequentially; the completion call carries the full ordered part list.
// On any failure the session is aborted before the error surfaces, so no
// incomplete upload is left live and no partial object ever becomes visible.
func (e *transferEngine) putMultipart(ctx context.Context, key string, content io.Reader, length int64, checksum string, opts minio.PutObjectOptions) error {
	uploadID, err := e.core.NewMultipartUpload(ctx, e.cfg.Bucket, key, opts)
	if err != nil {
		return fmt.Errorf("upload %q: initiate multipart: %w", key, classifyBackendError(err))
	}

	abort := func() {
		// Abort must run even when ctx is already canceled.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := e.core.AbortMultipartUpload(cleanupCtx, e.cfg.Bucket, key, uploadID); err != nil {
			slog.Warn("Abort multipart upload", "key", key, "upload_id", uploadID, "err", err)
		}
	}

	digest := md5.New()
	var parts []minio.CompletePart
	var uploaded int64

	for partNumber := 1; uploaded < length; partNumber++ {
		n := min(e.cfg.PartSize, length-uploaded)

		part := make([]byte, n)
		if _, err := io.ReadFull(content, part); err != nil {
			abort()
			return fmt.Errorf("upload %q: read part %d: %w", key, partNumber, err)
		}
		digest.Write(part)

		objPart, err := e.core.PutObjectPart(ctx, e.cfg.Bucket, key, uploadID, partNumber,
			bytes.NewReader(part), n, minio.PutObjectPartOptions{Md5Base64: MD5Sum(part)})
		if err != nil {
			abort()
			return fmt.Errorf("upload %q: part %d: %w", key, partNumber, classifyBackendError(err))
		}

		parts = append(parts, minio.CompletePart{PartNumber: partNumber, ETag: objPart.ETag})
		uploaded += n
	}

	// The backend verifies each part's digest; the whole-object digest is
	// recomputed here so a corrupted caller checksum fails before the object
	// becomes visible.
	if computed := base64.StdEncoding.EncodeToString(digest.Sum(nil)); computed != checksum {
		abort()
		return fmt.Errorf("upload %q: %w: computed %s, supplied %s", key, ErrIntegrityMismatch, computed, checksum)
	}

	if _, err := e.core.CompleteMultipartUpload(ctx, e.cfg.Bucket, key, uploadID, parts, opts); err != nil {
		abort()
		return fmt.Errorf("upload %q: complete multipart: %w", key, classifyBackendError(err))
	}
	return nil
}

// get returns the full object payload.
func (e *transferEngine) get(ctx context.Context, key string) ([]byte, error) {
	rc, _, _, err := e.core.GetObject(ctx, e.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", key, classifyBackendError(err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", key, classifyBackendError(err))
	}
	return data, nil
}

// getChunks streams the object to consume, one backend read at a time. Each
// ranged request asks for at most MaxChunkSize bytes, but the loop advances
// by what the backend actually served, so chunk boundaries stay a backend
// artifact: delivery is in offset order with no gaps or overlaps. A zero-byte
// object completes without invoking consume.
func (e *transferEngine) getChunks(ctx context.Context, key string, consume func([]byte) error) error {
	info, err := e.client.StatObject(ctx, e.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("download %q: %w", key, classifyBackendError(err))
	}

	for offset := int64(0); offset < info.Size; {
		end := min(offset+e.cfg.MaxChunkSize, info.Size) - 1

		opts := minio.GetObjectOptions{}
		if err := opts.SetRange(offset, end); err != nil {
			return fmt.Errorf("download %q: range %d-%d: %w", key, offset, end, err)
		}

		rc, _, _, err := e.core.GetObject(ctx, e.cfg.Bucket, key, opts)
		if err != nil {
			return fmt.Errorf("download %q: %w", key, classifyBackendError(err))
		}
		chunk, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("download %q: %w", key, classifyBackendError(err))
		}
		if len(chunk) == 0 {
			return fmt.Errorf("download %q: backend served empty range at offset %d", key, offset)
		}

		if err := consume(chunk); err != nil {
			return err
		}
		offset += int64(len(chunk))
	}
	return nil
}

// remove deletes the object. Deleting an absent key is not an error.
func (e *transferEngine) remove(ctx context.Context, key string) error {
	if err := e.client.RemoveObject(ctx, e.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %q: %w", key, classifyBackendError(err))
	}
	return nil
}

// stat returns backend object info for key.
func (e *transferEngine) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	info, err := e.client.StatObject(ctx, e.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, classifyBackendError(err)
	}
	return info, nil
}

// replaceMetadata swaps the object's metadata in one backend operation, a
// server-side copy onto itself with the REPLACE directive. Readers observe
// either the old metadata set or the new one, never a mix.
func (e *transferEngine) replaceMetadata(ctx context.Context, key string, headers map[string]string) error {
	src := minio.CopySrcOptions{Bucket: e.cfg.Bucket, Object: key}
	dst := minio.CopyDestOptions{
		Bucket:          e.cfg.Bucket,
		Object:          key,
		UserMetadata:    headers,
		ReplaceMetadata: true,
	}
	if _, err := e.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("update metadata %q: %w", key, classifyBackendError(err))
	}
	return nil
}
