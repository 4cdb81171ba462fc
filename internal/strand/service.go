// Package strand is an object-storage service adapter for decentralized
// storage networks fronted by an S3-compatible gateway. A Service is bound to
// one backend profile and mediates uploads, downloads, deletion, metadata,
// and time-limited direct access; the bytes themselves travel over the S3
// wire protocol.
package strand

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Service is the public storage contract. It holds no mutable state beyond
// its immutable configuration and is safe for concurrent use.
type Service struct {
	cfg    Config
	client *minio.Client
	core   *minio.Core
	engine *transferEngine
}

// New builds a Service bound to the given profile.
func New(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("strand config: %w", err)
	}

	opts := &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create gateway client: %w", err)
	}

	core, err := minio.NewCore(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create gateway core client: %w", err)
	}

	return &Service{
		cfg:    cfg,
		client: client,
		core:   core,
		engine: &transferEngine{core: core, client: client, cfg: cfg},
	}, nil
}

// Name returns the profile name this service was constructed with.
func (s *Service) Name() string { return s.cfg.Name }

// Bucket returns the container all of this service's keys live in.
func (s *Service) Bucket() string { return s.cfg.Bucket }

// UploadOptions carries the integrity digest and metadata for an upload.
type UploadOptions struct {
	// ChecksumMD5 is the caller-computed base64 MD5 digest of the payload.
	// Required; the backend rejects transfers whose recomputed digest
	// deviates.
	ChecksumMD5 string

	// ContentLength is the payload size in bytes, or -1 when unknown.
	// A known length at or above the profile's multipart threshold selects
	// the multipart strategy.
	ContentLength int64

	ContentType string
	Filename    string
	Disposition Disposition
	Custom      map[string]string
}

// Upload stores the payload read from content under key. The object becomes
// readable only after the upload fully succeeds; failed transfers leave
// nothing visible.
func (s *Service) Upload(ctx context.Context, key string, content io.Reader, opts UploadOptions) error {
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Custom,
	}
	if opts.Filename != "" || opts.Disposition != "" {
		putOpts.ContentDisposition = EncodeContentDisposition(opts.Disposition, opts.Filename)
	}
	return s.engine.put(ctx, key, content, opts.ContentLength, opts.ChecksumMD5, putOpts)
}

// Download returns the full payload stored under key. Fails with ErrNotFound
// when the key is absent.
func (s *Service) Download(ctx context.Context, key string) ([]byte, error) {
	return s.engine.get(ctx, key)
}

// DownloadChunks streams the payload to consume, one chunk per backend read,
// in offset order with exhaustive, non-overlapping coverage. Chunk sizes are
// a backend artifact; callers must not assume any fixed size. consume must
// return before the next read is issued, which gives natural backpressure.
func (s *Service) DownloadChunks(ctx context.Context, key string, consume func([]byte) error) error {
	return s.engine.getChunks(ctx, key, consume)
}

// Delete removes the object under key. Deleting an absent key succeeds.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.engine.remove(ctx, key)
}

// Exists reports whether an object is stored under key.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.engine.stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return true, nil
}

// Metadata returns the object's current metadata.
func (s *Service) Metadata(ctx context.Context, key string) (Metadata, error) {
	info, err := s.engine.stat(ctx, key)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata %q: %w", key, err)
	}

	disposition, filename, err := DecodeContentDisposition(info.Metadata.Get("Content-Disposition"))
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata %q: %w", key, err)
	}

	return Metadata{
		ContentType: info.ContentType,
		Disposition: disposition,
		Filename:    filename,
		Custom:      decodeUserMetadata(info.UserMetadata),
	}, nil
}

// UpdateMetadata replaces the object's metadata with md in one backend
// operation. The update is atomic from the backend's perspective: concurrent
// readers never observe a mix of old and new fields.
func (s *Service) UpdateMetadata(ctx context.Context, key string, md Metadata) error {
	headers := make(map[string]string, len(md.Custom)+2)
	if md.ContentType != "" {
		headers["Content-Type"] = md.ContentType
	}
	if md.Filename != "" || md.Disposition != "" {
		headers["Content-Disposition"] = EncodeContentDisposition(md.Disposition, md.Filename)
	}
	for k, v := range md.Custom {
		headers[k] = v
	}
	return s.engine.replaceMetadata(ctx, key, headers)
}

// escapeKeyPath percent-encodes each path segment of key while keeping the
// segment separators, the shape link-sharing hosts expect.
func escapeKeyPath(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
