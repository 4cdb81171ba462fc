package strand

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// URLOptions shapes the URL returned by Service.URL. A zero ExpiresIn asks
// for a stable URL, served through link sharing when the profile configures
// it; otherwise the profile's default expiry applies to a signed URL.
type URLOptions struct {
	ExpiresIn   time.Duration
	Filename    string
	Disposition Disposition
	ContentType string
}

// URL returns a read URL for key. Two flavors exist: an expiring signed GET
// URL, and a stable link-sharing URL (<base>/raw/<access>/<bucket>/<key>)
// that is safe to hand to anonymous clients and outlives any per-call
// expiry. Grant validity is evaluated by the backend's clock at request
// time, never locally.
func (s *Service) URL(ctx context.Context, key string, opts URLOptions) (string, error) {
	if opts.ExpiresIn <= 0 && s.cfg.linkSharingEnabled() {
		return s.linkShareURL(key), nil
	}

	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = s.cfg.DefaultURLExpiry
	}

	params := url.Values{}
	if opts.Filename != "" || opts.Disposition != "" {
		params.Set("response-content-disposition", EncodeContentDisposition(opts.Disposition, opts.Filename))
	}
	if opts.ContentType != "" {
		params.Set("response-content-type", opts.ContentType)
	}

	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, expires, params)
	if err != nil {
		return "", fmt.Errorf("sign url %q: %w", key, classifyBackendError(err))
	}
	return u.String(), nil
}

// URLForDirectUpload returns a PUT-scoped signed URL a client can use to
// upload directly, bypassing the service. The grant binds exactly the given
// content type, content length, and digest as signed headers; the backend
// rejects any PUT that deviates from them or arrives after expiresIn
// elapses. Expired or violated grants are never retried; a new grant must be
// issued instead.
func (s *Service) URLForDirectUpload(ctx context.Context, key string, expiresIn time.Duration, contentType string, contentLength int64, checksumMD5 string) (string, error) {
	if err := ValidateMD5(checksumMD5); err != nil {
		return "", fmt.Errorf("sign direct upload %q: %w", key, err)
	}
	if expiresIn <= 0 {
		return "", fmt.Errorf("sign direct upload %q: expiry must be positive", key)
	}
	if contentLength < 0 {
		return "", fmt.Errorf("sign direct upload %q: content length must be declared", key)
	}

	signed := http.Header{}
	signed.Set("Content-Type", contentType)
	signed.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	signed.Set("Content-MD5", checksumMD5)

	u, err := s.client.PresignHeader(ctx, http.MethodPut, s.cfg.Bucket, key, expiresIn, url.Values{}, signed)
	if err != nil {
		return "", fmt.Errorf("sign direct upload %q: %w", key, classifyBackendError(err))
	}
	return u.String(), nil
}

// HeadersForDirectUpload returns the headers a direct-upload client must
// attach to its PUT so the resulting object carries the intended metadata.
// The set matches what the service itself would send for the same inputs.
func (s *Service) HeadersForDirectUpload(checksumMD5, contentType, filename string, disposition Disposition, custom map[string]string) map[string]string {
	headers := map[string]string{
		"Content-Type": contentType,
		"Content-MD5":  checksumMD5,
	}
	if filename != "" || disposition != "" {
		headers["Content-Disposition"] = EncodeContentDisposition(disposition, filename)
	}
	for k, v := range custom {
		headers[userMetaPrefix+k] = v
	}
	return headers
}

func (s *Service) linkShareURL(key string) string {
	return fmt.Sprintf("%s/raw/%s/%s/%s",
		s.cfg.LinkShareBaseURL, s.cfg.LinkShareAccess, s.cfg.Bucket, escapeKeyPath(key))
}
