package strand

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestClassifyBackendError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "missing key",
			err:  minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404},
			want: ErrNotFound,
		},
		{
			name: "missing bucket",
			err:  minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404},
			want: ErrNotFound,
		},
		{
			name: "digest mismatch",
			err:  minio.ErrorResponse{Code: "BadDigest", StatusCode: 400},
			want: ErrIntegrityMismatch,
		},
		{
			name: "expired token",
			err:  minio.ErrorResponse{Code: "ExpiredToken", StatusCode: 403},
			want: ErrAuthorizationExpired,
		},
		{
			name: "access denied with expiry message",
			err:  minio.ErrorResponse{Code: "AccessDenied", Message: "Request has expired", StatusCode: 403},
			want: ErrAuthorizationExpired,
		},
		{
			name: "signature mismatch",
			err:  minio.ErrorResponse{Code: "SignatureDoesNotMatch", StatusCode: 403},
			want: ErrAuthorizationViolation,
		},
		{
			name: "server fault",
			err:  minio.ErrorResponse{Code: "InternalError", StatusCode: 500},
			want: ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classifyBackendError(tt.err)
			require.ErrorIs(t, got, tt.want, "classification")
		})
	}
}

func TestClassifyBackendError_PassesContextErrorsThrough(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, classifyBackendError(context.Canceled), context.Canceled)
	require.ErrorIs(t, classifyBackendError(context.DeadlineExceeded), context.DeadlineExceeded)
	require.Nil(t, classifyBackendError(nil), "nil stays nil")
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Endpoint:        "localhost:9000",
		Bucket:          "bucket",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	}.withDefaults()

	require.Equal(t, DefaultMultipartThreshold, cfg.MultipartThreshold)
	require.Equal(t, DefaultPartSize, cfg.PartSize)
	require.Equal(t, DefaultMaxChunkSize, cfg.MaxChunkSize)
	require.Equal(t, DefaultURLExpiry, cfg.DefaultURLExpiry)
	require.Equal(t, "us-east-1", cfg.Region)
}

func TestConfigPartSizeClamped(t *testing.T) {
	t.Parallel()

	small := Config{PartSize: 1 << 10}.withDefaults()
	require.Equal(t, MinPartSize, small.PartSize, "tiny part size clamps up")

	large := Config{PartSize: 10 << 30}.withDefaults()
	require.Equal(t, MaxPartSize, large.PartSize, "huge part size clamps down")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		Endpoint:        "localhost:9000",
		Bucket:          "bucket",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	}
	require.NoError(t, valid.validate())

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Endpoint = "" },
		func(c *Config) { c.Bucket = "" },
		func(c *Config) { c.AccessKeyID = "" },
		func(c *Config) { c.SecretAccessKey = "" },
	} {
		cfg := valid
		mutate(&cfg)
		require.Error(t, cfg.validate(), "incomplete config must be rejected")
	}
}

func TestConfigLinkSharing(t *testing.T) {
	t.Parallel()

	var cfg Config
	require.False(t, cfg.linkSharingEnabled(), "unset link sharing is disabled")

	cfg.LinkShareBaseURL = "https://link.example.com/"
	require.False(t, cfg.linkSharingEnabled(), "base URL alone is not enough")

	cfg.LinkShareAccess = "token"
	require.True(t, cfg.linkSharingEnabled())

	trimmed := cfg.withDefaults()
	require.Equal(t, "https://link.example.com", trimmed.LinkShareBaseURL, "trailing slash trimmed")
}

func TestErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	sentinels := []error{
		ErrNotFound,
		ErrIntegrityMismatch,
		ErrAuthorizationExpired,
		ErrAuthorizationViolation,
		ErrBackendUnavailable,
		ErrInvalidMetadata,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			require.False(t, errors.Is(a, b), "sentinels must not overlap")
		}
	}
}
