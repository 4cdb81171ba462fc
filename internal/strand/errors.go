package strand

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
)

// Error taxonomy surfaced by the service. Callers should test with errors.Is;
// the concrete wrapping carries the failing key and backend detail.
var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrIntegrityMismatch is returned when the backend rejects a transfer
	// because the recomputed content digest does not match the supplied one.
	ErrIntegrityMismatch = errors.New("content integrity mismatch")

	// ErrAuthorizationExpired is returned when a time-limited grant is used
	// after its expiry.
	ErrAuthorizationExpired = errors.New("authorization expired")

	// ErrAuthorizationViolation is returned when a request deviates from the
	// constraints embedded in its grant (wrong length, type, or signature).
	ErrAuthorizationViolation = errors.New("authorization constraint violated")

	// ErrBackendUnavailable is returned for transient backend or network
	// failures. The adapter never retries; that policy belongs to the caller.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidMetadata is returned for malformed disposition or filename
	// encodings.
	ErrInvalidMetadata = errors.New("invalid metadata")
)

// classifyBackendError maps an S3 wire-client error onto the service's error
// taxonomy. The original error remains available via the formatted message;
// the sentinel is what callers match on.
func classifyBackendError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
		return fmt.Errorf("%w: %s", ErrIntegrityMismatch, resp.Message)
	case "ExpiredToken", "RequestExpired":
		return fmt.Errorf("%w: %s", ErrAuthorizationExpired, resp.Message)
	case "AccessDenied":
		if strings.Contains(strings.ToLower(resp.Message), "expired") {
			return fmt.Errorf("%w: %s", ErrAuthorizationExpired, resp.Message)
		}
		return fmt.Errorf("%w: %s", ErrAuthorizationViolation, resp.Message)
	case "SignatureDoesNotMatch", "EntityTooLarge", "IncompleteBody", "MissingContentLength":
		return fmt.Errorf("%w: %s", ErrAuthorizationViolation, resp.Message)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.Code == "" {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return err
}
