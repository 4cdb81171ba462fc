package strand

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultMultipartThreshold is the declared content length at or above
	// which uploads switch to the multipart strategy.
	DefaultMultipartThreshold int64 = 64 << 20

	// DefaultPartSize is the multipart part size used when the profile does
	// not override it.
	DefaultPartSize int64 = 16 << 20

	// MinPartSize and MaxPartSize are the backend's part-size limits.
	MinPartSize int64 = 5 << 20
	MaxPartSize int64 = 5 << 30

	// DefaultMaxChunkSize bounds a single ranged read during streaming
	// download. The decentralized network behind the gateway serves at most
	// this many bytes per read.
	DefaultMaxChunkSize int64 = 7408

	// DefaultURLExpiry applies when a caller asks for a signed URL without
	// specifying how long it should live.
	DefaultURLExpiry = 15 * time.Minute
)

// Config is a named backend profile. It is bound at service construction and
// immutable afterwards; a differently configured service is a distinct
// instance.
type Config struct {
	// Name identifies the profile (e.g. "storj", "local").
	Name string

	// Endpoint is the S3 gateway host[:port].
	Endpoint string
	Region   string
	Secure   bool

	AccessKeyID     string
	SecretAccessKey string

	// Bucket is the container all keys of this service live in.
	Bucket string

	// MultipartThreshold selects the upload strategy; PartSize is clamped to
	// the backend's part-size limits.
	MultipartThreshold int64
	PartSize           int64

	// MaxChunkSize bounds each ranged read during streaming download.
	MaxChunkSize int64

	// LinkShareBaseURL and LinkShareAccess configure the public link-sharing
	// host. Both must be set for the service to hand out stable public URLs.
	LinkShareBaseURL string
	LinkShareAccess  string

	// DefaultURLExpiry applies to signed URLs requested without an explicit
	// expiry when link sharing is not configured.
	DefaultURLExpiry time.Duration
}

// withDefaults returns a copy of c with zero values replaced by defaults and
// the part size clamped to the backend's limits.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "strand"
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.PartSize <= 0 {
		c.PartSize = DefaultPartSize
	}
	if c.PartSize < MinPartSize {
		c.PartSize = MinPartSize
	}
	if c.PartSize > MaxPartSize {
		c.PartSize = MaxPartSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.DefaultURLExpiry <= 0 {
		c.DefaultURLExpiry = DefaultURLExpiry
	}
	c.LinkShareBaseURL = strings.TrimRight(c.LinkShareBaseURL, "/")
	return c
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("Endpoint must not be empty")
	}
	if c.Bucket == "" {
		return errors.New("Bucket must not be empty")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return errors.New("credentials must not be empty")
	}
	return nil
}

// linkSharingEnabled reports whether the profile can hand out stable public
// URLs through the link-sharing host.
func (c Config) linkSharingEnabled() bool {
	return c.LinkShareBaseURL != "" && c.LinkShareAccess != ""
}
