package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"strand/internal/strand"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	ObjectKey     = "documents/report.txt"
	ObjectContent = "Quarterly report contents.\n"
)

// UploadExample uploads a small text object with full metadata.
func UploadExample(ctx context.Context, svc *strand.Service) error {
	content := []byte(ObjectContent)
	err := svc.Upload(ctx, ObjectKey, bytes.NewReader(content), strand.UploadOptions{
		ChecksumMD5:   strand.MD5Sum(content),
		ContentLength: int64(len(content)),
		ContentType:   "text/plain",
		Filename:      "report.txt",
		Disposition:   strand.DispositionAttachment,
		Custom:        map[string]string{"team": "finance"},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %q: %w", ObjectKey, err)
	}

	slog.Info("Uploaded object", "key", ObjectKey, "size", len(content))
	return nil
}

// DownloadExample fetches the object back, both whole and chunk by chunk.
func DownloadExample(ctx context.Context, svc *strand.Service) error {
	data, err := svc.Download(ctx, ObjectKey)
	if err != nil {
		return fmt.Errorf("failed to download %q: %w", ObjectKey, err)
	}
	slog.Info("Downloaded object", "key", ObjectKey, "size", len(data))

	var chunks int
	err = svc.DownloadChunks(ctx, ObjectKey, func(chunk []byte) error {
		chunks++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to stream %q: %w", ObjectKey, err)
	}
	slog.Info("Streamed object", "key", ObjectKey, "chunks", chunks)
	return nil
}

// MetadataExample reads the stored metadata, then replaces it atomically.
func MetadataExample(ctx context.Context, svc *strand.Service) error {
	md, err := svc.Metadata(ctx, ObjectKey)
	if err != nil {
		return fmt.Errorf("failed to read metadata for %q: %w", ObjectKey, err)
	}
	slog.Info("Object metadata", "key", ObjectKey, "content_type", md.ContentType, "filename", md.Filename)

	md.Filename = "report-final.txt"
	md.Custom = map[string]string{"team": "finance", "stage": "final"}
	if err := svc.UpdateMetadata(ctx, ObjectKey, md); err != nil {
		return fmt.Errorf("failed to update metadata for %q: %w", ObjectKey, err)
	}

	slog.Info("Updated object metadata", "key", ObjectKey)
	return nil
}

// URLExample issues a signed download URL and fetches it anonymously.
func URLExample(ctx context.Context, svc *strand.Service) error {
	signed, err := svc.URL(ctx, ObjectKey, strand.URLOptions{
		ExpiresIn:   5 * time.Minute,
		Filename:    "report.txt",
		Disposition: strand.DispositionAttachment,
	})
	if err != nil {
		return fmt.Errorf("failed to sign url for %q: %w", ObjectKey, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return fmt.Errorf("failed to build signed request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch signed url: %w", err)
	}
	defer resp.Body.Close()

	slog.Info("Fetched signed URL", "status", resp.StatusCode, "disposition", resp.Header.Get("Content-Disposition"))
	return nil
}

// DirectUploadExample lets a plain HTTP client upload without going through
// the service, constrained by the signed grant.
func DirectUploadExample(ctx context.Context, svc *strand.Service) error {
	const key = "documents/direct.bin"
	content := []byte("uploaded straight to the gateway")
	checksum := strand.MD5Sum(content)

	signed, err := svc.URLForDirectUpload(ctx, key, 5*time.Minute, "application/octet-stream", int64(len(content)), checksum)
	if err != nil {
		return fmt.Errorf("failed to sign direct upload for %q: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to build direct upload request: %w", err)
	}
	req.ContentLength = int64(len(content))
	for k, v := range svc.HeadersForDirectUpload(checksum, "application/octet-stream", "direct.bin", strand.DispositionAttachment, nil) {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform direct upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("direct upload returned status %d", resp.StatusCode)
	}

	slog.Info("Direct upload accepted", "key", key, "size", len(content))
	return nil
}

func Run(ctx context.Context, svc *strand.Service) error {
	if err := UploadExample(ctx, svc); err != nil {
		return err
	}

	if err := DownloadExample(ctx, svc); err != nil {
		return err
	}

	if err := MetadataExample(ctx, svc); err != nil {
		return err
	}

	if err := URLExample(ctx, svc); err != nil {
		return err
	}

	if err := DirectUploadExample(ctx, svc); err != nil {
		return err
	}

	if err := svc.Delete(ctx, ObjectKey); err != nil {
		return fmt.Errorf("failed to delete %q: %w", ObjectKey, err)
	}
	slog.Info("Deleted object", "key", ObjectKey)

	return nil
}

func main() {
	svc, err := strand.New(strand.Config{
		Name:            "example",
		Endpoint:        getenv("STRAND_ENDPOINT", "localhost:9000"),
		Secure:          strings.EqualFold(getenv("STRAND_SECURE", "false"), "true"),
		AccessKeyID:     getenv("STRAND_ACCESS_KEY", "strandadmin"),
		SecretAccessKey: getenv("STRAND_SECRET_KEY", "strandadmin"),
		Bucket:          getenv("STRAND_BUCKET", "example-bucket"),
	})
	if err != nil {
		slog.Error("failed to create storage service", "err", err)
		os.Exit(1)
	}

	if err := Run(context.Background(), svc); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
