package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"strand/internal/gateway"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "9000", "HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "directory to store object data")
	region := flag.String("region", "us-east-1", "region reported to clients")
	accessKey := flag.String("access-key", "strandadmin", "access key id")
	secretKey := flag.String("secret-key", "strandadmin", "secret access key")
	maxRange := flag.Int64("max-range", 7408, "single-read byte ceiling for ranged requests (0 disables)")
	shareAccess := flag.String("share-access", "", "access token for the anonymous /raw/ surface (empty disables)")
	buckets := flag.String("buckets", "", "comma-separated buckets to create at startup")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	server, err := gateway.NewServer(ctx, gateway.Config{
		DataDir:         absDataDir,
		Region:          *region,
		AccessKeyID:     *accessKey,
		SecretAccessKey: *secretKey,
		MaxRangeLength:  *maxRange,
		LinkShareAccess: *shareAccess,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	defer server.Close()

	for _, bucket := range strings.Split(*buckets, ",") {
		if bucket = strings.TrimSpace(bucket); bucket == "" {
			continue
		}
		if err := server.CreateBucket(ctx, bucket); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
		}
		slog.Info("Bucket ready", "bucket", bucket)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		slog.Info("Starting gateway HTTP server", "port", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Gateway started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Gateway exited with error", "error", err)
	}
}
