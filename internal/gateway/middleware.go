package gateway

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"strand/internal/sigv4"
)

const basicAuthPrefix = "Basic "

// responseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

type logEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e logEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e logEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// logRequest is middleware that logs incoming HTTP requests.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := logEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := responseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}
	})
}

func validateBasicAuth(r *http.Request, accessKey string, secretKey string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, basicAuthPrefix) {
		return false
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(basicAuthPrefix):]))
	if err != nil {
		return false
	}

	creds := strings.SplitN(string(payload), ":", 2)
	if len(creds) != 2 {
		return false
	}

	return creds[0] == accessKey && creds[1] == secretKey
}

// requireAuthentication enforces request authentication on the S3 surface.
// Query-signed (presigned) requests are verified including their expiry;
// everything else needs a SigV4 Authorization header or Basic credentials.
// The anonymous link-sharing surface under /raw/ is exempt.
func (s *Server) requireAuthentication(next http.Handler) http.Handler {
	creds := sigv4.Credentials{
		AccessKeyID:     s.cfg.AccessKeyID,
		SecretAccessKey: s.cfg.SecretAccessKey,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/raw/") {
			next.ServeHTTP(w, r)
			return
		}

		if sigv4.IsPresigned(r) {
			err := sigv4.VerifyPresigned(r, creds, s.cfg.Now())
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, sigv4.ErrExpired):
				writeS3Error(w, "AccessDenied", "Request has expired", r.URL.Path, http.StatusForbidden)
			case errors.Is(err, sigv4.ErrSignatureMismatch):
				writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
			default:
				writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			}
			return
		}

		authHeader := r.Header.Get("Authorization")
		switch {
		case strings.HasPrefix(authHeader, "AWS4-HMAC-SHA256 "):
			if err := sigv4.VerifyHeader(r, creds); err != nil {
				writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
				return
			}
		case strings.HasPrefix(authHeader, basicAuthPrefix):
			if !validateBasicAuth(r, s.cfg.AccessKeyID, s.cfg.SecretAccessKey) {
				writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
				return
			}
		default:
			writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func slashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
