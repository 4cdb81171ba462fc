package gateway

import (
	"net/http"
	"strings"
)

// Handler returns an http.Handler implementing the gateway's two surfaces:
// the authenticated S3 API and the anonymous link-sharing reads under /raw/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Link-sharing surface. Registered on its own mux, selected by the
	// /raw/ literal prefix, because ServeMux cannot order "GET /raw/..."
	// against "HEAD /{bucket}/{key...}" (GET patterns also match HEAD, so
	// neither pattern is more specific and registration panics).
	rawMux := http.NewServeMux()
	rawMux.HandleFunc("GET /raw/{access}/{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		access := r.PathValue("access")
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleRawGet(ctx, w, r, access, bucket, key)
	})

	// Bucket-level operations
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		s.handleBucketPut(ctx, w, r, bucket)
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		s.handleBucketHead(ctx, w, r, bucket)
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		s.handleBucketGet(ctx, w, r, bucket)
	})

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectPut(ctx, w, r, bucket, key)
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectGet(ctx, w, r, bucket, key)
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectHead(ctx, w, r, bucket, key)
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectDelete(ctx, w, r, bucket, key)
	})
	mux.HandleFunc("POST /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket := r.PathValue("bucket")
		key := r.PathValue("key")
		s.handleObjectPost(ctx, w, r, bucket, key)
	})

	// Dispatch: the /raw/ literal prefix wins over the generic
	// bucket/key patterns.
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/raw/") {
			rawMux.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Add middleware
	handler := slashFix(root)
	handler = s.logRequest(handler)
	handler = s.requireAuthentication(handler)
	handler = recoverer(handler)
	return handler
}
