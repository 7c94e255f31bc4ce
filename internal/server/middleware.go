package server

import (
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"sitereport/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, code: http.StatusOK}
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// logRequests writes one line per request to the http category.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		reqID := middleware.GetReqID(r.Context())
		if rec.code >= http.StatusInternalServerError {
			logging.HTTPError("%s %s -> %d (%d bytes) in %v [%s %s]", r.Method, r.URL.Path, rec.code, rec.written, elapsed, r.RemoteAddr, reqID)
			return
		}
		logging.HTTP("%s %s -> %d (%d bytes) in %v [%s %s]", r.Method, r.URL.Path, rec.code, rec.written, elapsed, r.RemoteAddr, reqID)
	})
}

// limitBody caps request bodies. Multipart uploads are bounded by their
// own handler against the image size limit.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && !isMultipart(r) {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}
