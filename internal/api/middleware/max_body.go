package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/mailflow/hub/internal/api/response"
)

// mayHaveBody is true for methods that typically send a request body (we buffer only then to send 413).
func mayHaveBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

// MaxBody returns a middleware that limits request body size to maxBytes.
// When the body exceeds the limit, the response is 413 Request Entity Too Large.
// Use 0 or negative to disable (no limit).
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var limitExceeded bool

			r.Body = &maxBodyReader{
				ReadCloser: http.MaxBytesReader(w, r.Body, maxBytes),
				onReadError: func(err error) {
					var maxErr *http.MaxBytesError
					if errors.As(err, &maxErr) {
						limitExceeded = true
					}
				},
			}

			// Only buffer the response for methods that typically carry a
			// body, so we can replace it with a 413 when the limit trips.
			// GET/DELETE stream directly.
			if !mayHaveBody(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			buf := &responseBuffer{ResponseWriter: w}
			next.ServeHTTP(buf, r)

			if limitExceeded {
				response.RespondError(buf.ResponseWriter, http.StatusRequestEntityTooLarge,
					"Request Entity Too Large", "request body exceeds maximum allowed size")
				return
			}

			buf.flush()
		})
	}
}

type maxBodyReader struct {
	io.ReadCloser

	onReadError func(error)
}

func (r *maxBodyReader) Read(p []byte) (n int, err error) {
	n, err = r.ReadCloser.Read(p)
	if err != nil && r.onReadError != nil {
		r.onReadError(err)
	}

	return n, err
}

// responseBuffer captures status and body so we can optionally discard them
// and send a 413 instead.
type responseBuffer struct {
	http.ResponseWriter

	status int
	body   bytes.Buffer
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *responseBuffer) flush() {
	if b.status != 0 {
		b.ResponseWriter.WriteHeader(b.status)
	}
	if b.body.Len() > 0 {
		if _, err := b.ResponseWriter.Write(b.body.Bytes()); err != nil {
			return
		}
	}
}
