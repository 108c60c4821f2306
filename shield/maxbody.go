package shield

import (
	"errors"
	"io"
	"net/http"
)

// MaxFormBody returns middleware that limits the request body size for
// form-encoded POST requests. Other content types are passed through.
func MaxFormBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ErrBodyTooLarge is returned by a LimitReader once its caller has read past
// maxBytes.
var ErrBodyTooLarge = errors.New("shield: body exceeds configured maximum size")

// limitedReader is the non-HTTP equivalent of http.MaxBytesReader: it bounds
// an arbitrary io.Reader instead of an *http.Request body, so callers outside
// an HTTP handler (e.g. the upload orchestrator reading a quarantine stream)
// get the same pre-flight size guard MaxFormBody gives request handlers.
type limitedReader struct {
	r   io.Reader
	n   int64 // max bytes remaining, +1 over-read margin to detect overflow
	err error // sticky error once n has been exhausted or the source has erred
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)

	if int64(n) <= l.n {
		l.n -= int64(n)
		l.err = err
		return n, err
	}

	n = int(l.n)
	l.n = 0
	l.err = ErrBodyTooLarge
	return n, ErrBodyTooLarge
}

// LimitReader wraps r so that reading more than maxBytes total fails with
// ErrBodyTooLarge, bounding I/O before any quarantine write happens.
func LimitReader(r io.Reader, maxBytes int64) io.Reader {
	return &limitedReader{r: r, n: maxBytes}
}
