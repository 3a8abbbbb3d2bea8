// Package httpx adapts the teacher's Context-bound response writer, logger
// and recovery middleware to stdlib net/http: no router-scoped Context
// exists here, so every adapter wraps a plain http.Handler.
package httpx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// ErrHijackUnsupported is returned by Hijack when the wrapped
// http.ResponseWriter does not implement http.Hijacker.
var ErrHijackUnsupported = errors.New("httpx: response writer does not support hijacking")

const notWritten = -1

// ResponseWriter extends http.ResponseWriter with the bookkeeping the
// logging and recovery middleware need: the status actually sent and
// whether a header has been written yet, mirroring the teacher's
// ResponseWriter/recorder split (response_writer.go) without the
// HTTP/1-vs-HTTP/2 multi-writer variants fox needs for its Clone/push
// machinery, which has no equivalent over a bare http.Handler.
type ResponseWriter interface {
	http.ResponseWriter
	// Status returns the status code recorded after WriteHeader/Write.
	Status() int
	// Written reports whether the response has started.
	Written() bool
	// Size returns the number of response body bytes written so far.
	Size() int
}

type recorder struct {
	http.ResponseWriter
	status int
	size   int
}

// Wrap returns w as a ResponseWriter that records status and size. If w is
// already a ResponseWriter (e.g. nested middleware), it is returned as-is.
func Wrap(w http.ResponseWriter) ResponseWriter {
	if rw, ok := w.(ResponseWriter); ok {
		return rw
	}
	return &recorder{ResponseWriter: w, status: http.StatusOK, size: notWritten}
}

func (r *recorder) Status() int {
	return r.status
}

func (r *recorder) Written() bool {
	return r.size != notWritten
}

func (r *recorder) Size() int {
	return r.size
}

func (r *recorder) WriteHeader(code int) {
	if !r.Written() {
		r.size = 0
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(buf []byte) (int, error) {
	if !r.Written() {
		r.size = 0
		r.ResponseWriter.WriteHeader(r.status)
	}
	n, err := r.ResponseWriter.Write(buf)
	r.size += n
	return n, err
}

// Flush implements http.Flusher when the wrapped writer supports it; it is
// a no-op otherwise. The room service's WebSocket upgrade path needs
// Hijack, not Flush, but handlers serving /history as chunked output may.
func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		if !r.Written() {
			r.size = 0
		}
		f.Flush()
	}
}

// Hijack implements http.Hijacker by delegating to the wrapped writer, the
// path gorilla/websocket's Upgrader uses to take over the TCP connection.
func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, ErrHijackUnsupported
	}
	if !r.Written() {
		r.size = 0
	}
	return hj.Hijack()
}
