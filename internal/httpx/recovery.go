package httpx

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"github.com/manifold-studio/manifold/internal/slogpretty"
)

// LoggerPanicKey is the key used by Recovery for the recovered panic value,
// matching the teacher's LoggerPanicKey.
const LoggerPanicKey = "panic"

// RecoveryFunc handles a recovered panic after it has been logged.
type RecoveryFunc func(w http.ResponseWriter, r *http.Request, err any)

// DefaultHandleRecovery writes a generic 500 response, mirroring the
// teacher's DefaultHandleRecovery.
func DefaultHandleRecovery(w http.ResponseWriter, _ *http.Request, _ any) {
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// CustomRecoveryWithLogHandler returns middleware that recovers panics,
// logs them with a stack trace through handler, then calls handle.
func CustomRecoveryWithLogHandler(handler slog.Handler, handle RecoveryFunc) func(http.Handler) http.Handler {
	logger := slog.New(handler)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := Wrap(w)
			defer recoverPanic(logger, rw, r, handle)
			next.ServeHTTP(rw, r)
		})
	}
}

// Recovery returns middleware using the package's default pretty console
// handler (internal/slogpretty), matching the teacher's Recovery().
func Recovery() func(http.Handler) http.Handler {
	return CustomRecoveryWithLogHandler(slogpretty.DefaultHandler, DefaultHandleRecovery)
}

func recoverPanic(logger *slog.Logger, w ResponseWriter, r *http.Request, handle RecoveryFunc) {
	err := recover()
	if err == nil {
		return
	}
	if e, ok := err.(error); ok && errors.Is(e, http.ErrAbortHandler) {
		panic(e)
	}

	logger.Error(
		"recovered from panic",
		slog.String(LoggerMethodKey, r.Method),
		slog.String(LoggerPathKey, r.URL.Path),
		slog.Any(LoggerPanicKey, err),
		slog.String("stack", stacktrace(3, 8)),
	)

	if !w.Written() && !connIsBroken(err) {
		handle(w, r, err)
	}
}

func connIsBroken(err any) bool {
	e, ok := err.(error)
	if !ok {
		return false
	}
	s := strings.ToLower(e.Error())
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset by peer")
}

func stacktrace(skip, nFrames int) string {
	pcs := make([]uintptr, nFrames+1)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return "(no stack)"
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	i := 0
	for {
		frame, more := frames.Next()
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "called from %s %s:%d", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
		i++
		if i >= nFrames {
			b.WriteString("\n(rest of stack elided)")
			break
		}
	}
	return b.String()
}
