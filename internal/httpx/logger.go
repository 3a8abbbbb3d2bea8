package httpx

import (
	"cmp"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/manifold-studio/manifold/internal/netutil"
)

// Keys for the request-logging middleware's structured attributes, named
// after the teacher's own LoggerStatusKey/LoggerMethodKey/... constants
// (logger.go).
const (
	LoggerStatusKey  = "status"
	LoggerMethodKey  = "method"
	LoggerHostKey    = "host"
	LoggerPathKey    = "path"
	LoggerLatencyKey = "latency"
	LoggerSizeKey    = "size"
)

// Logger returns middleware that logs each request through handler: status
// codes are logged at different levels exactly like the teacher's
// middleware (2xx info, 3xx debug, 4xx warn, 5xx error).
func Logger(handler slog.Handler) func(http.Handler) http.Handler {
	log := slog.New(handler)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := Wrap(w)
			next.ServeHTTP(rw, r)
			latency := time.Since(start)

			log.LogAttrs(
				r.Context(),
				level(rw.Status()),
				remoteIP(r.RemoteAddr),
				slog.Int(LoggerStatusKey, rw.Status()),
				slog.String(LoggerMethodKey, r.Method),
				slog.String(LoggerHostKey, r.Host),
				slog.String(LoggerPathKey, cmp.Or(r.URL.RawPath, r.URL.Path)),
				slog.Int(LoggerSizeKey, rw.Size()),
				slog.Duration(LoggerLatencyKey, latency),
			)
		})
	}
}

// remoteIP strips the port (and any IPv6 zone) from r.RemoteAddr for the
// log line, the same split the teacher's own RemoteIP does with
// netutil.SplitHostZone over net.SplitHostPort.
func remoteIP(remoteAddr string) string {
	host := netutil.StripHostPort(remoteAddr)
	host, _ = netutil.SplitHostZone(host)
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

func level(status int) slog.Level {
	switch {
	case status >= 200 && status < 300:
		return slog.LevelInfo
	case status >= 300 && status < 400:
		return slog.LevelDebug
	case status >= 400 && status < 500:
		return slog.LevelWarn
	case status >= 500:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
