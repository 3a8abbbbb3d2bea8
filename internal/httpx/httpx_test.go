package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseWriterRecordsStatusAndSize(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := Wrap(rec)
	assert.False(t, rw.Written())

	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, rw.Written())
	assert.Equal(t, http.StatusOK, rw.Status())
	assert.Equal(t, 5, rw.Size())
}

func TestResponseWriterWriteHeaderRecordsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := Wrap(rec)
	rw.WriteHeader(http.StatusNotFound)
	assert.Equal(t, http.StatusNotFound, rw.Status())
	assert.True(t, rw.Written())
}

func TestLoggerLogsEveryRequestAtTheRightLevel(t *testing.T) {
	capture := &captureHandler{}
	mw := Logger(capture)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms/default/snapshot", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, capture.records, 1)
	assert.Equal(t, slog.LevelWarn, capture.records[0].Level)
}

func TestRecoveryCatchesPanicAndResponds500(t *testing.T) {
	mw := CustomRecoveryWithLogHandler(slog.NewTextHandler(discard{}, nil), DefaultHandleRecovery)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, req)
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecoveryLeavesAlreadyWrittenResponseAlone(t *testing.T) {
	mw := CustomRecoveryWithLogHandler(slog.NewTextHandler(discard{}, nil), DefaultHandleRecovery)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("boom after header")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestChainRunsMiddlewareOutermostFirst(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), mark("A"), mark("B"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"A", "B"}, order)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// captureHandler is a minimal slog.Handler that records every emitted
// Record, used to assert the Logger middleware picks the right level.
type captureHandler struct {
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }
