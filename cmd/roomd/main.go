// Command roomd serves the room service (spec §4.4) over HTTP: snapshot
// and history reads, and the live WebSocket sync endpoint, backed by a
// Badger-based roomstore.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/manifold-studio/manifold/internal/httpx"
	"github.com/manifold-studio/manifold/internal/slogpretty"
	"github.com/manifold-studio/manifold/roomservice"
	"github.com/manifold-studio/manifold/roomstore"
	"github.com/manifold-studio/manifold/signals"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dataDir := flag.String("data", "./roomd-data", "badger data directory")
	pretty := flag.Bool("pretty", true, "use the colorized console log handler")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight connections on shutdown")
	flag.Parse()

	logger := newLogger(*pretty)

	if err := run(*addr, *dataDir, *shutdownTimeout, logger); err != nil {
		logger.Error("roomd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(pretty bool) *slog.Logger {
	if pretty {
		return slog.New(slogpretty.DefaultHandler)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func run(addr, dataDir string, shutdownTimeout time.Duration, logger *slog.Logger) error {
	store, err := roomstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("roomd: open store: %w", err)
	}
	defer store.Close()

	svc := roomservice.NewService(store, roomservice.WithLogger(logger))

	handler := httpx.Chain(svc.Routes(),
		httpx.Logger(logger.Handler()),
		httpx.CustomRecoveryWithLogHandler(logger.Handler(), httpx.DefaultHandleRecovery),
	)

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	ctx, cancel := signals.SetupHandler()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("roomd listening", slog.String("addr", addr), slog.String("data", dataDir))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("roomd: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("roomd shutting down", slog.Duration("timeout", shutdownTimeout))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("roomd: shutdown: %w", err)
	}
	return nil
}
