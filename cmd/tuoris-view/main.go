// Command tuoris-view is a headless viewer. It subscribes to one tile of a
// mirror's canvas and periodically writes the reconstructed document as
// HTML.
//
// Usage:
//
//	tuoris-view -server http://localhost:8080 -rows 2 -cols 2 -index 3 -out tile3.html
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hazyhaar/tuoris/reconstruct"
	"github.com/hazyhaar/tuoris/wire"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "mirror base URL")
	index := flag.Int("index", 0, "tile index, row-major")
	rows := flag.Int("rows", 1, "grid rows")
	cols := flag.Int("cols", 1, "grid columns")
	out := flag.String("out", "", "output file (default stdout)")
	every := flag.Duration("every", time.Second, "snapshot interval")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *rows < 1 || *cols < 1 || *index < 0 || *index >= *rows*(*cols) {
		fmt.Fprintln(os.Stderr, "tuoris-view: index must lie within a rows x cols grid")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, *server, reconstruct.GridRect(*index, *rows, *cols), *out, *every)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tuoris-view: fatal", "error", err)
		os.Exit(1)
	}
}

// snapshot holds the latest rendering. OnFrame runs on the client loop, the
// writer on its own ticker.
type snapshot struct {
	mu    sync.Mutex
	html  []byte
	dirty bool
}

func run(ctx context.Context, logger *slog.Logger, server string, rect wire.Rect, out string, every time.Duration) error {
	var snap snapshot
	engine := reconstruct.New(reconstruct.Config{
		Rect:   rect,
		Logger: logger,
		OnRender: func(r wire.Render) {
			logger.Debug("tuoris-view: render", "timestamp", r.Timestamp)
		},
	})
	client := reconstruct.NewClient(reconstruct.ClientConfig{
		Server: server,
		Logger: logger,
		OnFrame: func(e *reconstruct.Engine) {
			var buf bytes.Buffer
			if err := e.RenderHTML(&buf); err != nil {
				logger.Warn("tuoris-view: render html", "error", err)
				return
			}
			snap.mu.Lock()
			snap.html = buf.Bytes()
			snap.dirty = true
			snap.mu.Unlock()
		},
	}, engine)

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap.mu.Lock()
				data, dirty := snap.html, snap.dirty
				snap.dirty = false
				snap.mu.Unlock()
				if !dirty {
					continue
				}
				if err := write(out, data); err != nil {
					logger.Warn("tuoris-view: write", "error", err)
				}
			}
		}
	}()

	logger.Info("tuoris-view: subscribing", "server", server, "rect", rect.Array())
	return client.Run(ctx)
}

func write(path string, data []byte) error {
	if path == "" {
		_, err := io.Copy(os.Stdout, bytes.NewReader(append(data, '\n')))
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
