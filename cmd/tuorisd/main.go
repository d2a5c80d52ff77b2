// Command tuorisd serves a live mirror of one SVG canvas to any number of
// viewers.
//
// Usage:
//
//	tuorisd -config tuoris.yaml
//	tuorisd -addr :8080 -content https://example.com/board.svg
//	tuorisd -interactive            # wait for a remote tuoris-agent
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/tuoris/mirror"
)

func main() {
	configPath := flag.String("config", "", "path to tuoris.yaml config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	content := flag.String("content", "", "initial content locator (overrides config)")
	interactive := flag.Bool("interactive", false, "accept capture from remote agents instead of a local browser")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tuorisd:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *content != "" {
		cfg.Content.Locator = *content
	}
	if *interactive {
		cfg.Content.Interactive = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("tuorisd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *mirror.Config) error {
	m, err := mirror.New(cfg, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

func loadConfig(path string) (*mirror.Config, error) {
	if path == "" {
		return mirror.DefaultConfig(), nil
	}
	cfg, err := mirror.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
