// Command tuoris-agent runs the capture side of a mirror on another
// machine. It loads content in a local browser and streams it to a tuorisd
// started with -interactive.
//
// Usage:
//
//	tuoris-agent -server http://mirror:8080 -content ./board.svg -local
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/tuoris/capture"
	"github.com/hazyhaar/tuoris/host"
	"github.com/hazyhaar/tuoris/transport"
)

type options struct {
	server   string
	content  string
	session  string
	local    bool
	canvas   string
	remote   string
	bin      string
	headful  bool
	navigate time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.server, "server", "http://localhost:8080", "mirror base URL")
	flag.StringVar(&o.content, "content", "", "content locator (URL or local path)")
	flag.StringVar(&o.session, "session", "", "capture session id (default: the mirror's current session)")
	flag.BoolVar(&o.local, "local", false, "allow local file content")
	flag.StringVar(&o.canvas, "canvas", "svg", "canvas root tag")
	flag.StringVar(&o.remote, "remote", "", "DevTools URL of an already running browser")
	flag.StringVar(&o.bin, "bin", "", "browser binary")
	flag.BoolVar(&o.headful, "headful", false, "show the browser window")
	flag.DurationVar(&o.navigate, "navigate-timeout", 30*time.Second, "page load timeout")
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

	if o.content == "" {
		fmt.Fprintln(os.Stderr, "usage: tuoris-agent -server <url> -content <locator>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tuoris-agent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	content, err := host.Resolve(o.content, o.local)
	if err != nil {
		return err
	}

	session := o.session
	if session == "" {
		if session, err = currentSession(ctx, o.server); err != nil {
			return err
		}
	}

	mgr := host.NewManager(host.Config{RemoteURL: o.remote, Bin: o.bin, Headful: o.headful, Logger: logger})
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	in, err := transport.DialIngest(ctx, o.server, session, transport.DefaultSettings(), logger)
	if err != nil {
		return fmt.Errorf("attach %s: %w", session, err)
	}
	defer in.Close()

	tab, err := host.OpenTab(ctx, mgr, host.TabConfig{
		URL:             content.URL,
		Session:         session,
		CanvasTag:       o.canvas,
		NavigateTimeout: o.navigate,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer tab.Close()

	// The mirror closes the ingress channel when the session is replaced.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-in.Done():
			logger.Info("tuoris-agent: ingress closed", "session", session)
			cancel()
		case <-ctx.Done():
		}
	}()

	agent := capture.New(capture.Config{
		Session:   session,
		CanvasTag: o.canvas,
		Geometry:  tab,
		Pusher:    in,
		Logger:    logger,
	})
	logger.Info("tuoris-agent: capturing", "session", session, "url", content.URL)
	return agent.Run(ctx, tab.Observations())
}

// currentSession asks the mirror which session is active.
func currentSession(ctx context.Context, server string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/status", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status: HTTP %d", resp.StatusCode)
	}
	var st struct {
		Hub struct {
			Session string `json:"session"`
		} `json:"hub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if st.Hub.Session == "" {
		return "", errors.New("status: mirror reports no session")
	}
	return st.Hub.Session, nil
}
