// Package mirror assembles the live canvas mirror: the rendering host, the
// capture session controller, the fan-out hub and the HTTP surface through
// which viewers subscribe and content is replaced.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/tuoris/dbopen"
	"github.com/hazyhaar/tuoris/fanout"
	"github.com/hazyhaar/tuoris/host"
	"github.com/hazyhaar/tuoris/idgen"
	"github.com/hazyhaar/tuoris/mirror/internal/journal"
	"github.com/hazyhaar/tuoris/observability"
	"github.com/hazyhaar/tuoris/shield"
	"github.com/hazyhaar/tuoris/transport"
)

// WorkerName identifies the mirror's heartbeat rows.
const WorkerName = "tuorisd"

// Mirror is one mirror instance.
type Mirror struct {
	cfg    *Config
	logger *slog.Logger

	db        *sql.DB
	metrics   *observability.MetricsManager
	heartbeat *observability.Heartbeat
	browser   *host.Manager
	hub       *fanout.Hub
	ctl       *Controller
	srv       *Server
}

// New wires a mirror from configuration. Nothing is started until Run.
func New(cfg *Config, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{cfg: cfg, logger: logger}

	var jr *journal.Journal
	if cfg.Storage.Path != "" {
		db, err := dbopen.Open(cfg.Storage.Path,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(observability.Schema),
			dbopen.WithSchema(journal.Schema))
		if err != nil {
			return nil, fmt.Errorf("mirror: storage: %w", err)
		}
		m.db = db
		m.metrics = observability.NewMetricsManager(db, 100, cfg.Storage.MetricsFlush, logger)
		m.heartbeat = observability.NewHeartbeat(db, WorkerName, cfg.Storage.HeartbeatInterval, logger)
		jr = journal.New(db)
	}

	m.hub = fanout.NewHub(idgen.Session(), fanout.Config{
		QueueSize: cfg.Fanout.QueueSize,
		Metrics:   m.metrics,
		Logger:    logger,
	})

	var h Host
	if !cfg.Content.Interactive {
		m.browser = host.NewManager(host.Config{
			RemoteURL: cfg.Browser.Remote,
			Bin:       cfg.Browser.Bin,
			Headful:   cfg.Browser.Headful,
			Logger:    logger,
		})
		h = &RodHost{
			Manager:         m.browser,
			CanvasTag:       cfg.Capture.CanvasTag,
			Variables:       cfg.Content.Variables,
			NavigateTimeout: cfg.Browser.NavigateTimeout,
			Logger:          logger,
		}
	}

	m.ctl = NewController(ControllerConfig{
		Hub:           m.hub,
		Host:          h,
		Journal:       jr,
		Metrics:       m.metrics,
		Capture:       cfg.Capture,
		LocalFiles:    cfg.Content.LocalFiles,
		Interactive:   cfg.Content.Interactive,
		Watch:         cfg.Content.Watch,
		WatchDebounce: cfg.Content.WatchDebounce,
		Logger:        logger,
	})

	m.srv = NewServer(ServerConfig{
		Controller:     m.ctl,
		Hub:            m.hub,
		Transport:      transportSettings(cfg.Transport),
		Limiter:        shield.NewRateLimiter(rate.Every(cfg.RateLimit.Every), cfg.RateLimit.Burst),
		DB:             m.db,
		Worker:         WorkerName,
		HeartbeatStale: 3 * cfg.Storage.HeartbeatInterval,
		Metrics:        m.metrics,
		Logger:         logger,
	})
	return m, nil
}

func transportSettings(c TransportConfig) transport.Settings {
	return transport.Settings{
		WriteTimeout: c.WriteTimeout,
		ReadTimeout:  c.ReadTimeout,
		PingInterval: c.PingInterval,
		MaxMessage:   c.MaxMessage,
		SendBuffer:   c.SendBuffer,
	}
}

// Handler returns the HTTP handler.
func (m *Mirror) Handler() http.Handler { return m.srv.Handler() }

// Controller returns the session controller.
func (m *Mirror) Controller() *Controller { return m.ctl }

// Run starts the host, mounts the configured content and serves HTTP until
// ctx is cancelled. Everything is released on return.
func (m *Mirror) Run(ctx context.Context) error {
	defer m.close()

	if m.browser != nil {
		if err := m.browser.Start(ctx); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	if m.heartbeat != nil {
		go m.heartbeat.Run(ctx)
	}

	if loc := m.cfg.Content.Locator; loc != "" {
		if _, err := m.ctl.Replace(ctx, loc); err != nil {
			m.logger.Error("mirror: initial content", "error", err)
		}
	}

	srv := &http.Server{
		Addr:              m.cfg.Addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	m.logger.Info("mirror: listening", "addr", m.cfg.Addr, "session", m.hub.Session())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mirror: serve: %w", err)
		}
	}

	// Viewer sockets are hijacked and not tracked by Shutdown; closing the
	// hub ends their handlers.
	m.ctl.Close()
	m.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("mirror: shutdown", "error", err)
	}
	m.logger.Info("mirror: stopped")
	return nil
}

func (m *Mirror) close() {
	m.ctl.Close()
	m.hub.Close()
	if m.browser != nil {
		m.browser.Close()
	}
	if m.metrics != nil {
		m.metrics.Close()
	}
	if m.db != nil {
		m.db.Close()
	}
}
