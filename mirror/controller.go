package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/tuoris/capture"
	"github.com/hazyhaar/tuoris/fanout"
	"github.com/hazyhaar/tuoris/host"
	"github.com/hazyhaar/tuoris/idgen"
	"github.com/hazyhaar/tuoris/mirror/internal/journal"
	"github.com/hazyhaar/tuoris/observability"
	"github.com/hazyhaar/tuoris/watch"
	"github.com/hazyhaar/tuoris/wire"
)

// ErrClosed is returned by Replace after Close.
var ErrClosed = errors.New("mirror: controller closed")

// LoadError reports content that could not be mounted. The hub has already
// been reset when it is returned, so viewers show an empty canvas.
type LoadError struct {
	Locator string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("mirror: load %s: %v", e.Locator, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Hub *fanout.Hub
	// Host opens content. It may be nil in interactive mode.
	Host    Host
	Journal *journal.Journal
	Metrics *observability.MetricsManager
	Capture CaptureConfig

	LocalFiles  bool
	Interactive bool
	// Watch remounts local content when the file or its assets change.
	Watch         bool
	WatchDebounce time.Duration

	// NewSession generates capture session ids. Default idgen.Session.
	NewSession idgen.Generator
	Logger     *slog.Logger
}

// Writers of a session's records.
const (
	WriterCapture = "capture"
	WriterRemote  = "remote"
)

// ErrWriterAttached is returned by Attach when the session already has a
// writer: its in-process capture agent or another remote agent.
var ErrWriterAttached = errors.New("mirror: session already has a writer")

// SessionInfo describes the active capture session.
type SessionInfo struct {
	ID          string       `json:"id"`
	Locator     string       `json:"locator,omitempty"`
	Interactive bool         `json:"interactive"`
	Writer      string       `json:"writer,omitempty"`
	Watch       *watch.Stats `json:"watch,omitempty"`
	Started     time.Time    `json:"started,omitzero"`
}

type session struct {
	info    SessionInfo
	ctx     context.Context
	cancel  context.CancelFunc
	page    Page
	done    chan struct{}
	watcher *watch.Watcher
}

// Controller owns the active capture session. Replace tears it down and
// mounts new content under a fresh session id.
type Controller struct {
	cfg    ControllerConfig
	logger *slog.Logger

	// replaceMu serializes Replace; mu guards the fields below and is never
	// held while content loads.
	replaceMu sync.Mutex
	mu        sync.Mutex
	closed    bool
	active    *session
}

// NewController creates a controller. No content is mounted until Replace.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.NewSession == nil {
		cfg.NewSession = idgen.Session
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger}
}

// Replace tears down the active session, resets the hub, which broadcasts
// Clear, and mounts locator under a new session. It returns the new
// session id, also on a *LoadError.
func (c *Controller) Replace(ctx context.Context, locator string) (string, error) {
	return c.replace(ctx, locator, "")
}

// remount replaces the content only while session is still active.
func (c *Controller) remount(session, locator string) error {
	_, err := c.replace(context.Background(), locator, session)
	return err
}

func (c *Controller) replace(ctx context.Context, locator, ifActive string) (string, error) {
	c.replaceMu.Lock()
	defer c.replaceMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if ifActive != "" && (c.active == nil || c.active.info.ID != ifActive) {
		c.mu.Unlock()
		return "", nil
	}
	prev := c.active
	c.active = nil
	c.mu.Unlock()
	c.teardown(prev, journal.StatusReplaced, nil)

	id := c.cfg.NewSession()
	c.cfg.Hub.Reset(id)
	if c.cfg.Journal != nil {
		if err := c.cfg.Journal.Start(ctx, id, locator); err != nil {
			c.logger.Warn("mirror: journal start", "error", err)
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		info: SessionInfo{
			ID:          id,
			Locator:     locator,
			Interactive: c.cfg.Interactive,
			Started:     time.Now(),
		},
		ctx:    sctx,
		cancel: cancel,
	}
	log := c.logger.With("session", id, "locator", locator)

	content, err := host.Resolve(locator, c.cfg.LocalFiles)
	if err != nil {
		return id, c.fail(s, err)
	}
	if !c.cfg.Interactive {
		if err := c.mount(ctx, s, content, log); err != nil {
			return id, c.fail(s, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.teardown(s, journal.StatusStopped, nil)
		return id, ErrClosed
	}
	c.active = s
	c.mu.Unlock()

	if c.cfg.Interactive {
		log.Info("mirror: session waiting for capture agent")
	} else {
		log.Info("mirror: session started", "url", content.URL)
	}
	return id, nil
}

// mount opens content in the host and starts the in-process capture agent,
// the session's only writer.
func (c *Controller) mount(ctx context.Context, s *session, content host.Content, log *slog.Logger) error {
	if c.cfg.Host == nil {
		return errors.New("no rendering host")
	}
	page, err := c.cfg.Host.Open(ctx, content, s.info.ID)
	if err != nil {
		return err
	}
	s.page = page
	s.done = make(chan struct{})
	s.info.Writer = WriterCapture

	agent := capture.New(capture.Config{
		Session:               s.info.ID,
		CanvasTag:             c.cfg.Capture.CanvasTag,
		Budget:                c.cfg.Capture.Budget,
		Cadence:               c.cfg.Capture.Cadence,
		BackpressureThreshold: c.cfg.Capture.BackpressureThreshold,
		Geometry:              page,
		Pusher:                capture.PusherFunc(c.Ingest),
		Logger:                c.logger,
	})
	go func() {
		defer close(s.done)
		if err := agent.Run(s.ctx, page.Observations()); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("mirror: capture agent stopped", "error", err)
			return
		}
		log.Info("mirror: capture agent finished", "seq", agent.Seq())
	}()

	if c.cfg.Watch && content.Local() {
		c.watch(s, content)
	}
	return nil
}

func (c *Controller) fail(s *session, err error) error {
	c.teardown(s, journal.StatusFailed, err)
	c.logger.Warn("mirror: load failed", "session", s.info.ID, "locator", s.info.Locator, "error", err)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Count(observability.MetricSessionsFailed, 1)
	}
	return &LoadError{Locator: s.info.Locator, Err: err}
}

// watch remounts s when its file or one of the local assets it references
// changes. Assets that do not exist are not watched.
func (c *Controller) watch(s *session, content host.Content) {
	paths := []string{content.Path}
	assets, err := host.Assets(content.Path)
	if err != nil {
		c.logger.Debug("mirror: content assets", "error", err)
	}
	for _, p := range assets {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			paths = append(paths, p)
		}
	}

	w, err := watch.New(paths, watch.Options{Debounce: c.cfg.WatchDebounce, Logger: c.logger})
	if err != nil {
		c.logger.Warn("mirror: watch content", "error", err)
		return
	}
	s.watcher = w

	id, locator := s.info.ID, s.info.Locator
	go w.OnChange(s.ctx, func() error { return c.remount(id, locator) })
}

// teardown stops the agent, closes the page, and with it every ingress
// channel bound to the session context. s must no longer be active.
func (c *Controller) teardown(s *session, status journal.Status, cause error) {
	if s == nil {
		return
	}
	s.cancel()
	if s.done != nil {
		<-s.done
	}
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			c.logger.Warn("mirror: close page", "session", s.info.ID, "error", err)
		}
	}
	if c.cfg.Journal != nil {
		if err := c.cfg.Journal.End(context.Background(), s.info.ID, status, cause); err != nil {
			c.logger.Warn("mirror: journal end", "error", err)
		}
	}
	if status != journal.StatusFailed {
		c.logger.Info("mirror: session torn down", "session", s.info.ID, "status", status)
	}
}

// Ingest folds one batch into the hub. It is the Pusher of in-process
// agents and the sink of the ingress channel.
func (c *Controller) Ingest(ctx context.Context, b wire.Batch) error {
	if err := c.cfg.Hub.Ingest(ctx, b); err != nil {
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Count(observability.MetricIngestBatches, 1)
	}
	return nil
}

// Current returns the active session. Without one, only the hub's session
// id is set.
func (c *Controller) Current() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return SessionInfo{ID: c.cfg.Hub.Session(), Interactive: c.cfg.Interactive}
	}
	info := c.active.info
	if w := c.active.watcher; w != nil {
		st := w.Stats()
		info.Watch = &st
	}
	return info
}

// Attach claims session id for a remote capture agent. The returned
// context is cancelled when the session is torn down; release gives the
// claim back. A session has at most one writer, so Attach fails with
// ErrWriterAttached while the in-process agent or another remote agent
// writes to it, and with fanout.ErrStaleSession unless id is active.
func (c *Controller) Attach(id string) (ctx context.Context, release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.active
	if s == nil || s.info.ID != id {
		return nil, nil, fanout.ErrStaleSession
	}
	if s.info.Writer != "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrWriterAttached, s.info.Writer)
	}
	s.info.Writer = WriterRemote

	var once sync.Once
	release = func() {
		once.Do(func() {
			c.mu.Lock()
			s.info.Writer = ""
			c.mu.Unlock()
		})
	}
	return s.ctx, release, nil
}

// History returns the most recent sessions of the journal, newest first.
// It is empty without a journal.
func (c *Controller) History(ctx context.Context, limit int) ([]journal.Session, error) {
	if c.cfg.Journal == nil {
		return nil, nil
	}
	return c.cfg.Journal.Recent(ctx, limit)
}

// Lookup returns the journal row of session id.
func (c *Controller) Lookup(ctx context.Context, id string) (*journal.Session, error) {
	if c.cfg.Journal == nil {
		return nil, journal.ErrNotFound
	}
	return c.cfg.Journal.Get(ctx, id)
}

// Close tears down the active session. Later Replace calls fail with
// ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	s := c.active
	c.active = nil
	c.mu.Unlock()
	c.teardown(s, journal.StatusStopped, nil)
}
