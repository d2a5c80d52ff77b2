package host

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/tuoris/capture"
)

//go:embed shim.js
var shimJS string

const bindingName = "__tuoris_binding"

const measureJS = `(keys) => JSON.stringify(keys.map((k) => {
	const n = window.__tuoris && window.__tuoris.node(k);
	if (!n || !n.isConnected || typeof n.getBoundingClientRect !== 'function') return null;
	const r = n.getBoundingClientRect();
	return [r.left + scrollX, r.top + scrollY, r.right + scrollX, r.bottom + scrollY];
}))`

const transformJS = `() => {
	const r = window.__tuoris && window.__tuoris.root();
	const m = r && typeof r.getScreenCTM === 'function' ? r.getScreenCTM() : null;
	if (!m) return 'null';
	const i = m.inverse();
	return JSON.stringify([i.a, i.b, i.c, i.d, i.e, i.f, scrollX, scrollY]);
}`

// TabConfig configures OpenTab.
type TabConfig struct {
	// URL is the resolved content URL.
	URL string
	// Session is exposed to the page as window.__tuoris.session.
	Session string
	// CanvasTag selects the canvas root for the transform. Default "svg".
	CanvasTag string
	// Variables are assigned on window before any page script runs.
	Variables map[string]any
	// NavigateTimeout bounds navigation and load. Default 30s.
	NavigateTimeout time.Duration
	// QueueSize is the observation channel capacity. Default 4096.
	QueueSize int

	Logger *slog.Logger
}

func (c *TabConfig) defaults() {
	if c.CanvasTag == "" {
		c.CanvasTag = "svg"
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Tab is one stealth page showing mounted content. It implements
// capture.Geometry.
type Tab struct {
	page   *rod.Page
	url    string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	obs    chan capture.Observation
}

var _ capture.Geometry = (*Tab)(nil)

// OpenTab opens cfg.URL in a new stealth tab and starts observing the
// canvas. Observations are available from Observations until Close.
func OpenTab(ctx context.Context, mgr *Manager, cfg TabConfig) (*Tab, error) {
	cfg.defaults()

	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("host: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("host: create tab: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Tab{
		page:   page,
		url:    cfg.URL,
		logger: cfg.Logger.With("url", cfg.URL),
		ctx:    tctx,
		cancel: cancel,
		obs:    make(chan capture.Observation, cfg.QueueSize),
	}

	fail := func(err error) (*Tab, error) {
		t.Close()
		return nil, err
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return fail(fmt.Errorf("host: add binding: %w", err))
	}

	pre, err := preamble(cfg)
	if err != nil {
		return fail(err)
	}
	if _, err := page.EvalOnNewDocument(pre); err != nil {
		return fail(fmt.Errorf("host: inject preamble: %w", err))
	}

	go t.listen()

	navCtx, navCancel := context.WithTimeout(ctx, cfg.NavigateTimeout)
	defer navCancel()

	if err := page.Context(navCtx).Navigate(cfg.URL); err != nil {
		return fail(fmt.Errorf("host: navigate %s: %w", cfg.URL, err))
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		t.logger.Warn("host: wait load", "error", err)
	}

	if _, err := page.Context(navCtx).Eval(shimJS); err != nil {
		return fail(fmt.Errorf("host: inject shim: %w", err))
	}

	t.logger.Info("host: tab opened")
	return t, nil
}

// preamble assigns the page variables and the shim configuration.
func preamble(cfg TabConfig) (string, error) {
	var sb strings.Builder
	for name, v := range cfg.Variables {
		js, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("host: variable %s: %w", name, err)
		}
		k, _ := json.Marshal(name)
		fmt.Fprintf(&sb, "window[%s] = %s;\n", k, js)
	}
	conf, err := json.Marshal(map[string]string{"session": cfg.Session, "canvas": cfg.CanvasTag})
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "window.__tuoris_config = %s;\n", conf)
	return sb.String(), nil
}

// listen forwards binding calls from the shim until the tab closes.
func (t *Tab) listen() {
	defer close(t.obs)

	t.page.Context(t.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		obs, err := decodeRecords(e.Payload, t.logger)
		if err != nil {
			t.logger.Warn("host: binding payload", "error", err)
			return
		}
		for _, o := range obs {
			select {
			case t.obs <- o:
			case <-t.ctx.Done():
				return
			}
		}
	})()
}

// Observations returns the channel of host observations. It is closed
// when the tab closes.
func (t *Tab) Observations() <-chan capture.Observation { return t.obs }

// URL returns the content URL.
func (t *Tab) URL() string { return t.url }

// Measure returns the scroll-adjusted bounding client rect of each node.
func (t *Tab) Measure(ctx context.Context, keys []capture.HostKey) ([]capture.Measurement, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	res, err := t.page.Context(ctx).Eval(measureJS, keys)
	if err != nil {
		return nil, fmt.Errorf("host: measure: %w", err)
	}
	return decodeMeasurements(res.Value.Str(), len(keys))
}

// Transform returns the page-to-canvas matrix of the canvas root.
func (t *Tab) Transform(ctx context.Context) (capture.Matrix, error) {
	res, err := t.page.Context(ctx).Eval(transformJS)
	if err != nil {
		return capture.Matrix{}, fmt.Errorf("host: transform: %w", err)
	}
	return decodeTransform(res.Value.Str())
}

// Close stops observing and closes the page.
func (t *Tab) Close() error {
	t.cancel()
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}
