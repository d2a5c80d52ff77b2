package reconstruct

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/tuoris/transport"
	"github.com/hazyhaar/tuoris/wire"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Server is the mirror's base URL (http(s):// or ws(s)://).
	Server string
	// Cadence is the render tick interval. Default 16ms.
	Cadence  time.Duration
	Settings transport.Settings
	// Backoff paces reconnects. Default 250ms to 10s.
	Backoff transport.Backoff
	// OnFrame is called after every tick that changed the tree.
	OnFrame func(*Engine)
	Logger  *slog.Logger
}

// Client connects an Engine to the egress channel of a mirror and drives
// its render loop. It reconnects after connection loss; every connection
// starts with Clear and a full snapshot.
type Client struct {
	cfg    ClientConfig
	engine *Engine
	logger *slog.Logger
}

// NewClient creates a client feeding e. The subscription rectangle is the
// engine's Rect.
func NewClient(cfg ClientConfig, e *Engine) *Client {
	if cfg.Cadence <= 0 {
		cfg.Cadence = 16 * time.Millisecond
	}
	if cfg.Settings == (transport.Settings{}) {
		cfg.Settings = transport.DefaultSettings()
	}
	if cfg.Backoff.Min == 0 {
		cfg.Backoff = transport.Backoff{Min: 250 * time.Millisecond, Max: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, engine: e, logger: cfg.Logger}
}

// Run blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	batches := make(chan wire.Batch, 64)
	go c.receive(ctx, batches)

	ticker := time.NewTicker(c.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-batches:
			c.engine.Enqueue(b)
		case <-ticker.C:
			st := c.engine.Tick()
			if (st.Applied > 0 || st.Evicted > 0) && c.cfg.OnFrame != nil {
				c.cfg.OnFrame(c.engine)
			}
		}
	}
}

func (c *Client) receive(ctx context.Context, out chan<- wire.Batch) {
	url := transport.ViewURL(c.cfg.Server, c.engine.cfg.Rect)
	backoff := c.cfg.Backoff
	for ctx.Err() == nil {
		conn, err := transport.Dial(ctx, url, c.cfg.Settings, c.logger)
		if err != nil {
			c.logger.Warn("reconstruct: connect", "url", url, "error", err)
			if backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		backoff.Reset()
		c.logger.Info("reconstruct: connected", "url", url)

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		for {
			b, err := conn.ReadBatch()
			if err != nil {
				if ctx.Err() == nil && !transport.IsClosed(err) {
					c.logger.Warn("reconstruct: connection lost", "error", err)
				}
				break
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}
		stop()
		conn.Close()
		if backoff.Wait(ctx) != nil {
			return
		}
	}
}
