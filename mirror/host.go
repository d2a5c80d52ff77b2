package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/tuoris/capture"
	"github.com/hazyhaar/tuoris/host"
)

// Page is mounted content being observed: the source of the capture
// agent's observations and its geometry provider.
type Page interface {
	capture.Geometry
	Observations() <-chan capture.Observation
	Close() error
}

// Host opens content for a capture session.
type Host interface {
	Open(ctx context.Context, c host.Content, session string) (Page, error)
}

// RodHost opens content in stealth Chrome tabs.
type RodHost struct {
	Manager         *host.Manager
	CanvasTag       string
	Variables       map[string]any
	NavigateTimeout time.Duration
	Logger          *slog.Logger
}

// Open implements Host.
func (h *RodHost) Open(ctx context.Context, c host.Content, session string) (Page, error) {
	tab, err := host.OpenTab(ctx, h.Manager, host.TabConfig{
		URL:             c.URL,
		Session:         session,
		CanvasTag:       h.CanvasTag,
		Variables:       h.Variables,
		NavigateTimeout: h.NavigateTimeout,
		Logger:          h.Logger,
	})
	if err != nil {
		return nil, err
	}
	return tab, nil
}
