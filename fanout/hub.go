// Package fanout projects the canonical store onto every subscribed viewer.
//
// A Hub owns the store of the active capture session. Each ingested batch
// is folded into the store and then filtered per viewer: an element is
// pushed to a viewer when its box, or its box of the previous generation,
// overlaps the viewer's rectangle, or when it has not been measured yet.
// Every pushed element is preceded by its ancestors.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/tuoris/idgen"
	"github.com/hazyhaar/tuoris/observability"
	"github.com/hazyhaar/tuoris/store"
	"github.com/hazyhaar/tuoris/wire"
)

var (
	// ErrStaleSession is returned by Ingest for a batch tagged with a
	// superseded capture session.
	ErrStaleSession = errors.New("fanout: batch from stale session")
	// ErrInvalidRect is returned by Subscribe when a rectangle component
	// lies outside [0,1].
	ErrInvalidRect = errors.New("fanout: normalized rect out of range")
)

// Config configures a Hub.
type Config struct {
	// QueueSize bounds each viewer's outbound queue. Default 64.
	QueueSize int
	// Metrics receives per-push counters. Optional.
	Metrics *observability.MetricsManager
	// NewID generates viewer ids. Default idgen.Prefixed("vw_", idgen.Default).
	NewID  idgen.Generator
	Clock  func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("vw_", idgen.Default)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Hub serialises batch ingestion, snapshots and resets behind one mutex.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	session string
	store   *store.Store
	viewers map[string]*Viewer

	backpressure rate.Sometimes
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Session string `json:"session"`
	Viewers int    `json:"viewers"`
	Nodes   int    `json:"nodes"`
}

// NewHub creates a hub whose active session is session.
func NewHub(session string, cfg Config) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:          cfg,
		logger:       cfg.Logger,
		session:      session,
		store:        store.New(cfg.Logger),
		viewers:      make(map[string]*Viewer),
		backpressure: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Session returns the active session id.
func (h *Hub) Session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Stats returns the current hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Session: h.session, Viewers: len(h.viewers), Nodes: h.store.Len()}
}

// Subscribe registers a viewer for the normalized rectangle norm. The
// viewer's first payload, already queued on return, is Clear followed by a
// full filtered snapshot.
func (h *Hub) Subscribe(norm wire.Rect) (*Viewer, error) {
	if !norm.Normalized() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRect, norm.Array())
	}
	v := newViewer(h.cfg.NewID(), norm, h.cfg.QueueSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.viewers[v.id] = v
	v.resync = true
	h.deliver(v, nil)
	h.logger.Info("fanout: viewer subscribed", "viewer", v.id, "rect", norm.Array(), "session", h.session)
	return v, nil
}

// Unsubscribe removes the viewer and drops its queued payloads.
func (h *Hub) Unsubscribe(v *Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v.id]; !ok {
		return
	}
	delete(h.viewers, v.id)
	v.close()
	h.logger.Info("fanout: viewer unsubscribed", "viewer", v.id)
}

// Ingest folds a batch of the active session into the store and pushes the
// filtered diff to every viewer. Batches of any other session are
// discarded with ErrStaleSession.
func (h *Hub) Ingest(_ context.Context, b wire.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b.Session != h.session {
		h.logger.Warn("fanout: batch from stale session discarded",
			"session", b.Session, "active", h.session, "seq", b.Seq)
		return fmt.Errorf("%w: %q", ErrStaleSession, b.Session)
	}

	res := h.store.Apply(b)
	dirty := h.store.Dirty()
	if dirty.Empty() {
		return nil
	}
	if dirty.Reset {
		for _, v := range h.viewers {
			v.resync = true
		}
	}

	p := projector{store: h.store, now: h.cfg.Clock}
	for _, id := range h.viewerIDs() {
		v := h.viewers[id]
		var recs []wire.Record
		culled := 0
		if !v.resync {
			recs, culled = p.diff(v.norm)
		}
		h.deliver(v, recs)
		h.record(v, len(recs), culled)
	}
	h.store.Commit()

	if res.Skipped > 0 {
		h.logger.Debug("fanout: batch applied with violations",
			"seq", b.Seq, "applied", res.Applied, "skipped", res.Skipped)
	}
	return nil
}

// Push implements capture.Pusher for an in-process capture agent.
func (h *Hub) Push(ctx context.Context, b wire.Batch) error { return h.Ingest(ctx, b) }

// Reset discards the store, makes session the active session and sends
// Clear with the (empty) snapshot to every viewer.
func (h *Hub) Reset(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.session
	h.session = session
	h.store = store.New(h.cfg.Logger)
	for _, id := range h.viewerIDs() {
		v := h.viewers[id]
		v.resync = true
		h.deliver(v, nil)
	}
	h.logger.Info("fanout: session reset", "previous", old, "session", session, "viewers", len(h.viewers))
}

// Close unsubscribes every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, v := range h.viewers {
		v.close()
		delete(h.viewers, id)
	}
}

// deliver queues recs for v, or Clear plus a snapshot when v needs a resync.
// Called with h.mu held.
func (h *Hub) deliver(v *Viewer, recs []wire.Record) {
	if v.resync {
		p := projector{store: h.store, now: h.cfg.Clock}
		recs = p.snapshot(v.norm)
	} else if len(recs) == 0 {
		return
	}

	v.seq++
	b := wire.Batch{Session: h.session, Seq: v.seq, Records: recs}
	if v.offer(b) {
		v.resync = false
		return
	}
	v.discard()
	v.resync = true
	h.backpressure.Do(func() {
		h.logger.Warn("fanout: viewer queue full, resync scheduled", "viewer", v.id, "queue", cap(v.out))
	})
}

func (h *Hub) viewerIDs() []string {
	ids := make([]string, 0, len(h.viewers))
	for id := range h.viewers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Hub) record(v *Viewer, records, culled int) {
	if h.cfg.Metrics == nil {
		return
	}
	now := h.cfg.Clock()
	labels := map[string]string{"viewer": v.id, "session": h.session}
	h.cfg.Metrics.Record(&observability.Metric{
		Name: observability.MetricFanoutRecords, Timestamp: now, Value: float64(records), Labels: labels, Unit: "count",
	})
	h.cfg.Metrics.Record(&observability.Metric{
		Name: observability.MetricFanoutCulled, Timestamp: now, Value: float64(culled), Labels: labels, Unit: "count",
	})
}
