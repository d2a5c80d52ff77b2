package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tuoris/fanout"
	"github.com/hazyhaar/tuoris/mirror/internal/journal"
	"github.com/hazyhaar/tuoris/observability"
	"github.com/hazyhaar/tuoris/shield"
	"github.com/hazyhaar/tuoris/transport"
	"github.com/hazyhaar/tuoris/wire"
)

// ServerConfig configures the HTTP surface of the mirror.
type ServerConfig struct {
	Controller *Controller
	Hub        *fanout.Hub
	Transport  transport.Settings
	// Limiter bounds PUT /content per client. Optional.
	Limiter *shield.RateLimiter
	// DB and Worker locate the heartbeat reported by /status. Optional.
	DB             *sql.DB
	Worker         string
	HeartbeatStale time.Duration
	// Metrics backs GET /metrics. Optional.
	Metrics *observability.MetricsManager
	// History is the number of journal sessions listed by /status.
	// Default 5.
	History int
	Logger  *slog.Logger
}

// Server serves the egress, ingress and control endpoints.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatStale <= 0 {
		cfg.HeartbeatStale = time.Minute
	}
	if cfg.History <= 0 {
		cfg.History = 5
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler returns the chi router.
//
//	GET /view?viewbox=x+y+w+h   viewer egress (websocket)
//	GET /ingest/{session}        capture agent ingress (websocket)
//	PUT /content                 {"locator": "..."} content replacement
//	GET /sessions/{session}      journal row of a session
//	GET /metrics?name=&limit=    recent metric datapoints
//	GET /status, GET /healthz
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/sessions/{session}", s.handleSession)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/view", s.handleView)
	r.Get("/ingest/{session}", s.handleIngest)

	if s.cfg.Limiter != nil {
		r.With(s.cfg.Limiter.Middleware).Put("/content", s.handleContent)
	} else {
		r.Put("/content", s.handleContent)
	}
	return r
}

type statusResponse struct {
	Session   SessionInfo                    `json:"session"`
	Hub       fanout.Stats                   `json:"hub"`
	Recent    []journal.Session              `json:"recent,omitempty"`
	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session: s.cfg.Controller.Current(),
		Hub:     s.cfg.Hub.Stats(),
	}
	recent, err := s.cfg.Controller.History(r.Context(), s.cfg.History)
	if err != nil {
		shield.GetLogger(r.Context()).Warn("mirror: status history", "error", err)
	}
	resp.Recent = recent
	if s.cfg.DB != nil && s.cfg.Worker != "" {
		hb, err := observability.LatestHeartbeat(r.Context(), s.cfg.DB, s.cfg.Worker, s.cfg.HeartbeatStale)
		if err != nil {
			shield.GetLogger(r.Context()).Warn("mirror: status heartbeat", "error", err)
		}
		resp.Heartbeat = hb
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Controller.Lookup(r.Context(), chi.URLParam(r, "session"))
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics storage disabled"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	ms, err := s.cfg.Metrics.Query(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ms == nil {
		ms = []*observability.Metric{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locator string `json:"locator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Locator) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "locator is required"})
		return
	}

	id, err := s.cfg.Controller.Replace(r.Context(), req.Locator)
	var le *LoadError
	switch {
	case errors.Is(err, ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.As(err, &le):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   le.Error(),
			"session": id,
			"locator": req.Locator,
		})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"session": id, "locator": req.Locator})
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())

	norm, err := parseViewBox(r.URL.Query().Get("viewbox"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	v, err := s.cfg.Hub.Subscribe(norm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer s.cfg.Hub.Unsubscribe(v)

	conn, err := transport.Upgrade(w, r, s.cfg.Transport, log)
	if err != nil {
		log.Warn("mirror: view upgrade", "error", err)
		return
	}
	defer conn.Close()
	log.Info("mirror: viewer connected", "viewer", v.ID(), "rect", norm.Array())

	// Viewers send nothing; reading keeps the deadline and close handling alive.
	go func() {
		for {
			if _, err := conn.ReadText(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case b, ok := <-v.Batches():
			if !ok {
				return
			}
			if err := conn.Send(ctx, b); err != nil {
				if !transport.IsClosed(err) {
					log.Warn("mirror: view send", "viewer", v.ID(), "error", err)
				}
				return
			}
		case <-conn.Done():
			log.Info("mirror: viewer disconnected", "viewer", v.ID())
			return
		}
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())
	id := chi.URLParam(r, "session")

	sctx, release, err := s.cfg.Controller.Attach(id)
	switch {
	case errors.Is(err, ErrWriterAttached):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "session already has a writer",
			"session": id,
		})
		return
	case err != nil:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "stale session",
			"session": s.cfg.Hub.Session(),
		})
		return
	}
	defer release()

	conn, err := transport.Upgrade(w, r, s.cfg.Transport, log)
	if err != nil {
		log.Warn("mirror: ingest upgrade", "error", err)
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(sctx, func() { conn.Close() })
	defer stop()
	log.Info("mirror: capture agent attached", "session", id)

	for {
		msg, err := conn.ReadText()
		if err != nil {
			if !transport.IsClosed(err) && sctx.Err() == nil {
				log.Warn("mirror: ingest read", "session", id, "error", err)
			}
			return
		}

		b, err := wire.UnmarshalBatch(msg)
		switch {
		case err != nil:
			log.Warn("mirror: malformed batch", "session", id, "error", err)
		case b.Session != "" && b.Session != id:
			log.Warn("mirror: batch for another session", "session", id, "batch_session", b.Session)
		default:
			b.Session = id
			err = s.cfg.Controller.Ingest(sctx, *b)
			if errors.Is(err, fanout.ErrStaleSession) {
				log.Info("mirror: ingest for superseded session closed", "session", id)
				return
			}
			if err != nil {
				log.Warn("mirror: ingest", "session", id, "error", err)
			}
		}

		if err := conn.SendText(sctx, []byte(transport.ReadyFrame)); err != nil {
			return
		}
	}
}

// parseViewBox reads the normalized viewer rectangle "x y w h". Commas are
// accepted as separators.
func parseViewBox(s string) (wire.Rect, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '+' })
	if len(parts) != 4 {
		return wire.Rect{}, fmt.Errorf("mirror: viewbox wants 4 numbers, got %q", s)
	}
	var a [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return wire.Rect{}, fmt.Errorf("mirror: viewbox: %w", err)
		}
		a[i] = v
	}
	return wire.RectOf(a), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
