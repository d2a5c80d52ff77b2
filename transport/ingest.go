package transport

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hazyhaar/tuoris/wire"
)

// ReadyFrame acknowledges one ingested batch.
const ReadyFrame = "ready"

// Ingest is the agent end of the ingress channel. It has at most one batch
// in flight: Ready reports false from Push until the hub acknowledges the
// batch with a ReadyFrame.
type Ingest struct {
	conn     *Conn
	inFlight atomic.Bool
	logger   *slog.Logger
}

// IngestURL returns the ingress endpoint of session on the mirror at base
// (http(s):// or ws(s)://).
func IngestURL(base, session string) string {
	return wsBase(base) + "/ingest/" + url.PathEscape(session)
}

// ViewURL returns the egress endpoint for the normalized rectangle r.
func ViewURL(base string, r wire.Rect) string {
	a := r.Array()
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return wsBase(base) + "/view?viewbox=" + url.QueryEscape(strings.Join(parts, " "))
}

func wsBase(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return base
}

// DialIngest opens the ingress channel of session.
func DialIngest(ctx context.Context, base, session string, s Settings, logger *slog.Logger) (*Ingest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := Dial(ctx, IngestURL(base, session), s, logger)
	if err != nil {
		return nil, err
	}
	in := &Ingest{conn: conn, logger: logger}
	go in.readAcks()
	return in, nil
}

func (in *Ingest) readAcks() {
	for {
		msg, err := in.conn.ReadText()
		if err != nil {
			if !IsClosed(err) {
				in.logger.Warn("transport: ingest channel lost", "error", err)
			}
			return
		}
		if string(msg) == ReadyFrame {
			in.inFlight.Store(false)
		}
	}
}

// Push sends b.
func (in *Ingest) Push(ctx context.Context, b wire.Batch) error {
	in.inFlight.Store(true)
	if err := in.conn.Send(ctx, b); err != nil {
		in.inFlight.Store(false)
		return err
	}
	return nil
}

// Ready reports whether the previous batch was acknowledged.
func (in *Ingest) Ready() bool { return !in.inFlight.Load() }

// Done is closed when the channel is gone, for instance after the hub
// moved to another session.
func (in *Ingest) Done() <-chan struct{} { return in.conn.Done() }

// Close closes the channel.
func (in *Ingest) Close() error { return in.conn.Close() }
