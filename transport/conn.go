// Package transport carries wire batches over websockets: the egress
// channel from the fan-out hub to viewers and the ingress channel from a
// remote capture agent to the hub.
//
// A Conn owns one write goroutine. Send queues a frame for it; reads happen
// on the caller's goroutine. Both sides ping every 30s and every write has
// a 10s deadline.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/tuoris/wire"
)

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("transport: connection closed")

// Settings tune a connection.
type Settings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	MaxMessage   int64
	SendBuffer   int
}

// DefaultSettings returns the settings used by the mirror.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  90 * time.Second,
		PingInterval: 30 * time.Second,
		MaxMessage:   32 << 20,
		SendBuffer:   16,
	}
}

// Conn is a websocket carrying text frames.
type Conn struct {
	ws       *websocket.Conn
	settings Settings
	logger   *slog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Viewers are served from arbitrary origins (walls of screens, kiosks).
	CheckOrigin: func(*http.Request) bool { return true },
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, s Settings, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newConn(ws, s, logger), nil
}

// Dial connects to a websocket endpoint (ws:// or wss://).
func Dial(ctx context.Context, url string, s Settings, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newConn(ws, s, logger), nil
}

func newConn(ws *websocket.Conn, s Settings, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:       ws,
		settings: s,
		logger:   logger,
		send:     make(chan []byte, s.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	ws.SetReadLimit(s.MaxMessage)
	ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	})
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.cancel()

	ping := time.NewTicker(c.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				// A websocket write deadline cannot be recovered from.
				c.logger.Debug("transport: write", "error", err)
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("transport: ping", "error", err)
				return
			}
		}
	}
}

// Done is closed when the write goroutine has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendText queues a text frame. It blocks while the send buffer is full.
func (c *Conn) SendText(ctx context.Context, msg []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues a batch.
func (c *Conn) Send(ctx context.Context, b wire.Batch) error {
	data, err := wire.MarshalBatch(&b)
	if err != nil {
		return err
	}
	return c.SendText(ctx, data)
}

// ReadText returns the next text frame. Binary frames are skipped.
func (c *Conn) ReadText() ([]byte, error) {
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.cancel()
			return nil, err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		if typ == websocket.TextMessage {
			return msg, nil
		}
	}
}

// ReadBatch returns the next batch.
func (c *Conn) ReadBatch() (wire.Batch, error) {
	msg, err := c.ReadText()
	if err != nil {
		return wire.Batch{}, err
	}
	b, err := wire.UnmarshalBatch(msg)
	if err != nil {
		return wire.Batch{}, err
	}
	return *b, nil
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.done
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// IsClosed reports whether err is the normal end of a connection.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
