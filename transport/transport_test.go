package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/tuoris/wire"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// echoServer reads batches and writes each one back followed by a ready
// frame.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, DefaultSettings(), quiet())
		if err != nil {
			return
		}
		defer c.Close()
		for {
			b, err := c.ReadBatch()
			if err != nil {
				return
			}
			ctx := context.Background()
			if err := c.Send(ctx, b); err != nil {
				return
			}
			if err := c.SendText(ctx, []byte(ReadyFrame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_SendAndReadBatch(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv), DefaultSettings(), quiet())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	want := wire.Batch{Session: "s1", Seq: 7, Records: []wire.Record{
		wire.Remove{ID: 3},
		wire.Render{Timestamp: 42},
	}}
	if err := c.Send(ctx, want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := c.ReadBatch()
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if got.Session != "s1" || got.Seq != 7 || len(got.Records) != 2 {
		t.Fatalf("echo: got %+v", got)
	}
	if rm, ok := got.Records[0].(wire.Remove); !ok || rm.ID != 3 {
		t.Errorf("Records[0]: got %#v", got.Records[0])
	}
	msg, err := c.ReadText()
	if err != nil || string(msg) != ReadyFrame {
		t.Fatalf("ready frame: got %q, %v", msg, err)
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	srv := echoServer(t)
	c, err := Dial(context.Background(), wsURL(srv), DefaultSettings(), quiet())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()
	<-c.Done()

	err = c.SendText(context.Background(), []byte("x"))
	if err != ErrClosed {
		t.Fatalf("SendText after Close: got %v", err)
	}
}

func TestIngest_ReadyFollowsAck(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := DialIngest(ctx, srv.URL, "s1", DefaultSettings(), quiet())
	if err != nil {
		t.Fatalf("DialIngest: %v", err)
	}
	defer in.Close()

	if !in.Ready() {
		t.Fatal("Ready before first push: want true")
	}
	if err := in.Push(ctx, wire.Batch{Session: "s1", Seq: 1, Records: []wire.Record{wire.Clear{}}}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	for !in.Ready() {
		select {
		case <-ctx.Done():
			t.Fatal("no ack before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIngestURL(t *testing.T) {
	cases := map[string]string{
		"http://h:8080/": "ws://h:8080/ingest/ses%2F1",
		"https://h":      "wss://h/ingest/ses%2F1",
		"ws://h":         "ws://h/ingest/ses%2F1",
	}
	for base, want := range cases {
		if got := IngestURL(base, "ses/1"); got != want {
			t.Errorf("IngestURL(%q): got %q, want %q", base, got, want)
		}
	}
}

func TestViewURL(t *testing.T) {
	got := ViewURL("http://h", wire.Rect{X: 0.5, W: 0.5, H: 1})
	if want := "ws://h/view?viewbox=0.5+0+0.5+1"; got != want {
		t.Errorf("ViewURL: got %q, want %q", got, want)
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	var got []time.Duration
	for range 5 {
		got = append(got, b.Next())
	}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i := range want {
		if got[i] != want[i]*time.Millisecond {
			t.Fatalf("Next: got %v", got)
		}
	}
	b.Reset()
	if d := b.Next(); d != 10*time.Millisecond {
		t.Errorf("after Reset: got %v", d)
	}
}
