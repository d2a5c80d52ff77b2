package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/tuoris/dbopen"
	"github.com/hazyhaar/tuoris/fanout"
	"github.com/hazyhaar/tuoris/mirror/internal/journal"
	"github.com/hazyhaar/tuoris/observability"
	"github.com/hazyhaar/tuoris/transport"
	"github.com/hazyhaar/tuoris/wire"
)

func newTestServer(t *testing.T, ctl *Controller, hub *fanout.Hub, mods ...func(*ServerConfig)) *httptest.Server {
	t.Helper()
	cfg := ServerConfig{
		Controller: ctl,
		Hub:        hub,
		Transport:  transport.DefaultSettings(),
		Logger:     quiet,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	resp, body := do(t, "GET", srv.URL+"/healthz", "")
	if resp.StatusCode != 200 || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Error("missing trace header")
	}
}

func TestStatus(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	id, err := ctl.Replace(context.Background(), "https://example.com/a.svg")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Session.ID != id || st.Session.Locator != "https://example.com/a.svg" {
		t.Errorf("session = %+v", st.Session)
	}
	if st.Hub.Session != id || st.Hub.Viewers != 0 {
		t.Errorf("hub = %+v", st.Hub)
	}
	if st.Heartbeat != nil {
		t.Errorf("heartbeat without storage: %+v", st.Heartbeat)
	}
	if len(st.Recent) != 1 || st.Recent[0].ID != id || st.Recent[0].Status != journal.StatusActive {
		t.Errorf("recent = %+v", st.Recent)
	}
}

func TestStatus_ReportsWatchAndHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canvas.svg")
	if err := os.WriteFile(path, []byte(`<svg/>`), 0o644); err != nil {
		t.Fatal(err)
	}
	ctl, hub, _ := newTestController(t, &fakeHost{}, func(c *ControllerConfig) {
		c.LocalFiles = true
		c.Watch = true
	})
	srv := newTestServer(t, ctl, hub, func(c *ServerConfig) { c.History = 2 })
	ctx := context.Background()

	var ids []string
	for _, loc := range []string{"https://example.com/a.svg", "https://example.com/b.svg", path} {
		id, err := ctl.Replace(ctx, loc)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}

	if st.Session.Watch == nil || len(st.Session.Watch.Paths) != 1 || st.Session.Watch.Paths[0] != path {
		t.Errorf("watch = %+v", st.Session.Watch)
	}
	if len(st.Recent) != 2 || st.Recent[0].ID != ids[2] || st.Recent[1].ID != ids[1] {
		t.Fatalf("recent = %+v", st.Recent)
	}
	if st.Recent[1].Status != journal.StatusReplaced {
		t.Errorf("replaced session status = %s", st.Recent[1].Status)
	}
}

func TestSessionLookup(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	id, err := ctl.Replace(context.Background(), "https://example.com/a.svg")
	if err != nil {
		t.Fatal(err)
	}
	resp, body := do(t, "GET", srv.URL+"/sessions/"+id, "")
	if resp.StatusCode != 200 || body["id"] != id || body["locator"] != "https://example.com/a.svg" {
		t.Fatalf("lookup: %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, "GET", srv.URL+"/sessions/ses_unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status %d, want 404", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(db, 1, time.Hour, quiet)
	t.Cleanup(func() { mm.Close() })
	srv := newTestServer(t, ctl, hub, func(c *ServerConfig) { c.Metrics = mm })

	mm.Count(observability.MetricIngestBatches, 3)
	mm.Count(observability.MetricSessionsFailed, 1)

	resp, err := http.Get(srv.URL + "/metrics?name=" + observability.MetricIngestBatches)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var ms []observability.Metric
	if err := json.NewDecoder(resp.Body).Decode(&ms); err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].Name != observability.MetricIngestBatches || ms[0].Value != 3 {
		t.Fatalf("metrics = %+v", ms)
	}

	if resp, _ := do(t, "GET", srv.URL+"/metrics?limit=x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status %d, want 400", resp.StatusCode)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	if resp, _ := do(t, "GET", srv.URL+"/metrics", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestPutContent(t *testing.T) {
	h := &fakeHost{}
	ctl, hub, _ := newTestController(t, h, nil)
	srv := newTestServer(t, ctl, hub)

	resp, body := do(t, "PUT", srv.URL+"/content", `{"locator":"https://example.com/a.svg"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	if body["session"] != hub.Session() || body["locator"] != "https://example.com/a.svg" {
		t.Errorf("body = %v", body)
	}
	if h.opened() != 1 {
		t.Errorf("host opened %d pages", h.opened())
	}

	for name, tc := range map[string]struct {
		body string
		want int
	}{
		"bad json":      {`{`, http.StatusBadRequest},
		"empty locator": {`{"locator":" "}`, http.StatusBadRequest},
		"local file":    {`{"locator":"/srv/a.svg"}`, http.StatusUnprocessableEntity},
	} {
		resp, body := do(t, "PUT", srv.URL+"/content", tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status %d, want %d (%v)", name, resp.StatusCode, tc.want, body)
		}
	}
}

func TestPutContent_Closed(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)
	ctl.Close()

	resp, _ := do(t, "PUT", srv.URL+"/content", `{"locator":"https://example.com/a.svg"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
}

func TestView_RejectsBadViewBox(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	for _, q := range []string{"", "0+0+1", "0+0+2+1", "a+b+c+d"} {
		resp, _ := do(t, "GET", srv.URL+"/view?viewbox="+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("viewbox %q: status %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestView_ReceivesClearAndUpdates(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, func(c *ControllerConfig) { c.Interactive = true })
	srv := newTestServer(t, ctl, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, transport.ViewURL(srv.URL, wire.Rect{W: 1, H: 1}), transport.DefaultSettings(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	b, err := conn.ReadBatch()
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Records) == 0 || b.Records[0].Kind() != wire.KindClear {
		t.Fatalf("first payload = %+v, want Clear first", b.Records)
	}

	id, err := ctl.Replace(ctx, "https://example.com/a.svg")
	if err != nil {
		t.Fatal(err)
	}
	b, err = conn.ReadBatch()
	if err != nil {
		t.Fatal(err)
	}
	if b.Session != id || b.Records[0].Kind() != wire.KindClear {
		t.Fatalf("reset payload = %+v", b)
	}
}

func TestIngest_StaleSession(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	resp, body := do(t, "GET", srv.URL+"/ingest/ses_gone", "")
	if resp.StatusCode != http.StatusConflict || body["session"] != hub.Session() {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
}

func TestIngest_InProcessSessionRejectsWriter(t *testing.T) {
	ctl, hub, _ := newTestController(t, &fakeHost{}, nil)
	srv := newTestServer(t, ctl, hub)

	id, err := ctl.Replace(context.Background(), "https://example.com/a.svg")
	if err != nil {
		t.Fatal(err)
	}
	resp, body := do(t, "GET", srv.URL+"/ingest/"+id, "")
	if resp.StatusCode != http.StatusConflict || body["error"] != "session already has a writer" {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
}

func TestIngest_SingleRemoteWriter(t *testing.T) {
	ctl, hub, _ := newTestController(t, nil, func(c *ControllerConfig) { c.Interactive = true })
	srv := newTestServer(t, ctl, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := ctl.Replace(ctx, "https://example.com/a.svg")
	if err != nil {
		t.Fatal(err)
	}
	first, err := transport.DialIngest(ctx, srv.URL, id, transport.DefaultSettings(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "writer claimed", func() bool { return ctl.Current().Writer == WriterRemote })

	if _, err := transport.DialIngest(ctx, srv.URL, id, transport.DefaultSettings(), quiet); err == nil {
		t.Fatal("second writer attached to the same session")
	}
	resp, body := do(t, "GET", srv.URL+"/ingest/"+id, "")
	if resp.StatusCode != http.StatusConflict || body["session"] != id {
		t.Fatalf("second writer: status %d: %v", resp.StatusCode, body)
	}

	first.Close()
	eventually(t, "writer released", func() bool { return ctl.Current().Writer == "" })

	again, err := transport.DialIngest(ctx, srv.URL, id, transport.DefaultSettings(), quiet)
	if err != nil {
		t.Fatalf("reattach after close: %v", err)
	}
	again.Close()
}

func TestIngest_RemoteAgent(t *testing.T) {
	ctl, hub, _ := newTestController(t, nil, func(c *ControllerConfig) { c.Interactive = true })
	srv := newTestServer(t, ctl, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := ctl.Replace(ctx, "https://example.com/a.svg")
	if err != nil {
		t.Fatal(err)
	}
	v, err := hub.Subscribe(wire.Rect{W: 1, H: 1})
	if err != nil {
		t.Fatal(err)
	}

	in, err := transport.DialIngest(ctx, srv.URL, id, transport.DefaultSettings(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	err = in.Push(ctx, wire.Batch{
		Session: id,
		Seq:     1,
		Records: []wire.Record{wire.Add{ID: 1, Tag: wire.Str("rect"), Parent: wire.Root}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, v, isAdd(1))
	eventually(t, "ready ack", in.Ready)

	if _, err := ctl.Replace(ctx, "https://example.com/b.svg"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-in.Done():
	case <-ctx.Done():
		t.Fatal("ingress channel not closed after replacement")
	}
}

func TestParseViewBox(t *testing.T) {
	for in, want := range map[string]wire.Rect{
		"0 0 1 1":         {W: 1, H: 1},
		"0.5,0,0.5,1":     {X: 0.5, W: 0.5, H: 1},
		"0.25 0.25 .5 .5": {X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
	} {
		got, err := parseViewBox(in)
		if err != nil {
			t.Errorf("%q: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q = %+v, want %+v", in, got, want)
		}
	}
	for _, in := range []string{"", "1 2 3", "1 2 3 x"} {
		if _, err := parseViewBox(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}
