package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Addr != ":8080" || c.Capture.CanvasTag != "svg" {
		t.Errorf("addr=%q canvas=%q", c.Addr, c.Capture.CanvasTag)
	}
	if c.Capture.Budget != 30*time.Millisecond || c.Capture.Cadence != 16*time.Millisecond {
		t.Errorf("budget=%s cadence=%s", c.Capture.Budget, c.Capture.Cadence)
	}
	if c.Transport.PingInterval != 30*time.Second || c.Transport.WriteTimeout != 10*time.Second {
		t.Errorf("transport = %+v", c.Transport)
	}
	if c.Fanout.QueueSize != 64 || c.Storage.Path != "" {
		t.Errorf("fanout=%+v storage=%+v", c.Fanout, c.Storage)
	}
}

func TestLoadFile(t *testing.T) {
	yml := `
addr: 127.0.0.1:9000
capture:
  budget: 10ms
content:
  locator: ./canvas.svg
  local_files: true
  watch: true
  variables:
    user: ada
    zoom: 2
storage:
  path: /var/lib/tuoris/tuoris.db
`
	path := filepath.Join(t.TempDir(), "tuoris.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q", c.Addr)
	}
	if c.Capture.Budget != 10*time.Millisecond {
		t.Errorf("budget = %s", c.Capture.Budget)
	}
	if c.Capture.Cadence != 16*time.Millisecond {
		t.Errorf("cadence default not applied: %s", c.Capture.Cadence)
	}
	if !c.Content.LocalFiles || !c.Content.Watch || c.Content.Locator != "./canvas.svg" {
		t.Errorf("content = %+v", c.Content)
	}
	if c.Content.Variables["user"] != "ada" || c.Content.Variables["zoom"] != 2 {
		t.Errorf("variables = %v", c.Content.Variables)
	}
	if c.Storage.Path != "/var/lib/tuoris/tuoris.db" {
		t.Errorf("storage = %+v", c.Storage)
	}
}

func TestParse_Invalid(t *testing.T) {
	for name, yml := range map[string]string{
		"syntax":     "addr: [",
		"ping":       "transport:\n  ping_interval: 2m\n  read_timeout: 1m\n",
		"watch only": "content:\n  watch: true\n",
	} {
		if _, err := Parse([]byte(yml)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
