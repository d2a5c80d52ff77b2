package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hazyhaar/tuoris/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	mm.Record(&Metric{
		Name:      MetricFanoutRecords,
		Timestamp: time.Now(),
		Value:     12,
		Unit:      "count",
		Labels:    map[string]string{"viewer": "vw_1"},
	})
	mm.Count(MetricIngestBatches, 1)
	mm.Close() // flushes

	q := &MetricsManager{db: db}
	got, err := q.Query(context.Background(), MetricFanoutRecords, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("fanout records: got %d rows", len(got))
	}
	if got[0].Value != 12 || got[0].Labels["viewer"] != "vw_1" || got[0].Unit != "count" {
		t.Fatalf("metric: got %+v", got[0])
	}

	all, err := q.Query(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics: got %d, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.Count(MetricFanoutCulled, 1)
	mm.Count(MetricFanoutCulled, 2)

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows after full buffer: got %d, want 2", n)
	}
}

func TestHeartbeat_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "tuorisd", time.Minute)
	if err != nil || hs != nil {
		t.Fatalf("before any heartbeat: got %+v, %v", hs, err)
	}

	hb := NewHeartbeat(db, "tuorisd", time.Hour, nil)
	if err := hb.Write(ctx); err != nil {
		t.Fatalf("Write: %v", err)
	}
	hs, err = LatestHeartbeat(ctx, db, "tuorisd", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive || hs.Goroutines <= 0 {
		t.Fatalf("latest: got %+v", hs)
	}
}

func TestHeartbeat_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewHeartbeat(db, "w", time.Hour, nil).Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&n)
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no immediate heartbeat")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
