package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("shown", "path", "/in/a.csv")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["path"] != "/in/a.csv" || rec["level"] != "WARN" {
		t.Fatalf("record = %v", rec)
	}
	if _, ok := rec["time"]; !ok {
		t.Fatal("record has no timestamp")
	}
}

func TestNewLoggerRejectsUnknown(t *testing.T) {
	if _, err := NewLogger(LogConfig{Level: "loud"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger(LogConfig{Format: "xml"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.File("converted")
	m.File("converted")
	m.File("conversion_failed")
	m.Merge(10, 2, time.Millisecond, nil)
	m.Merge(5, 0, time.Millisecond, errors.New("busy"))
	m.ArchiveFailure()

	body := scrape(t, m)
	for _, want := range []string{
		`focusflow_files_total{outcome="converted"} 2`,
		`focusflow_files_total{outcome="conversion_failed"} 1`,
		"focusflow_rows_merged_total 10",
		"focusflow_columns_added_total 2",
		"focusflow_merge_failures_total 1",
		"focusflow_archive_failures_total 1",
		"focusflow_merge_duration_seconds_count 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition lacks %q", want)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	depth := 3.0
	m.Gauge("focusflow_queue_depth", "Jobs waiting", func() float64 { return depth })
	m.CatchUp()

	body := scrape(t, m)
	for _, want := range []string{"focusflow_queue_depth 3", "focusflow_catchup_passes_total 1", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition lacks %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.File("converted")
	m.Merge(1, 1, time.Second, nil)
	m.ArchiveFailure()
	m.CatchUp()
	m.Gauge("x", "y", func() float64 { return 0 })
}
