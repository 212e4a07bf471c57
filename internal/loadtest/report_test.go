package loadtest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record(scenarioEndpoint, 10*time.Millisecond, "ok", true)
	c.record(scenarioEndpoint, 20*time.Millisecond, "failed", false)
	c.record(endpointCreate, 15*time.Millisecond, "201", true)
	c.record(endpointCreate, 5*time.Millisecond, "error", false)

	r := c.buildReport(time.Now(), 2*time.Second)
	if r.TotalScenarios != 2 || r.SuccessScenarios != 1 || r.FailedScenarios != 1 {
		t.Fatalf("unexpected report totals: %+v", r)
	}
	if r.RPS != 1 {
		t.Fatalf("expected rps=1, got %f", r.RPS)
	}
	if _, ok := r.Endpoints[scenarioEndpoint]; ok {
		t.Fatal("scenario must not be listed as an endpoint")
	}

	create, ok := r.Endpoints[endpointCreate]
	if !ok {
		t.Fatalf("expected %s stats in report", endpointCreate)
	}
	if create.Calls != 2 || create.Codes["201"] != 1 || create.Codes["error"] != 1 || create.ErrorRate != 0.5 {
		t.Fatalf("unexpected endpoint stats: %+v", create)
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio mismatch: %f", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total must be 0, got %f", got)
	}

	values := []float64{40, 10, 30, 20}
	summary := buildLatencySummary(values)
	if summary.Min != 10 || summary.Max != 40 || summary.Avg != 25 || summary.P50 != 25 {
		t.Fatalf("unexpected latency summary: %+v", summary)
	}
	if values[0] != 40 {
		t.Fatal("summary must not reorder the input")
	}
	if got := percentile([]float64{7}, 99); got != 7 {
		t.Fatalf("single value percentile = %f", got)
	}
	if got := buildLatencySummary(nil); got != (LatencySummary{}) {
		t.Fatalf("expected empty summary, got %+v", got)
	}

	if got := (Config{Total: 50}).target(); got != "count:50" {
		t.Fatalf("unexpected run target: %s", got)
	}
	if got := (Config{Duration: 2 * time.Second}).target(); got != "duration:2s" {
		t.Fatalf("unexpected duration run target: %s", got)
	}
	if got := (Config{Duration: 2 * time.Second, Total: 10, TotalSet: true}).target(); got != "duration:2s,max-total:10" {
		t.Fatalf("unexpected capped duration run target: %s", got)
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	if err := WriteJSON(path, Report{TotalScenarios: 2, SuccessScenarios: 2}); err != nil {
		t.Fatalf("WriteJSON error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalScenarios != 2 || decoded.SuccessScenarios != 2 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	for _, bad := range []string{".", "..", "../outside.json"} {
		if err := WriteJSON(bad, Report{}); err == nil {
			t.Fatalf("expected error for path %q", bad)
		}
	}
}

func TestPrint(t *testing.T) {
	c := newCollector()
	c.record(scenarioEndpoint, 10*time.Millisecond, "ok", true)
	c.record(endpointComplete, 8*time.Millisecond, "200", true)
	c.record(endpointCreate, 2*time.Millisecond, "201", true)

	var buf bytes.Buffer
	Print(&buf, c.buildReport(time.Now(), time.Second), Config{Mode: ModeComplete, Total: 1})

	out := buf.String()
	if !strings.Contains(out, "mode=create-complete run=count:1 total=1 success=1 failed=0") {
		t.Fatalf("unexpected summary: %s", out)
	}
	complete := strings.Index(out, endpointComplete+":")
	create := strings.Index(out, endpointCreate+":")
	if complete < 0 || create < 0 || complete > create {
		t.Fatalf("expected endpoints sorted by name: %s", out)
	}
}
