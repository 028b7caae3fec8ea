package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_Scrape(t *testing.T) {
	c := NewCollector()

	c.RecordTaskStarted()
	c.RecordTaskFinished("ok")
	c.RecordBridgeHit()
	c.RecordBridgeMiss()
	c.SetPooledAgents(2)
	c.StartBuildTimer().Stop("ok")
	c.StartRunTimer().Stop("invalid_argument")

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading scrape: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		"insulate_tasks_started_total 1",
		`insulate_tasks_finished_total{status="ok"} 1`,
		"insulate_bridge_pool_hits_total 1",
		"insulate_bridge_pool_misses_total 1",
		"insulate_bridge_pool_idle_agents 2",
		`insulate_run_duration_seconds_count{status="invalid_argument"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNilCollectorIsInert(t *testing.T) {
	var c *Collector

	c.RecordTaskStarted()
	c.RecordTaskFinished("ok")
	c.RecordBridgeHit()
	c.RecordBridgeMiss()
	c.SetPooledAgents(5)

	if elapsed := c.StartRunTimer().Stop("ok"); elapsed < 0 {
		t.Error("timer on a nil collector must still measure")
	}
}
