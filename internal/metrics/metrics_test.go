package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordRoutingSnapshot(t *testing.T) {
	m := newMetrics()
	m.RecordRouting("list", "sync", 3, 20*time.Millisecond, nil)
	m.RecordRouting("list", "async", 3, 40*time.Millisecond, errors.New("boom"))
	m.RecordDroppedError("list")

	snap := m.Snapshot()
	inv := snap["invocations"].(map[string]any)
	if inv["total"].(int64) != 2 || inv["failed"].(int64) != 1 || inv["dropped_errors"].(int64) != 1 {
		t.Fatalf("unexpected invocation counters: %v", inv)
	}
	lat := snap["latency_ms"].(map[string]any)
	if lat["min"].(int64) != 20 || lat["max"].(int64) != 40 {
		t.Errorf("unexpected latency: %v", lat)
	}
	list := snap["strategies"].(map[string]any)["list"].(map[string]any)
	if list["avg_targets"].(float64) != 3 {
		t.Errorf("avg_targets = %v", list["avg_targets"])
	}
}

func TestSnapshotEmptyMin(t *testing.T) {
	lat := newMetrics().Snapshot()["latency_ms"].(map[string]any)
	if lat["min"].(int64) != 0 {
		t.Errorf("min = %v, want 0", lat["min"])
	}
}

func TestJSONHandler(t *testing.T) {
	m := newMetrics()
	m.RecordPeerConnected()
	rec := httptest.NewRecorder()
	m.JSONHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["peers"].(map[string]any)["connected"].(float64) != 1 {
		t.Errorf("peers = %v", body["peers"])
	}
}

func TestPrometheusHandler(t *testing.T) {
	InitPrometheus("lattice_test", nil)
	t.Cleanup(func() { promMetrics = nil })

	Global().RecordRouting("broadcast", "future", 2, time.Millisecond, nil)
	SetActiveConnections(2)
	RecordControlRequest("GET_INSTANCE_STATUS", "OK")

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`lattice_test_routing_invocations_total{convention="future",status="success",strategy="broadcast"} 1`,
		`lattice_test_active_connections 2`,
		`lattice_test_control_requests_total{code="OK",command="GET_INSTANCE_STATUS"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestPrometheusHandlerUninitialized(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeletePoolSize(t *testing.T) {
	InitPrometheus("lattice_test", nil)
	t.Cleanup(func() { promMetrics = nil })

	SetPoolSize("mesh:a", 1, 2)
	SetPoolSize("mesh:b", 3, 0)
	DeletePoolSize("mesh:a")

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if strings.Contains(body, `pool="mesh:a"`) {
		t.Errorf("deleted pool still exported")
	}
	if !strings.Contains(body, `lattice_test_pool_connections{pool="mesh:b",state="idle"} 3`) {
		t.Errorf("metrics output missing pool mesh:b")
	}
}
