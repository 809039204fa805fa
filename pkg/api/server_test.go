package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/internal/metrics"
	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/sensor"
	"github.com/vjranagit/luxlogger/pkg/storage"
	"github.com/vjranagit/luxlogger/pkg/types"
)

func init() {
	logging.Discard()
}

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv      *httptest.Server
	store    *storage.Store
	renderer *report.Renderer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	backend, err := storage.OpenSQLite(filepath.Join(root, "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	store := storage.New(backend)
	t.Cleanup(func() { store.Close() })

	renderer, err := report.New(map[report.Kind]string{
		report.KindDaily:  filepath.Join(root, "daily"),
		report.KindWeekly: filepath.Join(root, "weekly"),
	})
	if err != nil {
		t.Fatalf("report.New: %v", err)
	}

	s := NewServer(":0", store, renderer,
		WithMetrics(metrics.New()),
		WithAccessLog(io.Discard),
		WithClock(func() time.Time { return now }))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, renderer: renderer}
}

func (e *testEnv) seed(t *testing.T, readings map[time.Duration]float64) {
	t.Helper()
	for ago, flow := range readings {
		v := types.NewValues(3)
		v.Set(sensor.FlowTemperature, flow)
		v.Set(sensor.ReturnTemperature, flow-3)
		v.Set(sensor.PumpActive, 1)
		e.store.Add(now.Add(-ago), v)
	}
	if _, err := e.store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (e *testEnv) get(t *testing.T, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	resp := env.get(t, "/health", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("status %d body %v", resp.StatusCode, body)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("response has no request id")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	var empty map[string]string
	if resp := env.get(t, "/api/v1/status", &empty); resp.StatusCode != http.StatusNotFound {
		t.Errorf("empty store status = %d, want 404", resp.StatusCode)
	}

	env.seed(t, map[time.Duration]float64{2 * time.Minute: 30, time.Minute: 35.5})
	var st Status
	resp := env.get(t, "/api/v1/status", &st)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if st.FlowTemperature == nil || *st.FlowTemperature != 35.5 {
		t.Errorf("flow temperature = %v", st.FlowTemperature)
	}
	if st.AmbientTemperature != nil {
		t.Errorf("ambient temperature = %v, want null", *st.AmbientTemperature)
	}
	if st.SystemFlags.PumpActive == nil || *st.SystemFlags.PumpActive != 1 {
		t.Errorf("pump flag = %v", st.SystemFlags.PumpActive)
	}
	if st.Store.Count != 2 || st.SensorCount != 3 {
		t.Errorf("count = %d sensors = %d", st.Store.Count, st.SensorCount)
	}
}

func TestReadings(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, map[time.Duration]float64{time.Hour: 30, 2 * time.Hour: 31, 48 * time.Hour: 32})

	var body struct {
		Count    int `json:"count"`
		Readings []struct {
			Timestamp time.Time          `json:"timestamp"`
			Values    map[string]float64 `json:"values"`
		} `json:"readings"`
	}
	resp := env.get(t, "/api/v1/readings", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Count != 2 {
		t.Errorf("default range count = %d, want 2", body.Count)
	}
	if len(body.Readings) == 2 && !body.Readings[0].Timestamp.Before(body.Readings[1].Timestamp) {
		t.Error("readings are not ascending")
	}

	start := now.Add(-72 * time.Hour).Unix()
	env.get(t, "/api/v1/readings?start="+strconv.FormatInt(start, 10), &body)
	if body.Count != 3 {
		t.Errorf("unix start count = %d, want 3", body.Count)
	}

	var errBody map[string]string
	for _, q := range []string{"?start=yesterday", "?start=2024-06-15&end=2024-06-01"} {
		if resp := env.get(t, "/api/v1/readings"+q, &errBody); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestSensorSummary(t *testing.T) {
	env := newTestEnv(t)
	readings := map[time.Duration]float64{}
	for i := 1; i <= 100; i++ {
		readings[time.Duration(i)*time.Minute] = float64(i)
	}
	env.seed(t, readings)

	var sum Summary
	resp := env.get(t, "/api/v1/sensors/"+sensor.FlowTemperature+"/summary", &sum)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sum.Count != 100 || sum.Min != 1 || sum.Max != 100 || sum.Mean != 50.5 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.P50 < 49 || sum.P50 > 52 {
		t.Errorf("p50 = %v", sum.P50)
	}
	if sum.P99 < 97 || sum.P99 > 101 {
		t.Errorf("p99 = %v", sum.P99)
	}

	var errBody map[string]string
	if resp := env.get(t, "/api/v1/sensors/unknown/summary", &errBody); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sensor status = %d", resp.StatusCode)
	}
}

func TestReportsListAndDownload(t *testing.T) {
	env := newTestEnv(t)
	points := []types.Reading{{Timestamp: now, Values: types.ValuesFromMap(map[string]float64{"x": 1})}}
	if _, err := env.renderer.Render(points, report.KindDaily, now); err != nil {
		t.Fatal(err)
	}

	var list struct {
		Daily  []report.Info `json:"daily_reports"`
		Weekly []report.Info `json:"weekly_reports"`
		Total  int64         `json:"total_size"`
	}
	env.get(t, "/api/v1/reports", &list)
	if len(list.Daily) != 1 || len(list.Weekly) != 0 || list.Total == 0 {
		t.Fatalf("list = %+v", list)
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/reports/daily/" + list.Daily[0].Name)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(data) != "x\n1.0\n" {
		t.Errorf("download status %d body %q", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/reports/monthly/2024-06-15_monthly.csv", http.StatusBadRequest},
		{"/api/v1/reports/daily/secret.txt", http.StatusBadRequest},
		{"/api/v1/reports/daily/..2024-06-15_daily.csv", http.StatusBadRequest},
		{"/api/v1/reports/daily/2020-01-01_daily.csv", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(env.srv.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/health", nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), `luxlogger_http_requests_total{route="/health",status="200"} 1`) {
		t.Errorf("metrics missing health request:\n%s", data)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.srv.URL+"/api/v1/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSummarizeSkipsMissingAndNonFinite(t *testing.T) {
	v1 := types.ValuesFromMap(map[string]float64{"a": 2})
	v2 := types.ValuesFromMap(map[string]float64{"b": 5})
	sum, err := Summarize("a", []types.Reading{{Values: v1}, {Values: v2}})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 1 || sum.Min != 2 || sum.Max != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, WithAccessLog(io.Discard))
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after Stop = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
