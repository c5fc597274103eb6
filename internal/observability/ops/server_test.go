package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string, hdr ...string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestHealthzFollowsBroker(t *testing.T) {
	b := broker.NewMemory()
	s := New(Config{}, Sources{Broker: b, Role: "worker"}, logx.Nop())
	h := s.Handler(Config{})

	code, body := get(t, h, "/healthz")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, `"role":"worker"`) {
		t.Fatalf("healthz = %d %s", code, body)
	}
	_ = b.Close()
	if code, body = get(t, h, "/healthz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "degraded") {
		t.Fatalf("healthz after close = %d %s", code, body)
	}
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	for _, p := range []string{"/healthz", "/metrics", "/workers"} {
		if code, _ := get(t, h, p); code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d", p, code)
		}
	}
	if code, _ := get(t, h, "/healthz", "Authorization", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := get(t, h, "/healthz", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("bearer = %d", code)
	}
	if code, _ := get(t, h, "/healthz?token=s3cret"); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}
}

func TestWorkersListsRegistrations(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	reg, _ := json.Marshal(worker.Registration{WorkerID: "w-1", Status: worker.StatusRunning, Processed: 3})
	if err := b.Set(context.Background(), worker.RegistrationKey("w-1"), reg, time.Minute); err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, Sources{Broker: b}, logx.Nop())
	code, body := get(t, s.Handler(Config{}), "/workers")
	if code != http.StatusOK {
		t.Fatalf("workers = %d %s", code, body)
	}
	var view workersView
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatal(err)
	}
	if len(view.Workers) != 1 || view.Workers[0].WorkerID != "w-1" || view.Workers[0].Processed != 3 || view.Front != nil {
		t.Fatalf("view = %+v", view)
	}
}

func TestMetricsAndPprofToggle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s := New(Config{}, Sources{Gatherer: reg}, logx.Nop())

	code, body := get(t, s.Handler(Config{}), "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "ops_test_total 1") {
		t.Fatalf("metrics = %d %s", code, body)
	}
	if code, _ := get(t, s.Handler(Config{}), "/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("pprof off = %d", code)
	}
	if code, _ := get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("pprof on = %d", code)
	}
}

func TestStartStopServes(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz = %d %s", resp.StatusCode, body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("still bound at %s", s.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
