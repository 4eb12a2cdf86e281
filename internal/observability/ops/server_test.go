package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"docudrop/internal/artifact"
	logx "docudrop/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, health HealthFunc) (*Service, http.Handler) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "docudrop_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s := New(cfg, reg, health, logx.Nop())
	return s, s.handler(cfg)
}

func get(h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name   string
		health HealthFunc
		code   int
	}{
		{"default", nil, http.StatusOK},
		{"healthy", func() (bool, any) { return true, map[string]string{"state": "READY"} }, http.StatusOK},
		{"unhealthy", func() (bool, any) { return false, "store down" }, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, h := newTestService(t, Config{}, tc.health)
			rec := get(h, "/healthz", nil)
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["ok"] != (tc.code == http.StatusOK) {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestService(t, Config{}, nil)
	rec := get(h, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "docudrop_test_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestTokenAuth(t *testing.T) {
	_, h := newTestService(t, Config{Token: "s3cret"}, nil)
	cases := []struct {
		name string
		path string
		hdr  map[string]string
		code int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query", "/metrics?token=s3cret", nil, http.StatusOK},
		{"wrong query", "/metrics?token=x", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := get(h, tc.path, tc.hdr); rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}

func TestPprofToggle(t *testing.T) {
	_, off := newTestService(t, Config{}, nil)
	if rec := get(off, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d, want 404", rec.Code)
	}
	_, on := newTestService(t, Config{EnablePprof: true}, nil)
	if rec := get(on, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: code = %d, want 200", rec.Code)
	}
}

func TestMediaServing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".upload-1"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, h := newTestService(t, Config{MediaDir: dir, Token: "s3cret"}, nil)

	rec := get(h, "/media/clip.mp4", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "video" {
		t.Fatalf("media: code=%d body=%q", rec.Code, rec.Body.String())
	}
	for _, p := range []string{"/media/", "/media/.upload-1", "/media/missing.pdf"} {
		if rec := get(h, p, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: code = %d, want 404", p, rec.Code)
		}
	}
}

func TestMediaNotGuessableFromUploadName(t *testing.T) {
	arts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	stored, err := arts.Save("video.mp4", strings.NewReader("customer video"))
	if err != nil {
		t.Fatal(err)
	}
	_, h := newTestService(t, Config{MediaDir: arts.Dir()}, nil)

	if rec := get(h, "/media/video.mp4", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("upload name: code = %d, want 404", rec.Code)
	}
	rec := get(h, "/media/"+filepath.Base(stored), nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "customer video" {
		t.Fatalf("stored name: code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestServeRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce err = %v, want insecure bind refusal", err)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	s.Start(context.Background())

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("address still set after Stop")
	}
}
