package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	logx "relaybot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandlerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "relaybot_test_total", Help: "test"}).Inc()
	healthy := true
	s := New(Config{Token: "sekret"}, reg, func(context.Context) (bool, any) {
		return healthy, map[string]int{"pending": 3}
	}, logx.Nop())
	h := s.Handler()

	if code, _ := get(t, h, "/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated code=%d", code)
	}
	code, body := get(t, h, "/healthz", "Bearer sekret")
	if code != http.StatusOK || !strings.Contains(body, `"pending":3`) {
		t.Fatalf("healthz code=%d body=%s", code, body)
	}
	code, body = get(t, h, "/metrics?token=sekret", "")
	if code != http.StatusOK || !strings.Contains(body, "relaybot_test_total 1") {
		t.Fatalf("metrics code=%d body=%s", code, body)
	}
	if code, _ := get(t, h, "/debug/pprof/", "Bearer sekret"); code != http.StatusNotFound {
		t.Fatalf("pprof must be off by default, code=%d", code)
	}

	healthy = false
	if code, _ := get(t, h, "/healthz", "Bearer sekret"); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code=%d", code)
	}
}

func TestHandlerPprof(t *testing.T) {
	s := New(Config{Pprof: true}, nil, nil, logx.Nop())
	if code, _ := get(t, s.Handler(), "/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index code=%d", code)
	}
}

func TestRunRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err=%v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":9464":          false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v", addr, got)
		}
	}
}
