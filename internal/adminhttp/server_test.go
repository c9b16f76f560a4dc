package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(httptest.NewRecorder())
	return logger
}

func TestServerHealthLiveReady(t *testing.T) {
	m := testMetrics()
	s := New("", m, crypto.HardwareAccel{}, nil, testLogger())

	for _, path := range []string{"/health", "/live", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.httpServer.Handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, w.Code)
		}
	}
}

func TestServerReadyReflectsCheck(t *testing.T) {
	m := testMetrics()
	failing := errors.New("engine busy")
	s := New("", m, crypto.HardwareAccel{}, func(context.Context) error { return failing }, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	m := testMetrics()
	s := New("", m, crypto.HardwareAccel{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(w.Body.Bytes()) == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestServerDebugInfo(t *testing.T) {
	m := testMetrics()
	hw := crypto.HardwareAccel{EnableAESNI: true}
	s := New("", m, hw, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/debug/info", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var info map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode debug info: %v", err)
	}
	if _, ok := info["aes_ni_enabled"]; !ok {
		t.Error("expected aes_ni_enabled in debug info")
	}
	if _, ok := info["debug_logging_enabled"]; !ok {
		t.Error("expected debug_logging_enabled in debug info")
	}
}

func TestServerShutdown(t *testing.T) {
	m := testMetrics()
	s := New("127.0.0.1:0", m, crypto.HardwareAccel{}, nil, testLogger())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on an unstarted server: %v", err)
	}
}
