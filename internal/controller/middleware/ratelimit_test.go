package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimit_ThrottlesAboveBurst(t *testing.T) {
	handler := RateLimit(1, 2)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("expected burst of 2 to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected third request throttled, got %v", codes)
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	handler := RateLimit(1, 1)(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	first.RemoteAddr = "10.0.0.1:1000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("expected first client allowed, got %d", w.Code)
	}

	// The first client used its burst; a different client is unaffected.
	second := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	second.RemoteAddr = "10.0.0.2:1000"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, second)
	if w.Code != http.StatusOK {
		t.Errorf("expected second client allowed, got %d", w.Code)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	handler := RateLimit(1, 1)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if i == 1 {
			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", w.Code)
			}
			if w.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header on throttled response")
			}
		}
	}
}

func TestRateLimit_ZeroDisables(t *testing.T) {
	handler := RateLimit(0, 0)(okHandler())

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected limiter disabled at rps=0, got %d", w.Code)
		}
	}
}
