package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitMetrics_ServesScrapeEndpoint(t *testing.T) {
	handler, shutdown, err := InitMetrics("stagepool-test")
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 from scrape endpoint, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Error("expected non-empty scrape body")
	}
}

func TestInitMetrics_InstrumentsAppearInScrape(t *testing.T) {
	handler, shutdown, err := InitMetrics("stagepool-test")
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	counter, err := otel.Meter("stagepool/test").Int64Counter("stagepool.test.claims")
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	counter.Add(context.Background(), 7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "stagepool_test_claims") {
		t.Errorf("expected counter in scrape output, got:\n%s", body)
	}
	if !strings.Contains(body, "7") {
		t.Errorf("expected counter value in scrape output, got:\n%s", body)
	}
}
