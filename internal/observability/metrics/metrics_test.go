package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(toolCalls.WithLabelValues("checkWalletBalance", "failed"))
	ObserveToolCall("checkWalletBalance", "failed")
	if got := testutil.ToFloat64(toolCalls.WithLabelValues("checkWalletBalance", "failed")); got != before+1 {
		t.Fatalf("tool call counter = %v, want %v", got, before+1)
	}

	ObserveMemoryWrite("Analysis", errors.New("db down"))
	if got := testutil.ToFloat64(memoryWrites.WithLabelValues("Analysis", "failed")); got < 1 {
		t.Fatalf("expected failed memory write to be counted, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/chat", "POST", 200, 120*time.Millisecond)
	ObserveDispatch("twitter", "ok")
	ObserveOrchestration("market", 3, false)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`vcmilei_http_requests_total{code="200",handler="/api/chat",method="POST"}`,
		`vcmilei_dispatched_items_total{feed="twitter",outcome="ok"}`,
		`vcmilei_orchestration_rounds_count{agent="market",exhausted="false"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
