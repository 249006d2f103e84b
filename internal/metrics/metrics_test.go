package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	LocalBatchCount.Set(3)
	ActionsProcessedTotal.WithLabelValues("upload").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "compote_local_batch_count") {
		t.Error("expected compote_local_batch_count in exposition output")
	}
	if !strings.Contains(body, "compote_actions_processed_total") {
		t.Error("expected compote_actions_processed_total in exposition output")
	}
}
