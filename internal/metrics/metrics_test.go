package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()
	m.RecordInbound("answered", 200*time.Millisecond)
	m.RecordInbound("answered", time.Second)
	m.RecordClassification("symptom")
	m.RecordBackendError("generation")
	m.RecordDelivery("sent")
	m.RecordOutboxOutcome("retry")

	if got := testutil.ToFloat64(m.InboundMessages.WithLabelValues("answered")); got != 2 {
		t.Errorf("expected 2 answered, got %v", got)
	}
	if got := testutil.ToFloat64(m.Classifications.WithLabelValues("symptom")); got != 1 {
		t.Errorf("expected 1 symptom classification, got %v", got)
	}
	if got := testutil.ToFloat64(m.OutboxOutcomes.WithLabelValues("retry")); got != 1 {
		t.Errorf("expected 1 retry outcome, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordInbound("answered", time.Second)
	m.RecordClassification("general")
	m.RecordBackendError("retrieval")
	m.RecordDelivery("failed")
	m.RecordOutboxOutcome("sent")
	m.RegisterGaugeFunc("coo_test", "test", func() float64 { return 1 })
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordDelivery("queued")
	m.RegisterGaugeFunc("coo_knowledge_chunks", "Chunks in the knowledge base", func() float64 { return 42 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{`coo_deliveries_total{status="queued"} 1`, "coo_knowledge_chunks 42"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
