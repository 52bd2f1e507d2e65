package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/nomikura/internal/model"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordRetrievalReport_AddsCounters は取得レポートの集計が
// 各カウンタへ加算されることを検証する。
func TestRecordRetrievalReport_AddsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	now := time.Now()
	c.RecordRetrievalReport(&model.RetrievalReport{
		StartedAt:            now.Add(-2 * time.Second),
		FinishedAt:           now,
		SubscriptionsFetched: 3,
		SubscriptionsSkipped: 1,
		SubscriptionsFailed:  2,
		ItemsNew:             10,
		ItemsRepeat:          4,
		ItemsSkipped:         1,
	})

	if got := counterValue(t, reg, "nomikura_retrieval_cycles_total"); got != 1 {
		t.Errorf("retrieval_cycles_total = %v, want 1", got)
	}
	if got := counterValue(t, reg, "nomikura_subscriptions_fetched_total"); got != 3 {
		t.Errorf("subscriptions_fetched_total = %v, want 3", got)
	}
	if got := counterValue(t, reg, "nomikura_subscriptions_failed_total"); got != 2 {
		t.Errorf("subscriptions_failed_total = %v, want 2", got)
	}
	if got := counterValue(t, reg, "nomikura_items_new_total"); got != 10 {
		t.Errorf("items_new_total = %v, want 10", got)
	}
	if got := counterValue(t, reg, "nomikura_items_repeat_total"); got != 4 {
		t.Errorf("items_repeat_total = %v, want 4", got)
	}
}

// TestRecordNominationUpsert_SplitsByResult はupsertが作成/マージ別に
// 記録されることを検証する。
func TestRecordNominationUpsert_SplitsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNominationUpsert(true)
	c.RecordNominationUpsert(false)
	c.RecordNominationUpsert(false)

	if got := counterValue(t, reg, "nomikura_nomination_upserts_total"); got != 3 {
		t.Errorf("nomination_upserts_total = %v, want 3", got)
	}
}

// TestRecordHTTPStatus_LabelsByCode はステータスコード別に記録されることを検証する。
func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	if got := counterValue(t, reg, "nomikura_http_status_total"); got != 3 {
		t.Errorf("http_status_total = %v, want 3", got)
	}
}

// TestSetupMetricsRoute_ServesMetrics は/metricsパスでメトリクスが返ることを検証する。
func TestSetupMetricsRoute_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordPromotion()

	handler := SetupMetricsRoute(reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "nomikura_promotions_total") {
		t.Error("response should contain nomikura_promotions_total metric")
	}
}
