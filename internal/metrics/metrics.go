// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/nomikura/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやハンドラー層から利用する。
type MetricsCollector interface {
	RecordRetrievalReport(report *model.RetrievalReport)
	RecordHTTPStatus(statusCode int)
	RecordNominationUpsert(created bool)
	RecordUpsertConflict()
	RecordPromotion()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	retrievalCycles   prometheus.Counter
	retrievalDuration prometheus.Histogram
	subsFetched       prometheus.Counter
	subsSkipped       prometheus.Counter
	subsFailed        prometheus.Counter
	itemsNew          prometheus.Counter
	itemsRepeat       prometheus.Counter
	itemsSkipped      prometheus.Counter
	httpStatus        *prometheus.CounterVec
	nominationUpserts *prometheus.CounterVec
	upsertConflicts   prometheus.Counter
	promotions        prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		retrievalCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_retrieval_cycles_total",
			Help: "取得サイクルの実行回数",
		}),
		retrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nomikura_retrieval_duration_seconds",
			Help:    "取得サイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		subsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_subscriptions_fetched_total",
			Help: "フェッチに成功した購読の合計数",
		}),
		subsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_subscriptions_skipped_total",
			Help: "304未変更によりスキップされた購読の合計数",
		}),
		subsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_subscriptions_failed_total",
			Help: "フェッチに失敗した購読の合計数",
		}),
		itemsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_items_new_total",
			Help: "新規に保存されたアイテムの合計数",
		}),
		itemsRepeat: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_items_repeat_total",
			Help: "再観測されたアイテムの合計数",
		}),
		itemsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_items_skipped_total",
			Help: "失敗によりスキップされたアイテムの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomikura_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		nominationUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomikura_nomination_upserts_total",
			Help: "ノミネーションupsertの合計数（作成/マージ別）",
		}, []string{"result"}),
		upsertConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_upsert_conflicts_total",
			Help: "リトライ上限到達により失敗したupsertの合計数",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nomikura_promotions_total",
			Help: "ドラフト生成へプロモートされたノミネーションの合計数",
		}),
	}

	reg.MustRegister(
		c.retrievalCycles,
		c.retrievalDuration,
		c.subsFetched,
		c.subsSkipped,
		c.subsFailed,
		c.itemsNew,
		c.itemsRepeat,
		c.itemsSkipped,
		c.httpStatus,
		c.nominationUpserts,
		c.upsertConflicts,
		c.promotions,
	)

	return c
}

// RecordRetrievalReport は取得サイクルの集計レポートを記録する。
func (c *Collector) RecordRetrievalReport(report *model.RetrievalReport) {
	c.retrievalCycles.Inc()
	c.retrievalDuration.Observe(report.Duration().Seconds())
	c.subsFetched.Add(float64(report.SubscriptionsFetched))
	c.subsSkipped.Add(float64(report.SubscriptionsSkipped))
	c.subsFailed.Add(float64(report.SubscriptionsFailed))
	c.itemsNew.Add(float64(report.ItemsNew))
	c.itemsRepeat.Add(float64(report.ItemsRepeat))
	c.itemsSkipped.Add(float64(report.ItemsSkipped))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordNominationUpsert はノミネーションupsertを記録する。
func (c *Collector) RecordNominationUpsert(created bool) {
	result := "merged"
	if created {
		result = "created"
	}
	c.nominationUpserts.WithLabelValues(result).Inc()
}

// RecordUpsertConflict はリトライ上限到達による失敗を記録する。
func (c *Collector) RecordUpsertConflict() {
	c.upsertConflicts.Inc()
}

// RecordPromotion はプロモートを記録する。
func (c *Collector) RecordPromotion() {
	c.promotions.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
