package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/nomikura/internal/metrics"
	"github.com/hitoshi/nomikura/internal/middleware"
)

// Pinger はヘルスチェックで使用するDB疎通確認インターフェース。
// *sql.DBがそのまま満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// ノミネーション
	NominationService NominationServiceInterface
	NominationFinder  NominationFinder

	// 観測
	Metrics         *metrics.Collector
	MetricsGatherer prometheus.Gatherer

	// ヘルスチェック
	HealthChecker Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// 型付きnilがインターフェースのnil判定をすり抜けないよう、非nilの場合のみ詰め替える
	var statusRecorder middleware.HTTPStatusRecorder
	var upsertRecorder UpsertMetricsRecorder
	if deps.Metrics != nil {
		statusRecorder = deps.Metrics
		upsertRecorder = deps.Metrics
	}
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, statusRecorder))

	nomHandler := NewNominationHandler(deps.NominationService, deps.NominationFinder, upsertRecorder)

	// --- 運用エンドポイント（レート制限の外） ---

	r.Get("/health", newHealthHandler(deps.HealthChecker))

	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- APIルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/nominations", func(r chi.Router) {
			// POST /nominations - 推薦登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.NominateMiddleware()).Post("/", nomHandler.Nominate)

			r.Get("/", nomHandler.ListNominations)
			r.Post("/archive-all", nomHandler.ArchiveAllNominations)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", nomHandler.GetNomination)
				r.Post("/archive", nomHandler.ArchiveNomination)
				r.Post("/promote", nomHandler.PromoteNomination)
			})
		})
	})

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()

			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
