package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/nomikura/internal/config"
	"github.com/hitoshi/nomikura/internal/database"
	"github.com/hitoshi/nomikura/internal/extractor"
	"github.com/hitoshi/nomikura/internal/handler"
	"github.com/hitoshi/nomikura/internal/logger"
	"github.com/hitoshi/nomikura/internal/metrics"
	"github.com/hitoshi/nomikura/internal/middleware"
	"github.com/hitoshi/nomikura/internal/nomination"
	"github.com/hitoshi/nomikura/internal/normalizer"
	"github.com/hitoshi/nomikura/internal/parser"
	"github.com/hitoshi/nomikura/internal/repository"
	"github.com/hitoshi/nomikura/internal/resolver"
	"github.com/hitoshi/nomikura/internal/security"
	"github.com/hitoshi/nomikura/internal/worker/cleanup"
	"github.com/hitoshi/nomikura/internal/worker/retrieve"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// buildNominationService はノミネーションサービスとその依存を組み立てる。
// DraftWebhookURLが設定されている場合はWebhook通知を、
// 未設定の場合はログのみのNop通知を使用する。
func buildNominationService(
	cfg *config.Config,
	nomRepo repository.NominationRepository,
	itemRepo repository.FeedItemRepository,
	urlResolver *resolver.Resolver,
	ssrfGuard security.SSRFGuardService,
) *nomination.Service {
	var notifier nomination.DraftNotifier
	if cfg.DraftWebhookURL != "" {
		// Webhook先もSSRF防御付きクライアント経由で叩く
		notifier = nomination.NewWebhookNotifier(
			ssrfGuard.NewSafeClient(10*time.Second, cfg.FetchMaxSize),
			slog.Default(),
			cfg.DraftWebhookURL,
		)
	} else {
		notifier = nomination.NewNopNotifier(slog.Default())
	}

	return nomination.NewService(
		nomRepo, itemRepo, urlResolver, resolver.Normalize,
		notifier, slog.Default(), cfg.UpsertMaxRetries,
	)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	itemRepo := repository.NewPostgresFeedItemRepo(db)
	nomRepo := repository.NewPostgresNominationRepo(db)

	// 3. セキュリティサービスとリゾルバの初期化
	ssrfGuard := security.NewSSRFGuard()
	urlResolver := resolver.NewResolver(
		ssrfGuard, slog.Default(), cfg.ResolveMaxHops, cfg.ResolveTimeout,
	)

	// 4. ノミネーションサービスの初期化
	nomService := buildNominationService(cfg, nomRepo, itemRepo, urlResolver, ssrfGuard)

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitNominate),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		RateLimiter:       rateLimiter,
		NominationService: nomService,
		NominationFinder:  nomRepo,
		Metrics:           collector,
		MetricsGatherer:   registry,
		HealthChecker:     db,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、取得スケジューラとクリーンアップジョブを起動する。
// メトリクスとヘルスチェック用の軽量HTTPサーバーも併せて起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	itemRepo := repository.NewPostgresFeedItemRepo(db)
	nomRepo := repository.NewPostgresNominationRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. パイプライン構成要素の初期化
	urlResolver := resolver.NewResolver(
		ssrfGuard, slog.Default(), cfg.ResolveMaxHops, cfg.ResolveTimeout,
	)
	contentExtractor := extractor.NewExtractor(sanitizer, slog.Default(), cfg.ExcerptLength)
	itemNormalizer := normalizer.NewNormalizer(
		urlResolver, contentExtractor, sanitizer, ssrfGuard, itemRepo,
		slog.Default(), cfg.PageFetchTimeout, cfg.FetchMaxSize, cfg.ExcerptLength,
	)

	parserRegistry := parser.NewRegistry()

	// 購読のフィード種別が解析レジストリに登録済みであることを起動時に検証する
	if err := validateFeedTypes(context.Background(), subRepo, parserRegistry); err != nil {
		return fmt.Errorf("feed type validation failed: %w", err)
	}

	nomService := buildNominationService(cfg, nomRepo, itemRepo, urlResolver, ssrfGuard)

	// 5. フェッチャーとスケジューラの初期化
	fetcher := retrieve.NewFetcher(
		subRepo, parserRegistry, itemNormalizer, nomService, ssrfGuard,
		slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize, cfg.FetchInterval,
	)
	scheduler := retrieve.NewScheduler(
		subRepo, fetcher, slog.Default(), cfg.FetchMaxConcurrent,
	)

	// 6. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	scheduler.SetReportRecorder(collector)

	// 7. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.ItemRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	// メトリクスとヘルスチェック用の軽量HTTPサーバーをバックグラウンドで起動
	workerMux := http.NewServeMux()
	workerMux.Handle("/metrics", metrics.Handler(registry))
	workerMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: workerMux,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 取得スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.FetchInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// validateFeedTypes は全購読の宣言フィード種別が解析レジストリで
// 解決できることを検証する。設定不整合を取得サイクル開始前に検出する。
func validateFeedTypes(ctx context.Context, subRepo repository.SubscriptionRepository, registry *parser.Registry) error {
	subs, err := subRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if _, err := registry.Lookup(sub.FeedType); err != nil {
			return fmt.Errorf("subscription %s declares unsupported feed type %q: %w",
				sub.ID, sub.FeedType, err)
		}
	}

	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
