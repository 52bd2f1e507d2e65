// Package retrieve はフィード取得サイクルのバックグラウンド処理を提供する。
// スケジューラ、フェッチャー、リトライ/バックオフ戦略を含む。
package retrieve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
	"github.com/hitoshi/nomikura/internal/repository"
)

// SubscriptionFetcher は購読フェッチの実行インターフェース。
type SubscriptionFetcher interface {
	// Fetch は指定購読をフェッチし、結果の集計を返す。
	Fetch(ctx context.Context, sub *model.Subscription) (*FetchOutcome, error)
}

// ReportRecorder は取得サイクルの集計レポートをメトリクスへ記録する。
type ReportRecorder interface {
	RecordRetrievalReport(report *model.RetrievalReport)
}

// Scheduler は取得サイクルのスケジューリングと並列制御を行う。
// ティッカーでフェッチ対象購読を取得し、semaphoreパターンで
// 最大並列数を制御しながらフェッチを実行する。
// キャンセル時は新規フェッチの発行を止め、実行中のものを
// ドレインした上で部分レポートを返す。
type Scheduler struct {
	subRepo        repository.SubscriptionRepository
	fetcher        SubscriptionFetcher
	logger         *slog.Logger
	maxConcurrency int
	recorder       ReportRecorder
}

// SetReportRecorder はサイクルごとのレポートを記録するレコーダーを設定する。
func (s *Scheduler) SetReportRecorder(recorder ReportRecorder) {
	s.recorder = recorder
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	subRepo repository.SubscriptionRepository,
	fetcher SubscriptionFetcher,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		subRepo:        subRepo,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("取得スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取得スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("取得サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if report != nil {
		s.logReport(report)
		if s.recorder != nil {
			s.recorder.RecordRetrievalReport(report)
		}
	}
}

// RunOnce はフェッチ対象購読を1回取得し、並列でフェッチを実行して
// 集計レポートを返す。個別の失敗はレポートに収集され、サイクル全体を
// 中断しない。キャンセル時はそれまでの集計を保持した部分レポートを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (*model.RetrievalReport, error) {
	report := &model.RetrievalReport{StartedAt: time.Now()}

	// フェッチ対象購読を取得（FOR UPDATE SKIP LOCKED）
	subs, err := s.subRepo.ListDueForFetch(ctx)
	if err != nil {
		return nil, err
	}

	report.SubscriptionsTotal = len(subs)
	if len(subs) == 0 {
		s.logger.Info("フェッチ対象の購読はありません")
		report.FinishedAt = time.Now()
		return report, nil
	}

	s.logger.Info("取得サイクルを開始します",
		slog.Int("subscription_count", len(subs)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex // reportへのマージを保護する

	for _, sub := range subs {
		// キャンセル後は新規フェッチを発行しない
		if ctx.Err() != nil {
			mu.Lock()
			report.Partial = true
			mu.Unlock()
			break
		}

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(sub *model.Subscription) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			outcome, err := s.fetcher.Fetch(ctx, sub)

			mu.Lock()
			defer mu.Unlock()

			if outcome != nil {
				mergeOutcome(report, sub, outcome)
			}
			if err != nil {
				if ctx.Err() != nil {
					report.Partial = true
					return
				}
				s.logger.Error("購読のフェッチに失敗しました",
					slog.String("subscription_id", sub.ID),
					slog.String("feed_url", sub.FeedURL),
					slog.String("error", err.Error()),
				)
				report.SubscriptionsFailed++
				report.Failures = append(report.Failures, model.RetrievalFailure{
					SubscriptionID: sub.ID,
					FeedURL:        sub.FeedURL,
					Code:           model.ErrorCode(err),
					Message:        err.Error(),
				})
			}
		}(sub)
	}

	wg.Wait()

	report.FinishedAt = time.Now()
	return report, nil
}

// mergeOutcome は1購読のフェッチ結果をレポートへマージする。
// 呼び出し元がreportのロックを保持していること。
func mergeOutcome(report *model.RetrievalReport, sub *model.Subscription, outcome *FetchOutcome) {
	switch {
	case outcome.NotModified:
		report.SubscriptionsSkipped++
	case outcome.Stopped || len(outcome.Failures) > 0 && outcome.ItemsSeen == 0:
		report.SubscriptionsFailed++
	default:
		report.SubscriptionsFetched++
	}

	report.ItemsSeen += outcome.ItemsSeen
	report.ItemsNew += outcome.ItemsNew
	report.ItemsRepeat += outcome.ItemsRepeat
	report.ItemsSkipped += outcome.ItemsSkipped
	report.Failures = append(report.Failures, outcome.Failures...)
}

func (s *Scheduler) logReport(report *model.RetrievalReport) {
	s.logger.Info("取得サイクルが完了しました",
		slog.Int("subscriptions_total", report.SubscriptionsTotal),
		slog.Int("subscriptions_fetched", report.SubscriptionsFetched),
		slog.Int("subscriptions_skipped", report.SubscriptionsSkipped),
		slog.Int("subscriptions_failed", report.SubscriptionsFailed),
		slog.Int("items_seen", report.ItemsSeen),
		slog.Int("items_new", report.ItemsNew),
		slog.Int("items_repeat", report.ItemsRepeat),
		slog.Int("items_skipped", report.ItemsSkipped),
		slog.Bool("partial", report.Partial),
		slog.Float64("duration_ms", float64(report.Duration().Milliseconds())),
	)
}
