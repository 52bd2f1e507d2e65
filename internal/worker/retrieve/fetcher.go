package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
	"github.com/hitoshi/nomikura/internal/repository"
)

// fetchUserAgent はフィード取得時のUser-Agentヘッダ。
const fetchUserAgent = "Nomikura/1.0 Feed Aggregator"

// FeedParser はフィードドキュメントのデコードインターフェース。
type FeedParser interface {
	Parse(sub *model.Subscription, data []byte) (items []model.RawFeedItem, skipped int, err error)
}

// ItemNormalizer は生アイテムの正規化と永続化のインターフェース。
type ItemNormalizer interface {
	Normalize(ctx context.Context, raw model.RawFeedItem) (*model.FeedItem, error)
	Store(ctx context.Context, item *model.FeedItem) (stored *model.FeedItem, isNew bool, err error)
}

// SightingRegistrar は再観測のノミネーション反映インターフェース。
type SightingRegistrar interface {
	RegisterSighting(ctx context.Context, item *model.FeedItem) error
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FetchOutcome は1購読のフェッチ結果の集計。
// スケジューラがRetrievalReportへマージする。
type FetchOutcome struct {
	NotModified  bool
	Stopped      bool
	ItemsSeen    int
	ItemsNew     int
	ItemsRepeat  int
	ItemsSkipped int
	Failures     []model.RetrievalFailure
}

// Fetcher は個別購読のHTTPフェッチとパイプライン処理を行う。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、パース、
// 正規化、重複排除エンジンへの観測反映までを1購読分実行する。
type Fetcher struct {
	subRepo       repository.SubscriptionRepository
	parser        FeedParser
	normalizer    ItemNormalizer
	sightings     SightingRegistrar
	ssrfGuard     SSRFValidator
	logger        *slog.Logger
	timeout       time.Duration
	maxBodySize   int64
	fetchInterval time.Duration
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	subRepo repository.SubscriptionRepository,
	parser FeedParser,
	normalizer ItemNormalizer,
	sightings SightingRegistrar,
	ssrfGuard SSRFValidator,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
	fetchInterval time.Duration,
) *Fetcher {
	return &Fetcher{
		subRepo:       subRepo,
		parser:        parser,
		normalizer:    normalizer,
		sightings:     sightings,
		ssrfGuard:     ssrfGuard,
		logger:        logger,
		timeout:       timeout,
		maxBodySize:   maxBodySize,
		fetchInterval: fetchInterval,
	}
}

// Fetch は購読をフェッチし、結果に応じて購読状態を更新する。
// 個別アイテムの失敗はOutcomeに収集され、購読全体を失敗させない。
// コンテキストのキャンセルはアイテム処理ループを中断し、
// それまでの集計を保持したOutcomeとctx.Err()を返す。
func (f *Fetcher) Fetch(ctx context.Context, sub *model.Subscription) (*FetchOutcome, error) {
	start := time.Now()
	outcome := &FetchOutcome{}

	// SSRF検証
	if err := f.ssrfGuard.ValidateURL(sub.FeedURL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", sub.FeedURL),
			slog.String("error", err.Error()),
		)
		ApplyStopSubscription(sub, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
		f.updateFetchState(ctx, sub)
		outcome.Stopped = true
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeSSRFBlocked, err.Error()))
		return outcome, nil
	}

	// HTTPリクエスト構築
	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag
	if sub.ETag != "" {
		req.Header.Set("If-None-Match", sub.ETag)
	}
	// 条件付きGET: Last-Modified
	if sub.LastModified != "" {
		req.Header.Set("If-Modified-Since", sub.LastModified)
	}

	// HTTPリクエスト実行
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", sub.FeedURL),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(sub, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		f.updateFetchState(ctx, sub)
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeUnreachableSource, err.Error()))
		return outcome, nil
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	// HTTPステータスに基づく処理分岐
	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		// 304: コンテンツ未変更 - next_fetch_atのみ更新
		f.logger.Info("フィードは未変更です（304）",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", sub.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		ApplySuccess(sub, f.fetchInterval)
		f.updateFetchState(ctx, sub)
		outcome.NotModified = true
		return outcome, nil

	case FetchResultStop:
		// 404/410/401/403: フェッチ停止
		reason := fmt.Sprintf("HTTPステータス %d によりフェッチを停止しました", resp.StatusCode)
		f.logger.Warn("購読のフェッチを停止します",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", sub.FeedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		ApplyStopSubscription(sub, reason)
		f.updateFetchState(ctx, sub)
		outcome.Stopped = true
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeUnreachableSource, reason))
		return outcome, nil

	case FetchResultBackoff:
		// 429/5xx: バックオフ
		reason := fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode)
		f.logger.Warn("購読のフェッチにバックオフを適用します",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", sub.FeedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", sub.ConsecutiveErrors+1),
		)
		ApplyBackoff(sub, reason)
		f.updateFetchState(ctx, sub)
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeUnreachableSource, reason))
		return outcome, nil

	case FetchResultOK:
		// 200: 正常フェッチ - 以下で処理を続行
	default:
		f.logger.Warn("予期しないHTTPステータスコード",
			slog.String("subscription_id", sub.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		reason := fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode)
		ApplyBackoff(sub, reason)
		f.updateFetchState(ctx, sub)
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeUnreachableSource, reason))
		return outcome, nil
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		ApplyBackoff(sub, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		f.updateFetchState(ctx, sub)
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeUnreachableSource, err.Error()))
		return outcome, nil
	}

	// ETag/Last-Modifiedを保存
	if etag := resp.Header.Get("ETag"); etag != "" {
		sub.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		sub.LastModified = lastMod
	}

	// フィードドキュメントをパース
	rawItems, skipped, err := f.parser.Parse(sub, body)
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("feed_url", sub.FeedURL),
			slog.String("error", err.Error()),
		)
		ApplyParseFailure(sub, err.Error())
		f.updateFetchState(ctx, sub)
		outcome.Failures = append(outcome.Failures, subscriptionFailure(sub, model.ErrCodeParseFailed, err.Error()))
		return outcome, nil
	}
	outcome.ItemsSkipped += skipped

	// アイテムを正規化・保存し、再観測をノミネーションへ反映する
	if err := f.processItems(ctx, sub, rawItems, outcome); err != nil {
		return outcome, err
	}

	ApplySuccess(sub, f.fetchInterval)
	f.updateFetchState(ctx, sub)

	f.logger.Info("購読のフェッチが完了しました",
		slog.String("subscription_id", sub.ID),
		slog.String("feed_url", sub.FeedURL),
		slog.Int("items_seen", outcome.ItemsSeen),
		slog.Int("items_new", outcome.ItemsNew),
		slog.Int("items_repeat", outcome.ItemsRepeat),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return outcome, nil
}

// processItems は生アイテム列を正規化・保存する。
// アイテム単位の失敗は収集して続行し、キャンセルのみがループを中断する。
func (f *Fetcher) processItems(ctx context.Context, sub *model.Subscription, rawItems []model.RawFeedItem, outcome *FetchOutcome) error {
	for _, raw := range rawItems {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome.ItemsSeen++

		item, err := f.normalizer.Normalize(ctx, raw)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			outcome.ItemsSkipped++
			outcome.Failures = append(outcome.Failures, itemFailure(sub, raw.Link, err))
			continue
		}

		stored, isNew, err := f.normalizer.Store(ctx, item)
		if err != nil {
			outcome.ItemsSkipped++
			outcome.Failures = append(outcome.Failures, itemFailure(sub, raw.Link, err))
			continue
		}

		if isNew {
			outcome.ItemsNew++
			continue
		}

		outcome.ItemsRepeat++
		if err := f.sightings.RegisterSighting(ctx, stored); err != nil {
			f.logger.Error("再観測のノミネーション反映に失敗しました",
				slog.String("subscription_id", sub.ID),
				slog.String("canonical_key", stored.CanonicalKey),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (f *Fetcher) updateFetchState(ctx context.Context, sub *model.Subscription) {
	if err := f.subRepo.UpdateFetchState(ctx, sub); err != nil {
		f.logger.Error("購読状態の更新に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}

func subscriptionFailure(sub *model.Subscription, code, message string) model.RetrievalFailure {
	return model.RetrievalFailure{
		SubscriptionID: sub.ID,
		FeedURL:        sub.FeedURL,
		Code:           code,
		Message:        message,
	}
}

func itemFailure(sub *model.Subscription, itemLink string, err error) model.RetrievalFailure {
	return model.RetrievalFailure{
		SubscriptionID: sub.ID,
		FeedURL:        sub.FeedURL,
		ItemLink:       itemLink,
		Code:           model.ErrorCode(err),
		Message:        err.Error(),
	}
}
